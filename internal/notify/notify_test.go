package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/metrics"
	"github.com/mbd888/swapdesk/internal/retry"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
	name string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func sent(t *testing.T, sink, result string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.NotificationsTotal.WithLabelValues(sink, result).Write(&m))
	return m.GetCounter().GetValue()
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{name: "test-ok"}
	bad := &recorder{name: "test-bad", err: errors.New("boom")}
	f := NewFanout(ok, nil, bad)

	okBefore := sent(t, "test-ok", "ok")
	badBefore := sent(t, "test-bad", "error")

	err := f.Notify(context.Background(), Message{Event: "x", Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
	assert.Equal(t, okBefore+1, sent(t, "test-ok", "ok"))
	assert.Equal(t, badBefore+1, sent(t, "test-bad", "error"))
}

func TestDispatcher_SendIsAsyncAndSwallowsErrors(t *testing.T) {
	sink := &recorder{name: "test-dispatch", err: errors.New("down")}
	d := NewDispatcher(sink, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	d.Send(ctx, Message{Event: "buy_request.created", Text: "new"})
	cancel()
	d.Wait()

	require.Equal(t, 1, sink.count())
	assert.False(t, sink.msgs[0].At.IsZero())
}

func TestDispatcher_NilSafe(t *testing.T) {
	var d *Dispatcher
	d.Send(context.Background(), Message{Text: "ignored"})
}

func TestLog_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(logging.NewWithWriter(&buf, "info", "json"))
	require.NoError(t, l.Notify(context.Background(), Message{Event: "dispute.opened", SubjectID: "BR1", Text: "t"}))
	assert.Contains(t, buf.String(), `"event":"dispute.opened"`)
	assert.Contains(t, buf.String(), `"subject_id":"BR1"`)
}

func TestTelegram_SendMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN", "-100")
	require.NoError(t, tg.Notify(context.Background(), Message{Text: "paid"}))
	assert.Equal(t, "-100", got["chat_id"])
	assert.Equal(t, "paid", got["text"])
}

func TestTelegram_RetriesThenGivesUpOnRejection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN", "-100")
	tg.policy = retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	err := tg.Notify(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTelegram_ErrorHidesToken(t *testing.T) {
	tg := NewTelegram("http://127.0.0.1:1", "SECRET123", "1")
	tg.policy = retry.Policy{MaxAttempts: 1}
	err := tg.Notify(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "SECRET123"))
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafka_PartitionsBySubject(t *testing.T) {
	k := NewKafka([]string{"127.0.0.1:9092"}, "swapdesk.notifications")
	w, ok := k.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, "swapdesk.notifications", w.Topic)
}

func TestKafka_PublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, k.Notify(context.Background(), Message{Event: "withdrawal.created", SubjectID: "wd-1", Text: "w", At: at}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "wd-1", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var decoded Message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "withdrawal.created", decoded.Event)

	f := NewFanout(k)
	require.NoError(t, f.Close())
	assert.True(t, w.closed)
}
