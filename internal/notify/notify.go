// Package notify delivers operational notifications about request
// lifecycle changes. Delivery is best effort: a notification that cannot
// be sent is logged and counted, never surfaced to the caller.
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/metrics"
)

// Message is one notification.
type Message struct {
	Event     string    `json:"event"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId,omitempty"`
	SubjectID string    `json:"subjectId,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers a message to one sink.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Named is implemented by sinks that report under their own metric label.
type Named interface {
	Name() string
}

func sinkName(n Notifier) string {
	if nn, ok := n.(Named); ok {
		return nn.Name()
	}
	return "unknown"
}

// Log writes notifications to the structured log. It is always part of the
// fanout so that every notification leaves a trace.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink. A nil logger uses the context logger.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(ctx context.Context, msg Message) error {
	logger := l.logger
	if logger == nil {
		logger = logging.L(ctx)
	}
	logger.Info("notification",
		"event", msg.Event,
		"subject_id", msg.SubjectID,
		"user_id", msg.UserID,
		"text", msg.Text,
	)
	return nil
}

// Fanout delivers to every sink and joins their errors. Each sink's result
// is counted separately.
type Fanout struct {
	sinks []Notifier
}

// NewFanout creates a fanout over sinks, skipping nils.
func NewFanout(sinks ...Notifier) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.Notify(ctx, msg)
		result := "ok"
		if err != nil {
			result = "error"
			errs = append(errs, err)
		}
		metrics.NotificationsTotal.WithLabelValues(sinkName(s), result).Inc()
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Dispatcher sends notifications asynchronously.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Each send gets its own timeout,
// detached from the caller's cancellation.
func NewDispatcher(n Notifier, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout}
}

// Send delivers msg in the background. It never blocks on the sink and
// never reports failure to the caller.
func (d *Dispatcher) Send(ctx context.Context, msg Message) {
	if d == nil || d.notifier == nil {
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	base := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, msg); err != nil {
			logging.L(ctx).Warn("notification delivery failed",
				"event", msg.Event,
				"subject_id", msg.SubjectID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until in-flight sends finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for in-flight sends and releases sink resources.
func (d *Dispatcher) Close() error {
	d.Wait()
	if c, ok := d.notifier.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
