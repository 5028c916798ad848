package buyrequest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/notify"
	"github.com/mbd888/swapdesk/internal/users"
)

const btcAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

var (
	alice = auth.Identity{UserID: "u-alice", Username: "alice", Role: users.RoleUser}
	bob   = auth.Identity{UserID: "u-bob", Username: "bob", Role: users.RoleUser}
	op1   = auth.Identity{UserID: "u-op1", Username: "op1", Role: users.RoleOperator}
	op2   = auth.Identity{UserID: "u-op2", Username: "op2", Role: users.RoleOperator}
	admin = auth.Identity{UserID: "u-admin", Username: "root", Role: users.RoleAdmin}
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (e *eventRecorder) EmitBuyRequest(eventType string, r *BuyRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType+":"+string(r.Status))
}

type notifyRecorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *notifyRecorder) Send(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store), store
}

func btcRequest(amount string) CreateRequest {
	return CreateRequest{
		CryptoType:    "btc",
		FiatAmount:    decimal.RequireFromString(amount),
		FiatCurrency:  "RUB",
		PaymentMethod: "sbp",
		WalletAddress: btcAddr,
	}
}

func mustCreate(t *testing.T, svc *Service, actor auth.Identity) *BuyRequest {
	t.Helper()
	r, err := svc.Create(context.Background(), actor, btcRequest("100"))
	require.NoError(t, err)
	return r
}

func TestCreate(t *testing.T) {
	svc, _ := newTestService()
	events := &eventRecorder{}
	notes := &notifyRecorder{}
	svc.WithEvents(events).WithNotifier(notes)

	r, err := svc.Create(context.Background(), alice, btcRequest("100"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(r.ID, "BR"))
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "BTC", r.CryptoType)
	assert.Equal(t, alice.UserID, r.UserID)
	assert.Empty(t, r.OperatorID)
	assert.Equal(t, []string{"buy_request.created:pending"}, events.events)
	require.Len(t, notes.msgs, 1)
	assert.Equal(t, r.ID, notes.msgs[0].SubjectID)
	assert.Contains(t, notes.msgs[0].Text, "100.00 RUB")
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"zero amount", func(r *CreateRequest) { r.FiatAmount = decimal.Zero }, "fiatAmount"},
		{"negative amount", func(r *CreateRequest) { r.FiatAmount = decimal.NewFromInt(-5) }, "fiatAmount"},
		{"too precise", func(r *CreateRequest) { r.FiatAmount = decimal.RequireFromString("1.001") }, "fiatAmount"},
		{"too large", func(r *CreateRequest) { r.FiatAmount = decimal.RequireFromString("1e20") }, "fiatAmount"},
		{"just over column", func(r *CreateRequest) { r.FiatAmount = decimal.RequireFromString("1000000000000000000") }, "fiatAmount"},
		{"no crypto", func(r *CreateRequest) { r.CryptoType = "" }, "cryptoType"},
		{"bad currency", func(r *CreateRequest) { r.FiatCurrency = "RUBLE" }, "fiatCurrency"},
		{"no method", func(r *CreateRequest) { r.PaymentMethod = " " }, "paymentMethod"},
		{"no wallet", func(r *CreateRequest) { r.WalletAddress = "" }, "walletAddress"},
		{"bad wallet", func(r *CreateRequest) { r.WalletAddress = "not-an-address" }, "walletAddress"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := btcRequest("100")
			tt.mutate(&req)
			_, err := svc.Create(ctx, alice, req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			var ae *apperr.Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.field, ae.Field)
		})
	}
}

// collidingStore reports the first insert as an id collision.
type collidingStore struct {
	*MemoryStore
	collided bool
}

func (c *collidingStore) Create(ctx context.Context, r *BuyRequest) error {
	if !c.collided {
		c.collided = true
		return ErrDuplicateID
	}
	return c.MemoryStore.Create(ctx, r)
}

func TestMemoryStore_RejectsDuplicateID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &BuyRequest{ID: "BRDUP00001", UserID: alice.UserID, Status: StatusCompleted}
	require.NoError(t, store.Create(ctx, first))

	err := store.Create(ctx, &BuyRequest{ID: "BRDUP00001", UserID: bob.UserID, Status: StatusPending})
	assert.ErrorIs(t, err, ErrDuplicateID)

	got, err := store.Get(ctx, "BRDUP00001")
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, got.UserID, "existing request must not be overwritten")
}

func TestCreate_RetriesOnIDCollision(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store)

	r, err := svc.Create(context.Background(), alice, btcRequest("100"))
	require.NoError(t, err)
	assert.True(t, store.collided)

	got, err := store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, got.UserID)
}

// P1: at most one active request per user.
func TestCreate_SingleActiveRequest(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first := mustCreate(t, svc, alice)
	_, err := svc.Create(ctx, alice, btcRequest("200"))
	assert.True(t, errors.Is(err, ErrActiveRequestExists))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// Another user is unaffected.
	mustCreate(t, svc, bob)

	// Once the first request is terminal a new one may be opened.
	_, err = svc.Transition(ctx, admin, first.ID, Cancelled{})
	require.NoError(t, err)
	mustCreate(t, svc, alice)
}

func TestCreate_ConcurrentSingleActive(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	var created, conflicts int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, alice, btcRequest("100"))
			switch {
			case err == nil:
				atomic.AddInt32(&created, 1)
			case errors.Is(err, ErrActiveRequestExists):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created)
	assert.Equal(t, int32(19), conflicts)
	list, _ := store.List(ctx, ListFilter{UserID: alice.UserID})
	assert.Len(t, list, 1)
}

func TestMemoryStore_EnforcesSingleActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &BuyRequest{ID: "BR1", UserID: "u", Status: StatusPending}))
	err := store.Create(ctx, &BuyRequest{ID: "BR2", UserID: "u", Status: StatusPending})
	assert.True(t, errors.Is(err, ErrActiveRequestExists))
}

// P2: claim semantics.
func TestTransition_ClaimSemantics(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc, alice)

	got, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "card 1111"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, op1.UserID, got.OperatorID)

	_, err = svc.Transition(ctx, op2, r.ID, Processing{PaymentDetails: "card 2222"})
	assert.True(t, errors.Is(err, ErrAlreadyClaimed))

	got, err = svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "card 3333"})
	require.NoError(t, err, "re-claim by the same operator is idempotent")
	assert.Equal(t, op1.UserID, got.OperatorID)
	assert.Equal(t, "card 3333", got.PaymentDetails)

	got, err = svc.Transition(ctx, admin, r.ID, Processing{PaymentDetails: "card 4444"})
	require.NoError(t, err, "admins may override a claim")
	assert.Equal(t, op1.UserID, got.OperatorID)
	assert.Equal(t, "card 4444", got.PaymentDetails)
}

func TestTransition_ConcurrentClaim(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc, alice)

	ops := []auth.Identity{op1, op2}
	results := make([]error, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op auth.Identity) {
			defer wg.Done()
			_, results[i] = svc.Transition(ctx, op, r.ID, Processing{PaymentDetails: "details " + op.Username})
		}(i, op)
	}
	wg.Wait()

	var ok, claimed int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyClaimed):
			claimed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, claimed)

	final, err := svc.Get(ctx, admin, r.ID)
	require.NoError(t, err)
	assert.Contains(t, final.PaymentDetails, map[string]string{op1.UserID: "op1", op2.UserID: "op2"}[final.OperatorID])
}

// P3 and P8: the full happy path.
func TestTransition_RoundTrip(t *testing.T) {
	svc, _ := newTestService()
	events := &eventRecorder{}
	svc.WithEvents(events)
	ctx := context.Background()

	r := mustCreate(t, svc, alice)
	_, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "Bank: Sberbank, Acct: 4081"})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, alice, r.ID, Paid{ReceiptImage: "https://img/x.png"})
	require.NoError(t, err)
	final, err := svc.Transition(ctx, op1, r.ID, Completed{TransactionHash: "abc123"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, op1.UserID, final.OperatorID)
	assert.Equal(t, "Bank: Sberbank, Acct: 4081", final.PaymentDetails)
	assert.Equal(t, "https://img/x.png", final.ReceiptImage)
	assert.Equal(t, "abc123", final.TransactionHash)
	assert.Equal(t, []string{
		"buy_request.created:pending",
		"buy_request.updated:processing",
		"buy_request.updated:paid",
		"buy_request.updated:completed",
	}, events.events)
}

func TestTransition_OwnerConfirmsWithoutHash(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc, alice)

	_, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "x"})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, alice, r.ID, Paid{ReceiptImage: "https://img/r.jpg"})
	require.NoError(t, err)
	final, err := svc.Transition(ctx, alice, r.ID, Completed{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Empty(t, final.TransactionHash)
}

func TestTransition_Rules(t *testing.T) {
	ctx := context.Background()

	// setup drives a fresh request to the given status.
	setup := func(t *testing.T, to Status) (*Service, *BuyRequest) {
		svc, store := newTestService()
		r := mustCreate(t, svc, alice)
		steps := map[Status][]func() error{
			StatusPending: nil,
			StatusProcessing: {
				func() error { _, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"}); return err },
			},
			StatusPaid: {
				func() error { _, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"}); return err },
				func() error {
					_, err := svc.Transition(ctx, alice, r.ID, Paid{ReceiptImage: "https://i/1.png"})
					return err
				},
			},
			StatusCompleted: {
				func() error { _, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"}); return err },
				func() error {
					_, err := svc.Transition(ctx, alice, r.ID, Paid{ReceiptImage: "https://i/1.png"})
					return err
				},
				func() error { _, err := svc.Transition(ctx, op1, r.ID, Completed{}); return err },
			},
			StatusCancelled: {
				func() error { _, err := svc.Transition(ctx, admin, r.ID, Cancelled{}); return err },
			},
			StatusDisputed: {
				func() error { _, err := store.MarkDisputed(ctx, r.ID); return err },
			},
		}
		for _, step := range steps[to] {
			require.NoError(t, step())
		}
		return svc, r
	}

	tests := []struct {
		name    string
		from    Status
		actor   auth.Identity
		payload Payload
		wantErr error
	}{
		{"user cannot claim", StatusPending, alice, Processing{PaymentDetails: "d"}, apperr.ErrForbidden},
		{"claim paid request", StatusPaid, op1, Processing{PaymentDetails: "d"}, ErrInvalidTransition},
		{"paid from pending", StatusPending, alice, Paid{ReceiptImage: "https://i/1.png"}, ErrInvalidTransition},
		{"stranger cannot pay", StatusProcessing, bob, Paid{ReceiptImage: "https://i/1.png"}, apperr.ErrForbidden},
		{"operator may record payment", StatusProcessing, op1, Paid{ReceiptImage: "https://i/1.png"}, nil},
		{"receipt replaced", StatusPaid, alice, Paid{ReceiptImage: "https://i/2.png"}, nil},
		{"complete before paid", StatusProcessing, alice, Completed{}, ErrInvalidTransition},
		{"stranger cannot complete", StatusPaid, bob, Completed{}, apperr.ErrForbidden},
		{"other operator cannot complete", StatusPaid, op2, Completed{}, apperr.ErrForbidden},
		{"admin completes", StatusPaid, admin, Completed{TransactionHash: "h"}, nil},
		{"admin completes disputed", StatusDisputed, admin, Completed{}, nil},
		{"operator cannot complete disputed", StatusDisputed, op1, Completed{}, ErrInvalidTransition},
		{"user cannot cancel", StatusPending, alice, Cancelled{}, apperr.ErrForbidden},
		{"unassigned operator cancels pending", StatusPending, op2, Cancelled{}, nil},
		{"assigned operator cancels", StatusProcessing, op1, Cancelled{}, nil},
		{"other operator cannot cancel", StatusProcessing, op2, Cancelled{}, apperr.ErrForbidden},
		{"operator cannot cancel disputed", StatusDisputed, op1, Cancelled{}, ErrInvalidTransition},
		{"admin cancels paid", StatusPaid, admin, Cancelled{}, nil},
		{"admin cancels disputed", StatusDisputed, admin, Cancelled{}, nil},
		{"cannot cancel completed", StatusCompleted, admin, Cancelled{}, ErrInvalidTransition},
		{"cannot cancel twice", StatusCancelled, admin, Cancelled{}, ErrInvalidTransition},
		{"cannot reopen cancelled", StatusCancelled, op1, Processing{PaymentDetails: "d"}, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, r := setup(t, tt.from)
			got, err := svc.Transition(ctx, tt.actor, r.ID, tt.payload)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.payload.Target(), got.Status)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "want %v, got %v", tt.wantErr, err)
		})
	}
}

func TestTransition_CheckOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Transition(ctx, alice, "BRMISSING00", Processing{PaymentDetails: "d"})
	assert.True(t, errors.Is(err, ErrRequestNotFound), "not found wins over forbidden")

	r := mustCreate(t, svc, alice)
	_, err = svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, alice, r.ID, Paid{ReceiptImage: "https://i/1.png"})
	require.NoError(t, err)

	// op2 on a paid request claimed by op1: the claim check fires before the
	// source status check.
	_, err = svc.Transition(ctx, op2, r.ID, Processing{PaymentDetails: "d"})
	assert.True(t, errors.Is(err, ErrAlreadyClaimed))

	// A plain user is refused before any claim or status check.
	_, err = svc.Transition(ctx, bob, r.ID, Processing{PaymentDetails: "d"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestTransition_CompletedByUnassignedOperatorTakesOwnership(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc, alice)

	cur, _ := store.Get(ctx, r.ID)
	next := *cur
	next.Status = StatusPaid
	next.ReceiptImage = "https://i/1.png"
	require.NoError(t, store.UpdateIf(ctx, &next, StatusPending, ""))

	got, err := svc.Transition(ctx, op2, r.ID, Completed{TransactionHash: "0xfeed"})
	require.NoError(t, err)
	assert.Equal(t, op2.UserID, got.OperatorID)
	assert.Equal(t, "0xfeed", got.TransactionHash)
}

// P5: owner deletes only pending or cancelled requests.
func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("owner deletes pending", func(t *testing.T) {
		svc, store := newTestService()
		r := mustCreate(t, svc, alice)
		require.NoError(t, svc.Delete(ctx, alice, r.ID))

		raw, err := store.Get(ctx, r.ID)
		require.NoError(t, err, "records are never removed")
		assert.True(t, raw.Deleted)
		assert.NotNil(t, raw.DeletedAt)
		assert.Equal(t, StatusCancelled, raw.Status)

		_, err = svc.Get(ctx, alice, r.ID)
		assert.True(t, errors.Is(err, ErrRequestNotFound))
		_, err = svc.Transition(ctx, admin, r.ID, Cancelled{})
		assert.True(t, errors.Is(err, ErrRequestNotFound))

		// The slot is free again.
		mustCreate(t, svc, alice)
	})

	t.Run("owner cannot delete processing", func(t *testing.T) {
		svc, _ := newTestService()
		r := mustCreate(t, svc, alice)
		_, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"})
		require.NoError(t, err)

		err = svc.Delete(ctx, alice, r.ID)
		assert.True(t, errors.Is(err, apperr.ErrForbidden))
	})

	t.Run("owner deletes cancelled", func(t *testing.T) {
		svc, store := newTestService()
		r := mustCreate(t, svc, alice)
		_, err := svc.Transition(ctx, admin, r.ID, Cancelled{})
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, alice, r.ID))
		raw, _ := store.Get(ctx, r.ID)
		assert.True(t, raw.Deleted)
	})

	t.Run("admin deletes anything", func(t *testing.T) {
		svc, store := newTestService()
		r := mustCreate(t, svc, alice)
		_, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"})
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, admin, r.ID))
		raw, _ := store.Get(ctx, r.ID)
		assert.True(t, raw.Deleted)
		assert.Equal(t, StatusProcessing, raw.Status)
	})

	t.Run("others cannot delete", func(t *testing.T) {
		svc, _ := newTestService()
		r := mustCreate(t, svc, alice)
		assert.True(t, errors.Is(svc.Delete(ctx, bob, r.ID), apperr.ErrForbidden))
		assert.True(t, errors.Is(svc.Delete(ctx, op1, r.ID), apperr.ErrForbidden))
		assert.True(t, errors.Is(svc.Delete(ctx, alice, "BRNOPE"), ErrRequestNotFound))
	})
}

func TestGet_Visibility(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc, alice)

	for _, actor := range []auth.Identity{alice, op1, admin} {
		_, err := svc.Get(ctx, actor, r.ID)
		assert.NoError(t, err, actor.Username)
	}
	_, err := svc.Get(ctx, bob, r.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestList_RoleScoping(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ra := mustCreate(t, svc, alice)
	rb := mustCreate(t, svc, bob)
	_, err := svc.Transition(ctx, op1, rb.ID, Processing{PaymentDetails: "d"})
	require.NoError(t, err)

	all, err := svc.List(ctx, admin, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	processing, err := svc.List(ctx, admin, ListOptions{Status: "processing"})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, rb.ID, processing[0].ID)

	queue, err := svc.List(ctx, op1, ListOptions{Status: "processing"})
	require.NoError(t, err)
	require.Len(t, queue, 1, "operators only see the pending queue")
	assert.Equal(t, ra.ID, queue[0].ID)

	own, err := svc.List(ctx, bob, ListOptions{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, rb.ID, own[0].ID)

	_, err = svc.List(ctx, admin, ListOptions{Status: "archived"})
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestList_IncludeDeletedForAdminsOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	r := mustCreate(t, svc, alice)
	require.NoError(t, svc.Delete(ctx, alice, r.ID))

	live, err := svc.List(ctx, admin, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, live)

	audit, err := svc.List(ctx, admin, ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, r.ID, audit[0].ID)
	assert.True(t, audit[0].Deleted)
	assert.NotNil(t, audit[0].DeletedAt)

	own, err := svc.List(ctx, alice, ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, own, "users never see deleted requests")

	queue, err := svc.List(ctx, op1, ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, queue)
}

type fakeUploader struct {
	url   string
	err   error
	calls int
}

func (f *fakeUploader) Upload(_ context.Context, _ string, _ []byte) (string, error) {
	f.calls++
	return f.url, f.err
}

func TestUploadReceipt(t *testing.T) {
	ctx := context.Background()
	png := []byte("\x89PNG\r\n\x1a\n")

	t.Run("success marks paid", func(t *testing.T) {
		svc, _ := newTestService()
		up := &fakeUploader{url: "https://i.example/r.png"}
		svc.WithUploader(up)
		r := mustCreate(t, svc, alice)
		_, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"})
		require.NoError(t, err)

		got, err := svc.UploadReceipt(ctx, alice, r.ID, "r.png", png)
		require.NoError(t, err)
		assert.Equal(t, StatusPaid, got.Status)
		assert.Equal(t, "https://i.example/r.png", got.ReceiptImage)
	})

	t.Run("upload failure blocks transition", func(t *testing.T) {
		svc, _ := newTestService()
		svc.WithUploader(&fakeUploader{err: apperr.New(apperr.KindUpstream, "receipt_upload_failed", "down")})
		r := mustCreate(t, svc, alice)
		_, err := svc.Transition(ctx, op1, r.ID, Processing{PaymentDetails: "d"})
		require.NoError(t, err)

		_, err = svc.UploadReceipt(ctx, alice, r.ID, "r.png", png)
		assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
		got, _ := svc.Get(ctx, alice, r.ID)
		assert.Equal(t, StatusProcessing, got.Status)
	})

	t.Run("checks precede upload", func(t *testing.T) {
		svc, _ := newTestService()
		up := &fakeUploader{url: "https://i.example/r.png"}
		svc.WithUploader(up)
		r := mustCreate(t, svc, alice)

		_, err := svc.UploadReceipt(ctx, alice, "BRNOPE", "r.png", png)
		assert.True(t, errors.Is(err, ErrRequestNotFound))
		_, err = svc.UploadReceipt(ctx, bob, r.ID, "r.png", png)
		assert.True(t, errors.Is(err, apperr.ErrForbidden))
		_, err = svc.UploadReceipt(ctx, alice, r.ID, "r.png", png)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, 0, up.calls)
	})
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload(TransitionFields{Status: "processing", PaymentDetails: " card "})
	require.NoError(t, err)
	assert.Equal(t, Processing{PaymentDetails: "card"}, p)

	p, err = ParsePayload(TransitionFields{Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, Completed{}, p)

	p, err = ParsePayload(TransitionFields{Status: "cancelled"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, p.Target())

	for _, s := range []string{"disputed", "pending", "", "PAID", "archived"} {
		_, err := ParsePayload(TransitionFields{Status: s, ReceiptImage: "https://i/1.png"})
		assert.True(t, errors.Is(err, ErrInvalidStatus), s)
	}

	_, err = ParsePayload(TransitionFields{Status: "processing"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = ParsePayload(TransitionFields{Status: "paid"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = ParsePayload(TransitionFields{Status: "paid", ReceiptImage: "javascript:alert(1)"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
