// Package dispute lets request owners escalate a buy request to an admin.
//
// Opening a dispute forces the linked request to disputed whatever its
// status, completed included. Resolving a dispute closes it and leaves the
// request where it is; any follow-up on the request is a manual admin
// action.
package dispute

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/buyrequest"
	"github.com/mbd888/swapdesk/internal/notify"
	"github.com/mbd888/swapdesk/internal/users"
)

var (
	ErrDisputeNotFound = apperr.New(apperr.KindNotFound, "dispute_not_found", "dispute not found")
	ErrAlreadyResolved = apperr.New(apperr.KindConflict, "dispute_resolved", "dispute is already resolved")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Event types emitted on changes.
const (
	EventOpened   = "dispute.opened"
	EventResolved = "dispute.resolved"
)

// Dispute is a complaint about one buy request.
type Dispute struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"requestId"`
	UserID     string     `json:"userId"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Summary is a dispute with the linked request and opener filled in.
// Request fields stay empty when the request can no longer be read.
type Summary struct {
	*Dispute
	CryptoType   string           `json:"cryptoType,omitempty"`
	FiatAmount   *decimal.Decimal `json:"fiatAmount,omitempty"`
	FiatCurrency string           `json:"fiatCurrency,omitempty"`
	Username     string           `json:"username,omitempty"`
}

// Store persists disputes.
//
// Open inserts d and moves the linked request to disputed as one unit: if
// either half fails, neither is visible. It returns the updated request,
// or buyrequest.ErrRequestNotFound when the request is missing or deleted.
// Resolve fails with ErrAlreadyResolved unless the dispute is still open.
type Store interface {
	Open(ctx context.Context, d *Dispute) (*buyrequest.BuyRequest, error)
	Get(ctx context.Context, id string) (*Dispute, error)
	Resolve(ctx context.Context, id, resolution string, at time.Time) (*Dispute, error)
	List(ctx context.Context, userID string, limit int) ([]*Dispute, error)
}

// RequestReader loads buy requests. buyrequest.Store satisfies it.
type RequestReader interface {
	Get(ctx context.Context, id string) (*buyrequest.BuyRequest, error)
}

// UserLookup resolves opener usernames.
type UserLookup interface {
	Get(ctx context.Context, id string) (*users.User, error)
}

// EventEmitter publishes dispute changes, and the request status change a
// new dispute causes, to live subscribers.
type EventEmitter interface {
	EmitDispute(eventType string, d *Dispute)
	EmitBuyRequest(eventType string, r *buyrequest.BuyRequest)
}

// Notifier delivers operational notifications without blocking.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message)
}
