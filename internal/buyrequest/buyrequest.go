// Package buyrequest implements the fiat-to-crypto buy request lifecycle.
//
// Flow:
//  1. User creates a request → pending
//  2. Operator claims it and posts payment instructions → processing
//  3. User pays and uploads a receipt → paid
//  4. Owner confirms or operator finalizes with a tx hash → completed
//
// Admins and the assigned operator may cancel. A user holds at most one
// active (pending, processing or paid) request at a time. Disputes move a
// request to disputed from any status; see package dispute.
package buyrequest

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/notify"
)

var (
	ErrRequestNotFound     = apperr.New(apperr.KindNotFound, "request_not_found", "buy request not found")
	ErrActiveRequestExists = apperr.New(apperr.KindConflict, "active_request_exists", "an active buy request already exists")
	ErrAlreadyClaimed      = apperr.New(apperr.KindConflict, "already_claimed", "request is claimed by another operator")
	ErrInvalidStatus       = apperr.New(apperr.KindValidation, "invalid_status", "invalid target status")
	ErrInvalidTransition   = apperr.New(apperr.KindConflict, "invalid_transition", "transition not allowed from current status")
	ErrConcurrentUpdate    = apperr.New(apperr.KindConflict, "concurrent_update", "request was modified concurrently, retry")

	// ErrStaleWrite is returned by Store.UpdateIf when the stored row no
	// longer matches the expected status and operator.
	ErrStaleWrite = errors.New("buy request changed since it was read")

	// ErrDuplicateID is returned by Store.Create when the id is taken.
	ErrDuplicateID = errors.New("buy request id already exists")
)

// Status represents the state of a buy request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusProcessing, StatusPaid}

// IsActive reports whether s counts against the one-active-request rule.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusPaid
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusPaid, StatusCompleted, StatusCancelled, StatusDisputed:
		return st, true
	}
	return "", false
}

// Event types emitted on changes.
const (
	EventCreated = "buy_request.created"
	EventUpdated = "buy_request.updated"
)

// BuyRequest is a user's order to buy crypto for fiat. No crypto amount is
// stored; it is derived from the live price when displayed.
type BuyRequest struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	CryptoType      string          `json:"cryptoType"`
	FiatAmount      decimal.Decimal `json:"fiatAmount"`
	FiatCurrency    string          `json:"fiatCurrency"`
	PaymentMethod   string          `json:"paymentMethod"`
	WalletAddress   string          `json:"walletAddress"`
	Network         string          `json:"network,omitempty"`
	Status          Status          `json:"status"`
	OperatorID      string          `json:"operatorId,omitempty"`
	PaymentDetails  string          `json:"paymentDetails,omitempty"`
	ReceiptImage    string          `json:"receiptImage,omitempty"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Deleted         bool            `json:"deleted,omitempty"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
}

// ListFilter narrows Store.List. Empty fields match everything.
// Soft-deleted requests are skipped unless IncludeDeleted is set.
type ListFilter struct {
	UserID         string
	Status         Status
	Limit          int
	IncludeDeleted bool
}

// Store persists buy requests.
//
// Create must fail with ErrActiveRequestExists when the user already holds
// an active, non-deleted request, atomically with the insert. UpdateIf
// writes r only if the stored row still has expectStatus and
// expectOperator ("" meaning unassigned) and is not deleted; otherwise it
// returns ErrStaleWrite, or ErrRequestNotFound when the row is gone.
type Store interface {
	Create(ctx context.Context, r *BuyRequest) error
	Get(ctx context.Context, id string) (*BuyRequest, error)
	UpdateIf(ctx context.Context, r *BuyRequest, expectStatus Status, expectOperator string) error
	MarkDisputed(ctx context.Context, id string) (*BuyRequest, error)
	ActiveForUser(ctx context.Context, userID string) (*BuyRequest, error)
	List(ctx context.Context, filter ListFilter) ([]*BuyRequest, error)
}

// EventEmitter publishes request changes to live subscribers.
type EventEmitter interface {
	EmitBuyRequest(eventType string, r *BuyRequest)
}

// Notifier delivers operational notifications without blocking.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message)
}
