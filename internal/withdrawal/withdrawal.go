// Package withdrawal handles crypto withdrawals to external wallets.
//
// Flow:
//  1. User requests a withdrawal; the amount is debited up front → pending
//  2. Operator picks it up → processing
//  3. Operator sends the coins and records the tx hash → completed
//
// Staff may cancel pending or processing withdrawals. Cancelling does not
// credit the amount back; refunds are manual balance adjustments.
package withdrawal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/notify"
)

var (
	ErrWithdrawalNotFound = apperr.New(apperr.KindNotFound, "withdrawal_not_found", "withdrawal request not found")
	ErrInvalidAmount      = apperr.OnField(apperr.New(apperr.KindValidation, "invalid_amount", "amount must be greater than zero"), "amount")
	ErrInvalidStatus      = apperr.New(apperr.KindValidation, "invalid_status", "invalid target status")
	ErrInvalidTransition  = apperr.New(apperr.KindConflict, "invalid_transition", "transition not allowed from current status")
	ErrConcurrentUpdate   = apperr.New(apperr.KindConflict, "concurrent_update", "withdrawal was modified concurrently, retry")

	// ErrStaleWrite is returned by Store.UpdateIf when the stored status no
	// longer matches.
	ErrStaleWrite = errors.New("withdrawal changed since it was read")
)

// Status represents the state of a withdrawal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return st, true
	}
	return "", false
}

// allowedFrom lists, per target, the statuses a withdrawal may leave for it.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusCancelled:  {StatusPending, StatusProcessing},
}

// Event types emitted on changes.
const (
	EventCreated = "withdrawal.created"
	EventUpdated = "withdrawal.updated"
)

// Withdrawal is a request to send crypto from the user's custodial balance
// to an external wallet.
type Withdrawal struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	CryptoType      string          `json:"cryptoType"`
	Amount          decimal.Decimal `json:"amount"`
	WalletAddress   string          `json:"walletAddress"`
	Network         string          `json:"network,omitempty"`
	Status          Status          `json:"status"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ListFilter narrows Store.List. Empty fields match everything.
type ListFilter struct {
	UserID string
	Status Status
	Limit  int
}

// Store persists withdrawals. UpdateIf writes w only if the stored row
// still has expectStatus; otherwise ErrStaleWrite, or
// ErrWithdrawalNotFound when the row is missing.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	UpdateIf(ctx context.Context, w *Withdrawal, expectStatus Status) error
	List(ctx context.Context, filter ListFilter) ([]*Withdrawal, error)
}

// BalanceAdjuster moves custodial balances. *balance.Service satisfies it.
type BalanceAdjuster interface {
	Adjust(ctx context.Context, userID, asset string, delta decimal.Decimal, reference string) error
}

// EventEmitter publishes withdrawal changes to live subscribers.
type EventEmitter interface {
	EmitWithdrawal(eventType string, w *Withdrawal)
}

// Notifier delivers operational notifications without blocking.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message)
}
