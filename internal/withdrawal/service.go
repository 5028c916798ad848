package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/idgen"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/metrics"
	"github.com/mbd888/swapdesk/internal/notify"
	"github.com/mbd888/swapdesk/internal/traces"
	"github.com/mbd888/swapdesk/internal/validation"
	"github.com/mbd888/swapdesk/internal/walletaddr"
)

// CreateRequest contains the parameters for requesting a withdrawal.
type CreateRequest struct {
	CryptoType    string          `json:"cryptoType"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"walletAddress"`
	Network       string          `json:"network"`
}

// ListOptions narrows List.
type ListOptions struct {
	Status string
	Limit  int
}

// Service implements withdrawal business logic.
type Service struct {
	store    Store
	balances BalanceAdjuster
	notifier Notifier
	events   EventEmitter
	now      func() time.Time
}

// NewService creates a withdrawal service debiting through balances.
func NewService(store Store, balances BalanceAdjuster) *Service {
	return &Service{
		store:    store,
		balances: balances,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier adds operational notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents adds a real-time event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// Create debits the amount from actor's balance and records a pending
// withdrawal. If the record cannot be stored the debit is reversed.
func (s *Service) Create(ctx context.Context, actor auth.Identity, req CreateRequest) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Create",
		traces.UserID(actor.UserID), traces.Asset(req.CryptoType))
	defer func() { traces.End(span, err) }()

	req.CryptoType = strings.ToUpper(validation.SanitizeString(req.CryptoType))
	req.WalletAddress = validation.SanitizeString(req.WalletAddress)
	req.Network = validation.SanitizeString(req.Network)

	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := validation.Validate(
		validation.Required("cryptoType", req.CryptoType),
		validation.MaxLength("cryptoType", req.CryptoType, 16),
		validation.MaxScale("amount", req.Amount, 18),
		validation.MaxIntegerDigits("amount", req.Amount, validation.MaxAmountDigits),
		validation.Required("walletAddress", req.WalletAddress),
		validation.MaxLength("walletAddress", req.WalletAddress, 128),
		validation.MaxLength("network", req.Network, 16),
	).Err(); err != nil {
		return nil, err
	}
	if err := walletaddr.Check(req.CryptoType, req.Network, req.WalletAddress); err != nil {
		return nil, err
	}

	now := s.now()
	w := &Withdrawal{
		ID:            idgen.WithPrefix("wd_"),
		UserID:        actor.UserID,
		CryptoType:    req.CryptoType,
		Amount:        req.Amount,
		WalletAddress: req.WalletAddress,
		Network:       req.Network,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.balances.Adjust(ctx, w.UserID, w.CryptoType, w.Amount.Neg(), "withdrawal:"+w.ID); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, w); err != nil {
		if cerr := s.balances.Adjust(ctx, w.UserID, w.CryptoType, w.Amount, "withdrawal:"+w.ID+":reversal"); cerr != nil {
			logging.L(ctx).Error("withdrawal debit reversal failed, manual refund needed",
				"withdrawal_id", w.ID,
				"asset", w.CryptoType,
				"amount", w.Amount.String(),
				"error", cerr,
			)
		}
		return nil, fmt.Errorf("store withdrawal: %w", err)
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPending)).Inc()
	logging.L(ctx).Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"asset", w.CryptoType,
		"amount", w.Amount.String(),
	)
	s.announce(ctx, EventCreated, w, fmt.Sprintf("New withdrawal %s: %s %s to %s from %s",
		w.ID, w.Amount.String(), w.CryptoType, w.WalletAddress, actor.Username))
	return w, nil
}

// Transition moves a withdrawal to target. Only staff may transition;
// txHash is kept when completing.
func (s *Service) Transition(ctx context.Context, actor auth.Identity, id, target, txHash string) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Transition",
		traces.WithdrawalID(id), traces.UserID(actor.UserID),
		traces.Role(string(actor.Role)), traces.Status(target))
	defer func() { traces.End(span, err) }()

	to, ok := ParseStatus(target)
	if !ok || to == StatusPending {
		return nil, apperr.OnField(ErrInvalidStatus, "status")
	}
	txHash = validation.SanitizeString(txHash)
	if err := validation.Validate(
		validation.MaxLength("transactionHash", txHash, 256),
	).Err(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !actor.IsStaff() {
			return nil, apperr.ErrForbidden
		}
		if !statusIn(cur.Status, allowedFrom[to]...) {
			return nil, ErrInvalidTransition
		}

		next := *cur
		next.Status = to
		next.UpdatedAt = s.now()
		if to == StatusCompleted && txHash != "" {
			next.TransactionHash = txHash
		}

		err = s.store.UpdateIf(ctx, &next, cur.Status)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.WithdrawalsTotal.WithLabelValues(string(to)).Inc()
		logging.L(ctx).Info("withdrawal transitioned",
			"withdrawal_id", id,
			"from", cur.Status,
			"to", to,
			"by", actor.UserID,
		)
		text := fmt.Sprintf("Withdrawal %s is now %s", id, to)
		if next.TransactionHash != "" && to == StatusCompleted {
			text += ", tx " + next.TransactionHash
		}
		s.announce(ctx, EventUpdated, &next, text)
		return &next, nil
	}
	return nil, ErrConcurrentUpdate
}

// Get returns a withdrawal to staff or its owner.
func (s *Service) Get(ctx context.Context, actor auth.Identity, id string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != actor.UserID && !actor.IsStaff() {
		return nil, apperr.ErrForbidden
	}
	return w, nil
}

// List returns all withdrawals to staff and own withdrawals to users,
// optionally filtered by status, newest first.
func (s *Service) List(ctx context.Context, actor auth.Identity, opts ListOptions) ([]*Withdrawal, error) {
	filter := ListFilter{Limit: opts.Limit}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if opts.Status != "" {
		st, ok := ParseStatus(opts.Status)
		if !ok {
			return nil, apperr.OnField(ErrInvalidStatus, "status")
		}
		filter.Status = st
	}
	if !actor.IsStaff() {
		filter.UserID = actor.UserID
	}
	return s.store.List(ctx, filter)
}

func (s *Service) announce(ctx context.Context, event string, w *Withdrawal, text string) {
	if s.notifier != nil {
		s.notifier.Send(ctx, notify.Message{
			Event:     event,
			Text:      text,
			UserID:    w.UserID,
			SubjectID: w.ID,
		})
	}
	if s.events != nil {
		s.events.EmitWithdrawal(event, w)
	}
}

func statusIn(s Status, set ...Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
