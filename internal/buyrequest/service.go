package buyrequest

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
	"github.com/mbd888/swapdesk/internal/imagehost"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/metrics"
	"github.com/mbd888/swapdesk/internal/notify"
	"github.com/mbd888/swapdesk/internal/syncutil"
	"github.com/mbd888/swapdesk/internal/traces"
	"github.com/mbd888/swapdesk/internal/validation"
	"github.com/mbd888/swapdesk/internal/walletaddr"
)

// CreateRequest contains the parameters for creating a buy request.
type CreateRequest struct {
	CryptoType    string          `json:"cryptoType"`
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	FiatCurrency  string          `json:"fiatCurrency"`
	PaymentMethod string          `json:"paymentMethod"`
	WalletAddress string          `json:"walletAddress"`
	Network       string          `json:"network"`
}

// ListOptions narrows List. Status is ignored for operators, whose queue is
// always the pending requests. IncludeDeleted only takes effect for admins.
type ListOptions struct {
	Status         string
	Limit          int
	IncludeDeleted bool
}

// Service implements buy request business logic.
type Service struct {
	store    Store
	locks    *syncutil.KeyedMutex
	uploader imagehost.Uploader
	notifier Notifier
	events   EventEmitter
	now      func() time.Time
}

// NewService creates a new buy request service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		locks: syncutil.NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithUploader sets the receipt image host.
func (s *Service) WithUploader(u imagehost.Uploader) *Service {
	s.uploader = u
	return s
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

// Create opens a pending request for actor.
func (s *Service) Create(ctx context.Context, actor auth.Identity, req CreateRequest) (_ *BuyRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "buyrequest.Create", traces.UserID(actor.UserID))
	defer func() { traces.End(span, err) }()

	req.CryptoType = strings.ToUpper(validation.SanitizeString(req.CryptoType))
	req.FiatCurrency = strings.ToUpper(validation.SanitizeString(req.FiatCurrency))
	req.PaymentMethod = validation.SanitizeString(req.PaymentMethod)
	req.WalletAddress = validation.SanitizeString(req.WalletAddress)
	req.Network = validation.SanitizeString(req.Network)

	if err := validation.Validate(
		validation.Required("cryptoType", req.CryptoType),
		validation.MaxLength("cryptoType", req.CryptoType, 16),
		validation.Positive("fiatAmount", req.FiatAmount),
		validation.MaxScale("fiatAmount", req.FiatAmount, 2),
		validation.MaxIntegerDigits("fiatAmount", req.FiatAmount, validation.MaxAmountDigits),
		validation.Required("fiatCurrency", req.FiatCurrency),
		validation.Currency("fiatCurrency", req.FiatCurrency),
		validation.Required("paymentMethod", req.PaymentMethod),
		validation.MaxLength("paymentMethod", req.PaymentMethod, 64),
		validation.Required("walletAddress", req.WalletAddress),
		validation.MaxLength("walletAddress", req.WalletAddress, 128),
		validation.MaxLength("network", req.Network, 16),
	).Err(); err != nil {
		s.reject(err)
		return nil, err
	}
	if err := walletaddr.Check(req.CryptoType, req.Network, req.WalletAddress); err != nil {
		s.reject(err)
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, "user:"+actor.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.ActiveForUser(ctx, actor.UserID); err == nil {
		s.reject(ErrActiveRequestExists)
		return nil, ErrActiveRequestExists
	} else if !errors.Is(err, ErrRequestNotFound) {
		return nil, fmt.Errorf("check active request: %w", err)
	}

	now := s.now()
	r := &BuyRequest{
		ID:            idgen.RequestID(),
		UserID:        actor.UserID,
		CryptoType:    req.CryptoType,
		FiatAmount:    req.FiatAmount,
		FiatCurrency:  req.FiatCurrency,
		PaymentMethod: req.PaymentMethod,
		WalletAddress: req.WalletAddress,
		Network:       req.Network,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.Create(ctx, r)
	if errors.Is(err, ErrDuplicateID) {
		r.ID = idgen.RequestID()
		err = s.store.Create(ctx, r)
	}
	if err != nil {
		if errors.Is(err, ErrActiveRequestExists) {
			s.reject(err)
		}
		return nil, err
	}

	metrics.BuyRequestsCreated.WithLabelValues(r.CryptoType).Inc()
	logging.L(ctx).Info("buy request created",
		"request_id", r.ID,
		"crypto", r.CryptoType,
		"fiat_amount", r.FiatAmount.String(),
		"fiat_currency", r.FiatCurrency,
	)
	s.announce(ctx, EventCreated, r, fmt.Sprintf("New buy request %s: %s %s for %s from %s",
		r.ID, r.FiatAmount.StringFixed(2), r.FiatCurrency, r.CryptoType, actor.Username))
	return r, nil
}

// Transition moves a request to the payload's target status. Checks run in
// order: existence, permission, operator claim, source status. A write that
// loses a race is re-evaluated once against the fresh row.
func (s *Service) Transition(ctx context.Context, actor auth.Identity, id string, p Payload) (_ *BuyRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "buyrequest.Transition",
		traces.RequestID(id), traces.UserID(actor.UserID),
		traces.Role(string(actor.Role)), traces.Status(string(p.Target())))
	defer func() { traces.End(span, err) }()

	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		next := *cur
		if err := p.apply(actor, &next, s.now()); err != nil {
			s.reject(err)
			return nil, err
		}

		err = s.store.UpdateIf(ctx, &next, cur.Status, cur.OperatorID)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.afterTransition(ctx, actor, cur, &next)
		return &next, nil
	}

	s.reject(ErrConcurrentUpdate)
	return nil, ErrConcurrentUpdate
}

// UploadReceipt stores a receipt image and marks the request paid. The
// upload must succeed; without a receipt the request stays where it is.
func (s *Service) UploadReceipt(ctx context.Context, actor auth.Identity, id, filename string, data []byte) (*BuyRequest, error) {
	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.UserID != actor.UserID && !actor.IsStaff() {
		return nil, apperr.ErrForbidden
	}
	if !statusIn(cur.Status, StatusProcessing, StatusPaid) {
		return nil, ErrInvalidTransition
	}
	if s.uploader == nil {
		return nil, apperr.Wrap(imagehost.ErrUploadFailed, errors.New("no image host configured"))
	}

	url, err := s.uploader.Upload(ctx, filename, data)
	if err != nil {
		logging.L(ctx).Warn("receipt upload failed", "request_id", id, "error", err)
		return nil, err
	}
	return s.Transition(ctx, actor, id, Paid{ReceiptImage: url})
}

// Delete soft-deletes a request. Admins may delete anything; owners only
// pending or cancelled requests. Deleting a pending request cancels it.
func (s *Service) Delete(ctx context.Context, actor auth.Identity, id string) error {
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.load(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case actor.IsAdmin():
		case cur.UserID == actor.UserID:
			if cur.Status != StatusPending && cur.Status != StatusCancelled {
				return apperr.ErrForbidden
			}
		default:
			return apperr.ErrForbidden
		}

		now := s.now()
		next := *cur
		next.Deleted = true
		next.DeletedAt = &now
		next.UpdatedAt = now
		if next.Status == StatusPending {
			next.Status = StatusCancelled
		}

		err = s.store.UpdateIf(ctx, &next, cur.Status, cur.OperatorID)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return err
		}

		logging.L(ctx).Info("buy request deleted",
			"request_id", id,
			"by", actor.UserID,
			"status", next.Status,
		)
		if s.events != nil {
			s.events.EmitBuyRequest(EventUpdated, &next)
		}
		return nil
	}
	return ErrConcurrentUpdate
}

// Get returns a request visible to actor.
func (s *Service) Get(ctx context.Context, actor auth.Identity, id string) (*BuyRequest, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != actor.UserID && !actor.IsStaff() {
		return nil, apperr.ErrForbidden
	}
	return r, nil
}

// List returns the requests actor may see, newest first: everything for
// admins, the pending queue for operators, own requests for users. Admins
// may ask for soft-deleted requests too.
func (s *Service) List(ctx context.Context, actor auth.Identity, opts ListOptions) ([]*BuyRequest, error) {
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

	switch {
	case actor.IsAdmin():
		filter.IncludeDeleted = opts.IncludeDeleted
	case actor.IsOperator():
		filter.Status = StatusPending
	default:
		filter.UserID = actor.UserID
	}
	return s.store.List(ctx, filter)
}

// load fetches a live request; soft-deleted requests do not exist.
func (s *Service) load(ctx context.Context, id string) (*BuyRequest, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, ErrRequestNotFound
	}
	return r, nil
}

func (s *Service) afterTransition(ctx context.Context, actor auth.Identity, prev, next *BuyRequest) {
	metrics.BuyRequestTransitions.WithLabelValues(string(next.Status), string(actor.Role)).Inc()
	if next.Status == StatusCompleted || next.Status == StatusCancelled {
		metrics.BuyRequestLifetime.Observe(next.UpdatedAt.Sub(next.CreatedAt).Seconds())
	}

	logging.L(ctx).Info("buy request transitioned",
		"request_id", next.ID,
		"from", prev.Status,
		"to", next.Status,
		"operator_id", next.OperatorID,
		"by", actor.UserID,
	)

	var text string
	switch next.Status {
	case StatusProcessing:
		text = fmt.Sprintf("Buy request %s claimed by %s", next.ID, actor.Username)
	case StatusPaid:
		text = fmt.Sprintf("Buy request %s marked paid, receipt: %s", next.ID, next.ReceiptImage)
	case StatusCompleted:
		text = fmt.Sprintf("Buy request %s completed", next.ID)
		if next.TransactionHash != "" {
			text += ", tx " + next.TransactionHash
		}
	case StatusCancelled:
		text = fmt.Sprintf("Buy request %s cancelled by %s", next.ID, actor.Username)
	default:
		text = fmt.Sprintf("Buy request %s is now %s", next.ID, next.Status)
	}
	s.announce(ctx, EventUpdated, next, text)
}

func (s *Service) announce(ctx context.Context, event string, r *BuyRequest, text string) {
	if s.notifier != nil {
		s.notifier.Send(ctx, notify.Message{
			Event:     event,
			Text:      text,
			UserID:    r.UserID,
			SubjectID: r.ID,
		})
	}
	if s.events != nil {
		s.events.EmitBuyRequest(event, r)
	}
}

func (s *Service) reject(err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		metrics.BuyRequestRejections.WithLabelValues(ae.Code).Inc()
	}
}
