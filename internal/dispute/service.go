package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/buyrequest"
	"github.com/mbd888/swapdesk/internal/idgen"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/metrics"
	"github.com/mbd888/swapdesk/internal/notify"
	"github.com/mbd888/swapdesk/internal/traces"
	"github.com/mbd888/swapdesk/internal/validation"
)

// Service implements the dispute flow.
type Service struct {
	store    Store
	requests RequestReader
	users    UserLookup
	notifier Notifier
	events   EventEmitter
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, requests RequestReader, users UserLookup) *Service {
	return &Service{
		store:    store,
		requests: requests,
		users:    users,
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

// Open files a dispute against a request actor owns and moves the request
// to disputed, whatever its current status.
func (s *Service) Open(ctx context.Context, actor auth.Identity, requestID, reason string) (_ *Dispute, _ *buyrequest.BuyRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.RequestID(requestID), traces.UserID(actor.UserID))
	defer func() { traces.End(span, err) }()

	reason = validation.SanitizeString(reason)
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxTextLength),
	).Err(); err != nil {
		return nil, nil, err
	}

	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if r.Deleted {
		return nil, nil, buyrequest.ErrRequestNotFound
	}
	if r.UserID != actor.UserID {
		return nil, nil, apperr.ErrForbidden
	}

	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		RequestID: r.ID,
		UserID:    actor.UserID,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: s.now(),
	}
	updated, err := s.store.Open(ctx, d)
	if err != nil {
		return nil, nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute_id", d.ID,
		"request_id", r.ID,
		"previous_status", r.Status,
	)
	if s.notifier != nil {
		s.notifier.Send(ctx, notify.Message{
			Event:     EventOpened,
			Text:      fmt.Sprintf("Dispute %s opened by %s on buy request %s (was %s): %s", d.ID, actor.Username, r.ID, r.Status, reason),
			UserID:    d.UserID,
			SubjectID: r.ID,
		})
	}
	if s.events != nil {
		s.events.EmitDispute(EventOpened, d)
		s.events.EmitBuyRequest(buyrequest.EventUpdated, updated)
	}
	return d, updated, nil
}

// Resolve closes an open dispute. Only admins may resolve; the linked
// request keeps its disputed status.
func (s *Service) Resolve(ctx context.Context, actor auth.Identity, id, resolution string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(id), traces.UserID(actor.UserID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, apperr.ErrForbidden
	}

	resolution = validation.SanitizeString(resolution)
	if err := validation.Validate(
		validation.MaxLength("resolution", resolution, validation.MaxTextLength),
	).Err(); err != nil {
		return nil, err
	}

	d, err := s.store.Resolve(ctx, id, resolution, s.now())
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusResolved)).Inc()
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID,
		"request_id", d.RequestID,
		"by", actor.UserID,
	)
	if s.notifier != nil {
		s.notifier.Send(ctx, notify.Message{
			Event:     EventResolved,
			Text:      fmt.Sprintf("Dispute %s on buy request %s resolved by %s", d.ID, d.RequestID, actor.Username),
			UserID:    d.UserID,
			SubjectID: d.RequestID,
		})
	}
	if s.events != nil {
		s.events.EmitDispute(EventResolved, d)
	}
	return d, nil
}

// Get returns one dispute, enriched, to an admin or its opener.
func (s *Service) Get(ctx context.Context, actor auth.Identity, id string) (*Summary, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && d.UserID != actor.UserID {
		return nil, apperr.ErrForbidden
	}
	return s.enrich(ctx, []*Dispute{d}, nil)[0], nil
}

// List returns every dispute to admins and their own to everyone else,
// newest first.
func (s *Service) List(ctx context.Context, actor auth.Identity, limit int) ([]*Summary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	userID := actor.UserID
	if actor.IsAdmin() {
		userID = ""
	}

	list, err := s.store.List(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, list, make(map[string]string)), nil
}

// enrich attaches request and opener details. names memoizes usernames
// across the batch; nil disables it. Lookup failures leave fields empty.
func (s *Service) enrich(ctx context.Context, list []*Dispute, names map[string]string) []*Summary {
	out := make([]*Summary, 0, len(list))
	for _, d := range list {
		sum := &Summary{Dispute: d}

		if r, err := s.requests.Get(ctx, d.RequestID); err == nil {
			amount := r.FiatAmount
			sum.CryptoType = r.CryptoType
			sum.FiatAmount = &amount
			sum.FiatCurrency = r.FiatCurrency
		} else if !errors.Is(err, buyrequest.ErrRequestNotFound) {
			logging.L(ctx).Warn("dispute enrichment: request lookup failed", "dispute_id", d.ID, "error", err)
		}

		name, seen := names[d.UserID]
		if !seen && s.users != nil {
			if u, err := s.users.Get(ctx, d.UserID); err == nil {
				name = u.Username
			}
			if names != nil {
				names[d.UserID] = name
			}
		}
		sum.Username = name

		out = append(out, sum)
	}
	return out
}
