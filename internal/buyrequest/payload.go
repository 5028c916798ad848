package buyrequest

import (
	"time"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/security"
	"github.com/mbd888/swapdesk/internal/validation"
)

// Payload is a transition request. The concrete type names the target
// status and carries only the data that target needs.
type Payload interface {
	Target() Status
	apply(actor auth.Identity, r *BuyRequest, now time.Time) error
}

// Processing claims a request and posts payment instructions.
type Processing struct {
	PaymentDetails string
}

// Paid records the user's payment evidence.
type Paid struct {
	ReceiptImage string
}

// Completed closes the request, optionally with the on-chain tx hash.
type Completed struct {
	TransactionHash string
}

// Cancelled aborts the request.
type Cancelled struct{}

func (Processing) Target() Status { return StatusProcessing }
func (Paid) Target() Status       { return StatusPaid }
func (Completed) Target() Status  { return StatusCompleted }
func (Cancelled) Target() Status  { return StatusCancelled }

// TransitionFields is the loosely typed wire form of a transition.
type TransitionFields struct {
	Status          string `json:"status"`
	PaymentDetails  string `json:"paymentDetails"`
	ReceiptImage    string `json:"receiptImage"`
	TransactionHash string `json:"transactionHash"`
}

// ParsePayload turns wire fields into a typed payload. Statuses that cannot
// be requested directly (pending, disputed) and unknown strings fail with
// ErrInvalidStatus; missing or malformed fields fail validation.
func ParsePayload(f TransitionFields) (Payload, error) {
	switch Status(f.Status) {
	case StatusProcessing:
		details := validation.SanitizeString(f.PaymentDetails)
		if err := validation.Validate(
			validation.Required("paymentDetails", details),
			validation.MaxLength("paymentDetails", details, validation.MaxTextLength),
		).Err(); err != nil {
			return nil, err
		}
		return Processing{PaymentDetails: details}, nil

	case StatusPaid:
		receipt := validation.SanitizeString(f.ReceiptImage)
		if err := validation.Validate(
			validation.Required("receiptImage", receipt),
			validation.MaxLength("receiptImage", receipt, validation.MaxTextLength),
		).Err(); err != nil {
			return nil, err
		}
		if !security.IsHTTPURL(receipt) {
			return nil, apperr.Validation("receiptImage", "receiptImage must be an http(s) URL")
		}
		return Paid{ReceiptImage: receipt}, nil

	case StatusCompleted:
		hash := validation.SanitizeString(f.TransactionHash)
		if err := validation.Validate(
			validation.MaxLength("transactionHash", hash, 256),
		).Err(); err != nil {
			return nil, err
		}
		return Completed{TransactionHash: hash}, nil

	case StatusCancelled:
		return Cancelled{}, nil
	}
	return nil, ErrInvalidStatus
}

func statusIn(s Status, allowed ...Status) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func (p Processing) apply(actor auth.Identity, r *BuyRequest, now time.Time) error {
	if !actor.IsStaff() {
		return apperr.ErrForbidden
	}
	if r.OperatorID != "" && r.OperatorID != actor.UserID && !actor.IsAdmin() {
		return ErrAlreadyClaimed
	}
	if !statusIn(r.Status, StatusPending, StatusProcessing) {
		return ErrInvalidTransition
	}
	if r.OperatorID == "" {
		r.OperatorID = actor.UserID
	}
	r.Status = StatusProcessing
	r.PaymentDetails = p.PaymentDetails
	r.UpdatedAt = now
	return nil
}

func (p Paid) apply(actor auth.Identity, r *BuyRequest, now time.Time) error {
	if r.UserID != actor.UserID && !actor.IsStaff() {
		return apperr.ErrForbidden
	}
	if !statusIn(r.Status, StatusProcessing, StatusPaid) {
		return ErrInvalidTransition
	}
	r.Status = StatusPaid
	r.ReceiptImage = p.ReceiptImage
	r.UpdatedAt = now
	return nil
}

func (p Completed) apply(actor auth.Identity, r *BuyRequest, now time.Time) error {
	switch {
	case actor.IsAdmin(), r.UserID == actor.UserID:
	case actor.IsOperator():
		if r.OperatorID != "" && r.OperatorID != actor.UserID {
			return apperr.ErrForbidden
		}
	default:
		return apperr.ErrForbidden
	}

	allowed := r.Status == StatusPaid || (actor.IsAdmin() && r.Status == StatusDisputed)
	if !allowed {
		return ErrInvalidTransition
	}
	if r.OperatorID == "" && actor.IsOperator() {
		r.OperatorID = actor.UserID
	}
	r.Status = StatusCompleted
	if p.TransactionHash != "" {
		r.TransactionHash = p.TransactionHash
	}
	r.UpdatedAt = now
	return nil
}

func (Cancelled) apply(actor auth.Identity, r *BuyRequest, now time.Time) error {
	switch {
	case actor.IsAdmin():
		if !statusIn(r.Status, StatusPending, StatusProcessing, StatusPaid, StatusDisputed) {
			return ErrInvalidTransition
		}
	case actor.IsOperator():
		if r.OperatorID != "" && r.OperatorID != actor.UserID {
			return apperr.ErrForbidden
		}
		if !r.Status.IsActive() {
			return ErrInvalidTransition
		}
	default:
		return apperr.ErrForbidden
	}
	r.Status = StatusCancelled
	r.UpdatedAt = now
	return nil
}
