// Package validation provides request field validation for the swapdesk API.
package validation

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum JSON request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxUploadSize bounds multipart receipt uploads (5MB image plus form overhead).
const MaxUploadSize = 6 << 20

// MaxTextLength bounds free-text fields such as payment details and dispute reasons.
const MaxTextLength = 2000

// MaxAmountDigits is the number of integer digits the amount columns hold:
// NUMERIC(20,2) for fiat and NUMERIC(36,18) for crypto both leave 18.
const MaxAmountDigits = 18

// RequestSizeMiddleware limits request body size. Multipart requests get the
// upload limit instead.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := maxSize
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			limit = MaxUploadSize
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// SanitizeString trims whitespace and strips NUL bytes.
func SanitizeString(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}

// FieldError represents a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err converts the collection to a classified error, or nil when empty.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Validation(e[0].Field, "%s %s", e[0].Field, e[0].Message)
}

// Validate runs the validators and collects their failures.
func Validate(validators ...func() *FieldError) Errors {
	var errs Errors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks a field's length in characters.
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks that an amount is strictly greater than zero.
func Positive(field string, value decimal.Decimal) func() *FieldError {
	return func() *FieldError {
		if !value.IsPositive() {
			return &FieldError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// MaxScale checks that an amount has at most places decimal digits.
func MaxScale(field string, value decimal.Decimal, places int32) func() *FieldError {
	return func() *FieldError {
		if !value.Equal(value.Truncate(places)) {
			return &FieldError{Field: field, Message: "has too many decimal places"}
		}
		return nil
	}
}

// MaxIntegerDigits checks that an amount's integer part fits in digits
// places, i.e. |value| < 10^digits.
func MaxIntegerDigits(field string, value decimal.Decimal, digits int32) func() *FieldError {
	return func() *FieldError {
		if value.Abs().Cmp(decimal.New(1, digits)) >= 0 {
			return &FieldError{Field: field, Message: "is too large"}
		}
		return nil
	}
}

// Currency checks for a three-letter ISO 4217 style code.
func Currency(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if len(value) != 3 || strings.ToUpper(value) != value || strings.IndexFunc(value, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
			return &FieldError{Field: field, Message: "must be a three-letter currency code"}
		}
		return nil
	}
}
