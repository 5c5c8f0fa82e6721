package domain

import (
	"errors"
	"fmt"
)

// ErrKind maps domain errors to HTTP status codes in one place.
type ErrKind string

const (
	KindValidation   ErrKind = "validation"    // 400
	KindSelfReferral ErrKind = "self_referral" // 400
	KindAuth         ErrKind = "auth"          // 401
	KindForbidden    ErrKind = "forbidden"     // 403
	KindNotFound     ErrKind = "not_found"     // 404
	KindRateLimited  ErrKind = "rate_limited"  // 429
	KindStorage      ErrKind = "storage"       // 500
	KindInternal     ErrKind = "internal"      // 500
)

// Error is a structured domain error.
// - Kind: category used for HTTP mapping
// - Code: stable machine code
// - Message: safe, human-readable summary
// - Meta: optional details (field, reason)
// - Cause: wrapped internal error, logged but never sent to clients
type Error struct {
	Kind    ErrKind
	Code    string
	Message string
	Meta    map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind ErrKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind ErrKind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func WithMeta(err *Error, meta map[string]string) *Error {
	err.Meta = meta
	return err
}

// KindOf returns the kind of a domain error, or KindInternal for anything else.
func KindOf(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// ----------------------
// Validation (400)
// ----------------------

func ErrInvalidJSON(cause error) *Error {
	return Wrap(KindValidation, "invalid_json", "invalid JSON body", cause)
}

func ErrMissingField(field string) *Error {
	return WithMeta(New(KindValidation, "missing_field", field+" is required"), map[string]string{
		"field": field,
	})
}

func ErrInvalidField(field, reason string) *Error {
	return WithMeta(New(KindValidation, "invalid_field", "invalid "+field), map[string]string{
		"field":  field,
		"reason": reason,
	})
}

func ErrSelfReferral() *Error {
	return New(KindSelfReferral, "self_referral", "cannot track clicks on your own referral link")
}

// ----------------------
// Auth (401 / 403)
// ----------------------

func ErrUnauthorized() *Error {
	return New(KindAuth, "unauthorized", "unauthorized")
}

func ErrForbidden() *Error {
	return New(KindForbidden, "forbidden", "forbidden")
}

// ----------------------
// Not found (404)
// ----------------------

func ErrOrderNotAttributed(orderID string) *Error {
	return WithMeta(New(KindNotFound, "order_not_attributed", "no affiliate conversion for order"), map[string]string{
		"order_id": orderID,
	})
}

// ----------------------
// Rate limit (429)
// ----------------------

func ErrRateLimited() *Error {
	return New(KindRateLimited, "rate_limited", "too many requests")
}

// ----------------------
// Storage / internal (500)
// ----------------------

func ErrStorage(cause error) *Error {
	return Wrap(KindStorage, "storage_error", "storage failure", cause)
}

func ErrInternal(cause error) *Error {
	return Wrap(KindInternal, "internal_error", "internal error", cause)
}
