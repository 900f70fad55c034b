package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrKind classifies failures independently of their transport status.
type ErrKind string

const (
	KindNetwork      ErrKind = "network"
	KindTimeout      ErrKind = "timeout"
	KindCanceled     ErrKind = "canceled"
	KindHTTP         ErrKind = "http"
	KindUnauthorized ErrKind = "unauthorized" // 401
	KindForbidden    ErrKind = "forbidden"    // 403
	KindNotFound     ErrKind = "not_found"    // 404
	KindRateLimited  ErrKind = "rate_limited" // 429
	KindValidation   ErrKind = "validation"   // 400 / 422
	KindConflict     ErrKind = "conflict"     // 409
	KindServer       ErrKind = "server"       // 5xx
	KindParse        ErrKind = "parse"
	KindStorage      ErrKind = "storage"

	// auth specific
	KindOTPExpired ErrKind = "otp_expired"
	KindOTPInvalid ErrKind = "otp_invalid"
	KindOTPMaxed   ErrKind = "otp_maxed"
	KindEmailTaken ErrKind = "email_taken"
	KindLocked     ErrKind = "locked"
)

// Error is a structured client error.
// - Kind: high-level category the UI switches on
// - Status: HTTP status when the failure came from the server
// - Code: stable machine code from the server envelope, if any
// - Message: safe summary for display
// - Meta: optional details (field, endpoint, ...)
// - Cause: wrapped internal error for logging/diagnostics
type Error struct {
	Kind    ErrKind
	Status  int
	Code    string
	Message string
	Meta    map[string]string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " [%d]", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
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

// Is reports whether err is a domain error carrying the given code.
func Is(err error, code string) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// KindOf returns the kind of err. Context errors are classified even when unwrapped.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCanceled reports whether err is a cancellation, which must never reach the user.
func IsCanceled(err error) bool {
	return IsKind(err, KindCanceled)
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Status
	}
	return 0
}

// KindForStatus maps an HTTP status to an error kind.
func KindForStatus(status int) ErrKind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServer
	default:
		return KindHTTP
	}
}

// FromStatus builds an error for a non-2xx response.
func FromStatus(status int, code, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = fmt.Sprintf("unexpected status: %d", status)
		}
	}
	return &Error{Kind: KindForStatus(status), Status: status, Code: code, Message: msg}
}

// ----------------------
// Common constructors
// ----------------------

func ErrCanceled(cause error) *Error {
	return Wrap(KindCanceled, "canceled", "request canceled", cause)
}

func ErrTimeout(cause error) *Error {
	return Wrap(KindTimeout, "timeout", "request timed out", cause)
}

// FromContext classifies a context error as timeout or canceled.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout(err)
	}
	return ErrCanceled(err)
}

func ErrNetwork(cause error) *Error {
	return Wrap(KindNetwork, "network_error", "network unavailable", cause)
}

func ErrParse(cause error) *Error {
	return Wrap(KindParse, "parse_error", "malformed server response", cause)
}

func ErrStorage(cause error) *Error {
	return Wrap(KindStorage, "storage_error", "storage unavailable", cause)
}

func ErrAuthRequired() *Error {
	return New(KindUnauthorized, "auth_required", "sign in required")
}

func ErrInvalidField(field, reason string) *Error {
	return WithMeta(New(KindValidation, "invalid_field", "invalid field"), map[string]string{
		"field":  field,
		"reason": reason,
	})
}

// Result is the structured outcome handed to the presentation layer.
type Result struct {
	Success bool    `json:"success"`
	Kind    ErrKind `json:"kind,omitempty"`
	Code    string  `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
	// Silent marks failures the UI must not display (cancellations).
	Silent bool `json:"-"`
}

// ResultOf converts an error into a Result.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	res := Result{Kind: KindOf(err), Message: err.Error()}
	var de *Error
	if errors.As(err, &de) {
		res.Code = de.Code
		res.Message = de.Message
	}
	res.Silent = res.Kind == KindCanceled
	return res
}
