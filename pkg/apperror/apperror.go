// Package apperror defines the typed failure taxonomy shared by every service
// layer and the single translation from storage errors into it.
package apperror

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Kind classifies a failure by the HTTP status class it maps to.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindTooManyRequests
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTooManyRequests:
		return "too_many_requests"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain failure. Message is safe to show to callers; the cause
// carries the stack captured where the failure was created.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Message {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for the error.
func (e *Error) Status() int { return e.Kind.Status() }

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Stack renders the stack trace recorded with the cause, if any.
func (e *Error) Stack() string {
	var st stackTracer
	if errors.As(e.cause, &st) {
		return strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	return ""
}

// New creates an error of the given kind with a stack rooted at the caller.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.New(message)}
}

// Wrap attaches a kind and public message to an underlying error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(err)}
}

func BadRequest(message string) *Error      { return New(KindBadRequest, message) }
func Unauthorized(message string) *Error    { return New(KindUnauthorized, message) }
func Forbidden(message string) *Error       { return New(KindForbidden, message) }
func NotFound(message string) *Error        { return New(KindNotFound, message) }
func Conflict(message string) *Error        { return New(KindConflict, message) }
func TooManyRequests(message string) *Error { return New(KindTooManyRequests, message) }

// Internal hides err behind the generic internal message.
func Internal(err error) *Error {
	return Wrap(err, KindInternal, MsgInternal)
}

const (
	MsgInternal      = "Internal server error"
	MsgDatabaseError = "Database error occurred"
)

// As normalises any error into an *Error. Storage errors are translated,
// anything unknown becomes Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return FromPostgres(pqErr)
	}
	return Internal(err)
}

// KindOf returns the kind of err after normalisation.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	return As(err).Kind
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var keyDetail = regexp.MustCompile(`Key \(([\w, ]+)\)`)

// FromPostgres maps a Postgres error code onto the taxonomy.
func FromPostgres(pqErr *pq.Error) *Error {
	switch pqErr.Code {
	case "23505":
		field := "Record"
		if m := keyDetail.FindStringSubmatch(pqErr.Detail); m != nil {
			field = m[1]
		}
		return Wrap(pqErr, KindConflict, capitalize(field)+" already exists")
	case "23503":
		return Wrap(pqErr, KindBadRequest, "Related record not found")
	case "23502":
		column := pqErr.Column
		if column == "" {
			column = "field"
		}
		return Wrap(pqErr, KindBadRequest, capitalize(column)+" is required")
	case "23514":
		return Wrap(pqErr, KindBadRequest, "Invalid data provided")
	case "22001":
		return Wrap(pqErr, KindBadRequest, "Value too long for field")
	case "22P02":
		return Wrap(pqErr, KindBadRequest, "Invalid input syntax")
	case "23000":
		return Wrap(pqErr, KindBadRequest, "Integrity constraint violation")
	case "40001":
		return Wrap(pqErr, KindConflict, "Transaction conflict, please retry")
	case "40P01":
		return Wrap(pqErr, KindConflict, "Deadlock detected")
	}
	switch pqErr.Code.Class() {
	case "08":
		return Wrap(pqErr, KindInternal, "Database connection error")
	case "53":
		return Wrap(pqErr, KindInternal, "Database resource limit exceeded")
	}
	return Wrap(pqErr, KindInternal, MsgDatabaseError)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
