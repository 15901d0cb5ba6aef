// Package ndierr declares the closed error taxonomy shared across the
// module. Failures whose category callers branch on are constructed here,
// so callers can test Kind with errors.Is/errors.As; other failures (I/O,
// encoding, transport) are wrapped with fmt.Errorf.
package ndierr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories the library reports.
type Kind int

const (
	// BadArgument covers malformed input: a missing path parameter, an
	// unknown sync mode, an invalid ClockType string, a malformed dotted
	// path.
	BadArgument Kind = iota
	// NotFound covers a missing document, session, or HTTP resource.
	NotFound
	// AlreadyExists covers an id collision on add.
	AlreadyExists
	// TooLarge covers a cache payload exceeding max_memory.
	TooLarge
	// Full covers a cache at capacity under the error eviction policy.
	Full
	// BadUri covers a malformed ndic:// URI.
	BadUri
	// AuthError covers missing/invalid credentials, HTTP 401/403.
	AuthError
	// ApiError covers any non-2xx HTTP response not caught by a more
	// specific kind above.
	ApiError
	// SyncError covers an unrecoverable inconsistency detected by the
	// cloud sync engine, such as an unknown SyncMode.
	SyncError
	// UploadError covers a failed presigned-URL PUT.
	UploadError
	// UnknownRole covers a dependency role name not declared by a class's
	// schema when the caller asked to error on that condition.
	UnknownRole
)

func (k Kind) String() string {
	switch k {
	case BadArgument:
		return "BadArgument"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case TooLarge:
		return "TooLarge"
	case Full:
		return "Full"
	case BadUri:
		return "BadUri"
	case AuthError:
		return "AuthError"
	case ApiError:
		return "ApiError"
	case SyncError:
		return "SyncError"
	case UploadError:
		return "UploadError"
	case UnknownRole:
		return "UnknownRole"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned throughout the module.
type Error struct {
	Kind Kind
	Msg  string
	// Status and Body are set only for Kind == ApiError.
	Status int
	Body   string
	cause  error
}

func (e *Error) Error() string {
	if e.Kind == ApiError {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Kind, e.Msg, e.Status, e.Body)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets errors.Is(err, ndierr.NotFound) style checks work against the
// sentinel Kind values below by comparing Kind fields rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a bare *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a bare *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that chains a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// API builds the Kind == ApiError variant carrying status and body.
func API(status int, body string) *Error {
	return &Error{Kind: ApiError, Msg: "unexpected API response", Status: status, Body: body}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and whether one
// was found.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// Sentinel values usable with errors.Is directly where no extra context is
// needed; components that need a message should prefer New/Newf.
var (
	ErrNotFound      = New(NotFound, "not found")
	ErrAlreadyExists = New(AlreadyExists, "already exists")
)
