// Package apierr defines the stable error-kind-to-HTTP-status mapping used
// across every handler in the content plane.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind is one of the stable error kinds handlers map to an HTTP status.
type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindAuth        Kind = "AuthRequired"
	KindPermission  Kind = "PermissionDenied"
	KindNotFound    Kind = "NotFound"
	KindConflict    Kind = "Conflict"
	KindQuota       Kind = "QuotaExceeded"
	KindLFSMissing  Kind = "LFSObjectMissing"
	KindTransient   Kind = "TransientBackendError"
	KindInternal    Kind = "InternalError"
)

var statusByKind = map[Kind]int{
	KindValidation: http.StatusBadRequest,
	KindAuth:       http.StatusUnauthorized,
	KindPermission: http.StatusForbidden,
	KindNotFound:   http.StatusNotFound,
	KindConflict:   http.StatusConflict,
	KindQuota:      http.StatusRequestEntityTooLarge,
	KindLFSMissing: http.StatusUnprocessableEntity,
	KindTransient:  http.StatusServiceUnavailable,
	KindInternal:   http.StatusInternalServerError,
}

// Error is the typed error every adapter and handler in the content plane
// returns instead of an opaque error value.
type Error struct {
	Kind    Kind           `json:"-"`
	Message string         `json:"error"`
	Fields  map[string]any `json:"-"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error under a kind, keeping it unwrappable.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithFields attaches structured fields (e.g. {namespace, requested,
// available} for QuotaExceeded) rendered into the JSON response body.
func (e *Error) WithFields(fields map[string]any) *Error {
	e.Fields = fields
	return e
}

// Is reports whether err is (or wraps) an *Error of kind k.
func Is(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// body is the wire shape written to clients: {"error": "...", ...fields}.
func (e *Error) body() map[string]any {
	body := map[string]any{"error": e.Message}
	for k, v := range e.Fields {
		body[k] = v
	}
	return body
}

// WriteHTTP translates err into an HTTP response. Unknown error types are
// treated as InternalError so handlers never leak raw Go errors.
func WriteHTTP(w http.ResponseWriter, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = Wrap(KindInternal, "internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	_ = json.NewEncoder(w).Encode(ae.body())
}
