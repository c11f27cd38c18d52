// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/wsrpc/code"
)

// Error is the concrete type of errors returned from RPC calls.
// It also represents the JSON encoding of the JSON-RPC error object.
type Error struct {
	Code    code.Code       `json:"code"`           // the machine-readable error code
	Message string          `json:"message"`        // the human-readable error message
	Data    json.RawMessage `json:"data,omitempty"` // optional ancillary error data
}

// Error returns a human-readable description of e.
func (e Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

// ErrCode trivially satisfies the code.Coder interface.
func (e Error) ErrCode() code.Code { return e.Code }

// HasData reports whether e has error data to unmarshal.
func (e Error) HasData() bool { return len(e.Data) != 0 }

// UnmarshalData decodes the error data associated with e into v.  It reports
// ErrNoData without modifying v if there was no data message attached to e.
func (e Error) UnmarshalData(v any) error {
	if !e.HasData() {
		return ErrNoData
	}
	return json.Unmarshal(e.Data, v)
}

// WithData marshals v as JSON and constructs a copy of e whose Data field
// includes the result. If v == nil or if marshaling v fails, e is returned
// without modification.
func (e *Error) WithData(v any) *Error {
	if v == nil {
		return e
	} else if data, err := json.Marshal(v); err == nil {
		return &Error{Code: e.Code, Message: e.Message, Data: data}
	}
	return e
}

// Errorf returns an error value of concrete type *Error having the specified
// code and formatted message string.
func Errorf(code code.Code, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// DataErrorf returns an error value of concrete type *Error having the
// specified code, error data, and formatted message string.  If v == nil this
// behaves identically to Errorf(code, msg, args...).
func DataErrorf(code code.Code, v any, msg string, args ...any) *Error {
	return Errorf(code, msg, args...).WithData(v)
}

// A TimeoutError is reported to the caller of a method whose response did
// not arrive before its deadline.
type TimeoutError struct {
	Method  string        // the wire-format method name
	Timeout time.Duration // the deadline that elapsed
}

func (t *TimeoutError) Error() string {
	return fmt.Sprintf("call to %q timed out after %v", t.Method, t.Timeout)
}

// Unwrap reports context.DeadlineExceeded, so that a *TimeoutError satisfies
// errors.Is(err, context.DeadlineExceeded).
func (t *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

var (
	// ErrNoData indicates that there are no data to unmarshal.
	ErrNoData = errors.New("no data to unmarshal")

	// ErrConnClosed is reported to calls pending on a connection that closed
	// before their responses arrived, and by operations on a closed connection.
	ErrConnClosed = errors.New("connection is closed")

	// ErrNotConnected is reported by client operations that require an open
	// connection when there is none.
	ErrNotConnected = errors.New("client is not connected")

	// ErrResponderUsed is reported by a Responder that has already completed.
	ErrResponderUsed = errors.New("response already sent")

	// ErrInvalidName is reported when registering an empty or otherwise
	// unusable method or notification name.
	ErrInvalidName = errors.New("invalid name")

	// ErrReservedName is reported when a public registration uses a name with
	// the reserved "rpc." prefix.
	ErrReservedName = errors.New("name uses the reserved rpc. prefix")

	// ErrNamespaceClosed is reported when binding a connection to a namespace
	// that has been closed.
	ErrNamespaceClosed = errors.New("namespace is closed")

	// ErrNamespaceExists is reported by CreateNamespace for a name in use.
	ErrNamespaceExists = errors.New("namespace already exists")

	// ErrDuplicateID is reported when a connection presents an identifier
	// already in use by another connection.
	ErrDuplicateID = errors.New("duplicate connection identifier")

	// ErrNoConnID is reported by Accept when the identifier generator does
	// not yield an unused identifier.
	ErrNoConnID = errors.New("no connection identifier available")
)

// handlerError converts an error reported by a method handler into a
// protocol error object. Errors that carry a code keep it; any other failure
// is reported as an internal error whose data is the original message.
func handlerError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var c code.Coder
	if errors.As(err, &c) {
		return &Error{Code: c.ErrCode(), Message: err.Error()}
	}
	return (&Error{Code: code.InternalError, Message: code.InternalError.String()}).WithData(err.Error())
}
