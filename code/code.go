// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package code defines the error code values used by the wsrpc package.
package code

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// A Code is an error response code.
//
// Code values from and including -32768 to -32000 are reserved for pre-defined
// JSON-RPC errors.  Any code within this range, but not defined explicitly
// below is reserved for future use.  The remainder of the space is available
// for application defined errors.
//
// See also: https://www.jsonrpc.org/specification#error_object
type Code int32

func (c Code) String() string {
	mu.RLock()
	defer mu.RUnlock()
	if s, ok := stdError[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", c)
}

// A Coder is a value that can report an error code value.
type Coder interface {
	ErrCode() Code
}

// codeError is the concrete type of the errors returned by Code.Err.
type codeError struct {
	code Code
	text string
}

func (e codeError) Error() string  { return e.text }
func (e codeError) ErrCode() Code { return e.code }

// Is reports whether target is an error carrying the same code as e.
func (e codeError) Is(target error) bool {
	c, ok := target.(Coder)
	return ok && c.ErrCode() == e.code
}

// Err converts c to an error value, which is nil for code.NoError and
// otherwise an error value whose code is c.
func (c Code) Err() error {
	if c == NoError {
		return nil
	}
	return codeError{code: c, text: fmt.Sprintf("[%d] %s", c, c.String())}
}

// Pre-defined error codes, including the standard ones from the JSON-RPC
// specification and some specific to this implementation.
const (
	ParseError     Code = -32700 // Invalid JSON received by the peer
	InvalidRequest Code = -32600 // The JSON sent is not a valid request object
	MethodNotFound Code = -32601 // The method does not exist or is unavailable
	InvalidParams  Code = -32602 // Invalid method parameters
	InternalError  Code = -32603 // Internal JSON-RPC error
)

// The JSON-RPC 2.0 specification reserves the range -32000 to -32099 for
// implementation-defined server errors. These are used by the wsrpc package.
const (
	InternalServerError Code = -32000 // A responder failed with an uncoded error
	NoError             Code = -32099 // Denotes a nil error (used by FromError)
	SystemError         Code = -32098 // Errors from the operating environment
	Cancelled           Code = -32097 // Request cancelled (context.Canceled)
	DeadlineExceeded    Code = -32096 // Request deadline exceeded (context.DeadlineExceeded)
)

var (
	mu       sync.RWMutex
	stdError = map[Code]string{
		ParseError:     "Parse error",
		InvalidRequest: "Invalid Request",
		MethodNotFound: "Method not found",
		InvalidParams:  "Invalid params",
		InternalError:  "Internal error",

		InternalServerError: "Internal server error",
		NoError:             "no error (success)",
		SystemError:         "system error",
		Cancelled:           "request cancelled",
		DeadlineExceeded:    "deadline exceeded",
	}
)

// Register adds a new Code value with the specified message string.  This
// function will panic if the proposed value is already registered.
func Register(value int32, message string) Code {
	mu.Lock()
	defer mu.Unlock()
	code := Code(value)
	if s, ok := stdError[code]; ok {
		panic(fmt.Sprintf("code %d is already registered for %q", code, s))
	}
	stdError[code] = message
	return code
}

// FromError returns a Code to categorize the specified error.
// If err == nil, it returns code.NoError.
// If err is (or wraps) a Coder, it returns the reported code value.
// If err is context.Canceled, it returns code.Cancelled.
// If err is context.DeadlineExceeded, it returns code.DeadlineExceeded.
// Otherwise it returns code.SystemError.
func FromError(err error) Code {
	if err == nil {
		return NoError
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrCode()
	} else if errors.Is(err, context.Canceled) {
		return Cancelled
	} else if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return SystemError
}
