// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"encoding/json"
	"strings"

	"github.com/creachadair/wsrpc/code"
)

// Version is the version string for the JSON-RPC protocol understood by this
// implementation, defined at http://www.jsonrpc.org/specification.
const Version = "2.0"

// internalPrefix marks an internal method or notification name on the wire.
const internalPrefix = "rpc."

// A Scope distinguishes public names from names reserved for the engine.
type Scope int

// The scopes of a Name.
const (
	Public   Scope = iota // application methods and topics
	Internal              // engine bookkeeping, "rpc." on the wire
)

func (s Scope) String() string {
	if s == Internal {
		return "internal"
	}
	return "public"
}

// A Name is a method or notification name together with its scope. The wire
// form of an internal name carries the "rpc." prefix; Base never does.
type Name struct {
	Scope Scope
	Base  string
}

// PublicName returns the public name with the given base.
func PublicName(base string) Name { return Name{Scope: Public, Base: base} }

// InternalName returns the internal name with the given base. A leading
// "rpc." on base is removed, so InternalName("on") == InternalName("rpc.on").
func InternalName(base string) Name {
	return Name{Scope: Internal, Base: strings.TrimPrefix(base, internalPrefix)}
}

// ParseName parses a wire-format method name. Names beginning with "rpc."
// are internal.
func ParseName(wire string) Name {
	if base, ok := strings.CutPrefix(wire, internalPrefix); ok {
		return Name{Scope: Internal, Base: base}
	}
	return Name{Scope: Public, Base: wire}
}

// Wire returns the wire format of n.
func (n Name) Wire() string {
	if n.Scope == Internal {
		return internalPrefix + n.Base
	}
	return n.Base
}

// String returns the wire format of n.
func (n Name) String() string { return n.Wire() }

// A Request is a request or notification message received from the peer.
type Request struct {
	id     json.RawMessage // the request ID, nil for notifications
	name   Name            // the method being requested
	params json.RawMessage // method parameters
}

// IsNotification reports whether the request is a notification, and thus does
// not require a value response.
func (r *Request) IsNotification() bool { return r.id == nil }

// ID returns the request identifier for r, or "" if r is a notification.
func (r *Request) ID() string { return string(r.id) }

// Method reports the wire-format method name for the request.
func (r *Request) Method() string { return r.name.Wire() }

// Name reports the scoped name of the request.
func (r *Request) Name() Name { return r.name }

// IsInternal reports whether the request names an internal method.
func (r *Request) IsInternal() bool { return r.name.Scope == Internal }

// HasParams reports whether the request has non-empty parameters.
func (r *Request) HasParams() bool { return len(r.params) != 0 }

// ParamString returns the encoded request parameters of r as a string.
// If r has no parameters, it returns "".
func (r *Request) ParamString() string { return string(r.params) }

// UnmarshalParams decodes the request parameters of r into v. If r has empty
// parameters, it returns nil without modifying v. Decoding failures are
// reported as errors with code InvalidParams.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.params, v); err != nil {
		return &Error{Code: code.InvalidParams, Message: err.Error()}
	}
	return nil
}

// A Response is a response message received from the peer.
type Response struct {
	id     string
	err    *Error
	result json.RawMessage
}

// ID returns the request identifier for r.
func (r *Response) ID() string { return r.id }

// Error returns a non-nil *Error if the response contains an error.
func (r *Response) Error() *Error { return r.err }

// ResultString returns the encoded result value of r as a string.
// If r has no result, for example if r is an error response, it returns "".
func (r *Response) ResultString() string { return string(r.result) }

// UnmarshalResult decodes the result message into v. If the request failed,
// UnmarshalResult returns the same *Error value that is returned by r.Error(),
// and v is unmodified.
func (r *Response) UnmarshalResult(v any) error {
	if r.err != nil {
		return r.err
	}
	return json.Unmarshal(r.result, v)
}
