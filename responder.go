// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/creachadair/wsrpc/code"
)

// A Responder is the single-use reply capability passed with each inbound
// request. Exactly one of Complete or Fail takes effect; later calls report
// ErrResponderUsed and do nothing.
type Responder interface {
	// Complete replies to the request with the JSON encoding of result.
	Complete(result any) error

	// Fail replies to the request with an error. If err is or wraps an
	// *Error, that error object is sent as-is; if it carries a code (see
	// code.Coder) the code is kept; otherwise the reply has code
	// InternalServerError.
	Fail(err error) error

	// IsComplete reports whether a reply has already been set.
	IsComplete() bool
}

type responder struct {
	mu     sync.Mutex
	done   chan struct{} // closed when the reply is set
	result json.RawMessage
	err    *Error
}

func newResponder() *responder { return &responder{done: make(chan struct{})} }

func (r *responder) finish(result json.RawMessage, err *Error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return ErrResponderUsed
	default:
	}
	r.result, r.err = result, err
	close(r.done)
	return nil
}

// Complete implements part of the Responder interface.
func (r *responder) Complete(result any) error {
	if r.IsComplete() {
		return ErrResponderUsed
	}
	bits, err := json.Marshal(result)
	if err != nil {
		return r.finish(nil, Errorf(code.InternalError, "invalid result: %v", err))
	}
	return r.finish(bits, nil)
}

// Fail implements part of the Responder interface.
func (r *responder) Fail(err error) error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	var e *Error
	if !errors.As(err, &e) {
		var c code.Coder
		if errors.As(err, &c) {
			e = &Error{Code: c.ErrCode(), Message: err.Error()}
		} else {
			e = &Error{Code: code.InternalServerError, Message: err.Error()}
		}
	}
	return r.finish(nil, e)
}

// IsComplete implements part of the Responder interface.
func (r *responder) IsComplete() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// reply constructs the reply message for a completed responder.
func (r *responder) reply(id json.RawMessage) *Message {
	if r.err != nil {
		return &Message{Kind: KindError, ID: id, Error: r.err}
	}
	return &Message{Kind: KindResponse, ID: id, Result: r.result}
}
