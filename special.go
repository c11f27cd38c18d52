// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"

	"github.com/creachadair/wsrpc/code"
)

// Per-topic status values reported by rpc.on and rpc.off.
const (
	statusOK           = "ok"
	statusInvalidEvent = "provided event invalid"
)

// Handle the special rpc.listMethods method, that reports the public methods
// of the namespace.
func (ns *Namespace) handleRPCListMethods(context.Context, *Request) (any, error) {
	return ns.Methods(), nil
}

// Handle the special rpc.listEvents method, that reports the public topics of
// the namespace.
func (ns *Namespace) handleRPCListEvents(context.Context, *Request) (any, error) {
	return ns.Notifications(), nil
}

// Handle the special rpc.on method, that subscribes the calling connection to
// a list of topics.
func (ns *Namespace) handleRPCOn(ctx context.Context, req *Request) (any, error) {
	return ns.handleSubscription(ctx, req, true)
}

// Handle the special rpc.off method, that unsubscribes the calling connection
// from a list of topics.
func (ns *Namespace) handleRPCOff(ctx context.Context, req *Request) (any, error) {
	return ns.handleSubscription(ctx, req, false)
}

func (ns *Namespace) handleSubscription(ctx context.Context, req *Request, on bool) (any, error) {
	if req.IsNotification() {
		return nil, code.MethodNotFound.Err()
	}
	var topics []string
	if err := req.UnmarshalParams(&topics); err != nil {
		return nil, err
	} else if len(topics) == 0 {
		return nil, Errorf(code.InvalidParams, "no topics given")
	}
	c := ConnFromContext(ctx)
	if c == nil {
		return nil, Errorf(code.InternalError, "no connection for subscription")
	}
	return ns.subscribe(c, topics, on), nil
}

func (ns *Namespace) installBuiltins() {
	for name, h := range map[string]Handler{
		"listMethods": ns.handleRPCListMethods,
		"listEvents":  ns.handleRPCListEvents,
		"on":          ns.handleRPCOn,
		"off":         ns.handleRPCOff,
	} {
		ns.methods[InternalName(name)] = h
	}
}
