// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import "context"

// InboundRequest returns the inbound request associated with the context
// passed to a Handler or listener, or nil if ctx does not have an inbound
// request.
func InboundRequest(ctx context.Context) *Request {
	if v := ctx.Value(inboundRequestKey{}); v != nil {
		return v.(*Request)
	}
	return nil
}

type inboundRequestKey struct{}

// ConnFromContext returns the connection on which the request associated with
// ctx arrived, or nil if ctx was not passed to a handler by a *Conn.
//
// It is safe to retain the connection and invoke its methods beyond the
// lifetime of the context, including issuing calls back to the peer.
func ConnFromContext(ctx context.Context) *Conn {
	if v := ctx.Value(connKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}

type connKey struct{}
