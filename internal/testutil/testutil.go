// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package testutil defines internal support code for writing tests.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/wsrpc"
	"github.com/creachadair/wsrpc/channel"
)

// Pair returns two unstarted connections joined by an in-memory channel, so
// that the caller can register listeners before starting them. Both are
// closed when the test ends.
func Pair(t testing.TB, lopts, ropts *wsrpc.ConnOptions) (left, right *wsrpc.Conn) {
	t.Helper()
	lch, rch := channel.Direct()
	left = wsrpc.NewConn(lch, lopts)
	right = wsrpc.NewConn(rch, ropts)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

// ParseRequest delivers the single JSON request object s to a connection,
// and returns the request as the connection reports it to its listeners.
func ParseRequest(s string) (*wsrpc.Request, error) {
	msg, err := wsrpc.Decode([]byte(s))
	if err != nil {
		return nil, err
	} else if !msg.Kind.IsCall() {
		return nil, errors.New("not a request or notification")
	}

	cch, sch := channel.Direct()
	defer cch.Close()
	reqc := make(chan *wsrpc.Request, 1)
	conn := wsrpc.NewConn(sch, nil)
	conn.OnRequest(func(_ context.Context, req *wsrpc.Request, rsp wsrpc.Responder) {
		reqc <- req
		rsp.Complete(nil)
	})
	conn.OnNotify(func(_ context.Context, req *wsrpc.Request) { reqc <- req })
	conn.Start()
	defer func() { conn.Close(); conn.Wait() }()

	if err := cch.Send([]byte(s)); err != nil {
		return nil, err
	}
	select {
	case req := <-reqc:
		return req, nil
	case <-time.After(5 * time.Second):
		return nil, errors.New("timed out waiting for request")
	}
}

// MustParseRequest calls ParseRequest and fails t if it reports an error.
func MustParseRequest(t testing.TB, s string) *wsrpc.Request {
	t.Helper()

	req, err := ParseRequest(s)
	if err != nil {
		t.Fatalf("Parsing %#q failed: %v", s, err)
	}
	return req
}
