// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package testutil_test

import (
	"context"
	"testing"

	"github.com/creachadair/wsrpc"
	"github.com/creachadair/wsrpc/internal/testutil"
)

func TestParseRequest(t *testing.T) {
	t.Run("Invalid", func(t *testing.T) {
		req, err := testutil.ParseRequest(`{this is invalid}`)
		if err == nil {
			t.Errorf("ParseRequest: got %+v, wanted error", req)
		} else {
			t.Logf("Invalid OK: %v", err)
		}
	})
	t.Run("Call", func(t *testing.T) {
		req := testutil.MustParseRequest(t, `{"jsonrpc":"2.0","id":1,"method":"OK","params":[1]}`)
		if req.IsNotification() || req.Method() != "OK" || req.ParamString() != "[1]" {
			t.Errorf("Call: got %q %s, notification=%v", req.Method(), req.ParamString(), req.IsNotification())
		}
	})
	t.Run("Notification", func(t *testing.T) {
		req := testutil.MustParseRequest(t, `{"jsonrpc":"2.0","method":"rpc.OK"}`)
		if !req.IsNotification() || !req.IsInternal() {
			t.Errorf("Note: got notification=%v internal=%v", req.IsNotification(), req.IsInternal())
		}
	})
}

func TestPair(t *testing.T) {
	left, right := testutil.Pair(t, nil, nil)
	right.OnRequest(func(_ context.Context, req *wsrpc.Request, rsp wsrpc.Responder) {
		rsp.Complete(req.Method())
	})
	left.Start()
	right.Start()

	var got string
	if err := left.CallResult(context.Background(), "ping", nil, &got); err != nil {
		t.Fatalf("Call failed: %v", err)
	} else if got != "ping" {
		t.Errorf("Call: got %q, want ping", got)
	}
}
