// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/wsrpc"
	"github.com/creachadair/wsrpc/channel"
	"github.com/creachadair/wsrpc/code"
	"github.com/creachadair/wsrpc/internal/testutil"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// rawPeer returns a started connection whose peer is a bare channel, so that
// a test can exchange wire messages with it directly.
func rawPeer(t *testing.T, setup func(*wsrpc.Conn)) (*wsrpc.Conn, channel.Channel) {
	t.Helper()
	raw, ch := channel.Direct()
	conn := wsrpc.NewConn(ch, nil)
	if setup != nil {
		setup(conn)
	}
	conn.Start()
	t.Cleanup(func() { conn.Close(); conn.Wait() })
	return conn, raw
}

// recvJSON receives a message from ch and decodes it into v.
func recvJSON(t *testing.T, ch channel.Channel, v any) {
	t.Helper()
	bits, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if err := json.Unmarshal(bits, v); err != nil {
		t.Fatalf("Decoding %#q: %v", bits, err)
	}
}

type wireReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wsrpc.Error    `json:"error,omitempty"`
}

type wireRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func echoNamespace(t *testing.T) *wsrpc.Namespace {
	t.Helper()
	ns := wsrpc.NewNamespace("/", nil)
	if err := ns.RegisterMethod("echo", func(_ context.Context, req *wsrpc.Request) (any, error) {
		return json.RawMessage(req.ParamString()), nil
	}); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}
	return ns
}

// Verify that concurrent calls are matched with their own replies when the
// replies arrive in a different order.
func TestCorrelation(t *testing.T) {
	defer leaktest.Check(t)()

	const numCalls = 16
	type held struct {
		n   int
		rsp wsrpc.Responder
	}
	heldc := make(chan held, numCalls)

	left, right := testutil.Pair(t, nil, nil)
	right.OnRequest(func(_ context.Context, req *wsrpc.Request, rsp wsrpc.Responder) {
		var p []int
		if err := req.UnmarshalParams(&p); err != nil {
			rsp.Fail(err)
			return
		}
		heldc <- held{n: p[0], rsp: rsp}
	})
	left.Start()
	right.Start()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, numCalls)
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got int
			if err := left.CallResult(ctx, "scale", []int{i}, &got); err != nil {
				errs[i] = err
			} else if got != 10*i {
				errs[i] = fmt.Errorf("call %d: got %d, want %d", i, got, 10*i)
			}
		}()
	}

	// Collect all the requests, then reply in reverse order of arrival.
	all := make([]held, 0, numCalls)
	for len(all) < numCalls {
		all = append(all, <-heldc)
	}
	for i := len(all) - 1; i >= 0; i-- {
		all[i].rsp.Complete(10 * all[i].n)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if n := left.Pending(); n != 0 {
		t.Errorf("Pending: got %d, want 0", n)
	}

	left.Close()
	left.Wait()
	right.Wait()
}

// Verify that a call with no reply times out, and that a reply arriving
// after the deadline is discarded.
func TestTimeout(t *testing.T) {
	conn, raw := rawPeer(t, nil)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := conn.CallTimeout(ctx, "x", []int{1}, 20*time.Millisecond)
		errc <- err
	}()
	var stale wireRequest
	recvJSON(t, raw, &stale)

	start := time.Now()
	err := <-errc
	var terr *wsrpc.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Call: got error %v, want *TimeoutError", err)
	}
	if terr.Method != "x" || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call: got %+v, want method x and DeadlineExceeded", terr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout took %v, want about 20ms", elapsed)
	}
	if n := conn.Pending(); n != 0 {
		t.Errorf("Pending after timeout: got %d, want 0", n)
	}

	// Deliver the stale reply, then complete a fresh call.
	if err := raw.Send([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"stale"}`, stale.ID))); err != nil {
		t.Fatalf("Send stale reply: %v", err)
	}
	type callResult struct {
		s   string
		err error
	}
	resc := make(chan callResult, 1)
	go func() {
		var s string
		err := conn.CallResult(ctx, "y", nil, &s)
		resc <- callResult{s, err}
	}()
	var fresh wireRequest
	recvJSON(t, raw, &fresh)
	if string(fresh.ID) == string(stale.ID) {
		t.Fatalf("Fresh call reused ID %s", fresh.ID)
	}
	if err := raw.Send([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"fresh"}`, fresh.ID))); err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	if res := <-resc; res.err != nil || res.s != "fresh" {
		t.Errorf("Fresh call: got (%q, %v), want (fresh, nil)", res.s, res.err)
	}
}

// Verify that a batch with an invalid element is answered element by element,
// and that a batch of notifications is not answered at all.
func TestBatch(t *testing.T) {
	ns := echoNamespace(t)
	notes := make(chan string, 2)
	ns.OnNotify(func(_ context.Context, req *wsrpc.Request) { notes <- req.Method() })
	_, raw := rawPeer(t, func(c *wsrpc.Conn) { ns.AddClient(c) })

	if err := raw.Send([]byte(`[
	  {"jsonrpc":"2.0","id":1,"method":"echo","params":["a"]},
	  {"bogus":true},
	  {"jsonrpc":"2.0","id":2,"method":"nonesuch"}
	]`)); err != nil {
		t.Fatalf("Send batch: %v", err)
	}
	var replies []wireReply
	recvJSON(t, raw, &replies)

	got := make(map[string]wireReply)
	for _, r := range replies {
		got[string(r.ID)] = r
	}
	if len(got) != 3 {
		t.Fatalf("Batch reply: got %d distinct replies, want 3: %+v", len(got), replies)
	}
	if r := got["1"]; r.Error != nil || string(r.Result) != `["a"]` {
		t.Errorf("Reply 1: got %+v, want result [\"a\"]", r)
	}
	if r := got["null"]; r.Error == nil || r.Error.Code != code.InvalidRequest {
		t.Errorf("Reply null: got %+v, want InvalidRequest", r)
	}
	if r := got["2"]; r.Error == nil || r.Error.Code != code.MethodNotFound {
		t.Errorf("Reply 2: got %+v, want MethodNotFound", r)
	}

	// Notifications only: no reply. The next message must be the reply to the
	// request that follows.
	if err := raw.Send([]byte(`[{"jsonrpc":"2.0","method":"n1"},{"jsonrpc":"2.0","method":"n2"}]`)); err != nil {
		t.Fatalf("Send notifications: %v", err)
	}
	<-notes
	<-notes
	if err := raw.Send([]byte(`{"jsonrpc":"2.0","id":3,"method":"echo","params":{"k":1}}`)); err != nil {
		t.Fatalf("Send request: %v", err)
	}
	var next wireReply
	recvJSON(t, raw, &next)
	if string(next.ID) != "3" || string(next.Result) != `{"k":1}` {
		t.Errorf("Next reply: got %+v, want reply to request 3", next)
	}
}

// Verify that malformed input is answered with an error, and does not close
// the connection.
func TestInvalidInput(t *testing.T) {
	conn, raw := rawPeer(t, nil)
	tests := []struct {
		input string
		id    string
		code  code.Code
	}{
		{`{bogus`, "null", code.ParseError},
		{`[]`, "null", code.InvalidRequest},
		{`{"jsonrpc":"2.0","id":4}`, "4", code.InvalidRequest},
		{`{"jsonrpc":"1.0","id":"v","method":"x"}`, `"v"`, code.InvalidRequest},
		{`{"jsonrpc":"2.0","id":5,"method":"x"}`, "5", code.MethodNotFound},
	}
	for _, test := range tests {
		if err := raw.Send([]byte(test.input)); err != nil {
			t.Fatalf("Send %#q: %v", test.input, err)
		}
		var rsp wireReply
		recvJSON(t, raw, &rsp)
		if string(rsp.ID) != test.id || rsp.Error == nil || rsp.Error.Code != test.code {
			t.Errorf("Reply to %#q: got %+v, want id %s code %v", test.input, rsp, test.id, test.code)
		}
	}
	select {
	case <-conn.Done():
		t.Error("Connection closed after invalid input")
	default:
	}
}

// Verify that malformed replies are discarded rather than answered.
func TestMalformedReplyDropped(t *testing.T) {
	conn, raw := rawPeer(t, nil)
	for _, input := range []string{
		`{"id":1,"result":2}`,
		`{"jsonrpc":"2.0","id":2,"error":{"message":"no code"}}`,
		`[{"id":3,"result":true}]`,
		`{"jsonrpc":"2.0","id":7,"method":"x"}`,
		`{"jsonrpc":"2.0","id":8,"method":"y"}`,
	} {
		if err := raw.Send([]byte(input)); err != nil {
			t.Fatalf("Send %#q: %v", input, err)
		}
	}

	// Only the two calls are answered, in some order.
	var ids []string
	for range 2 {
		var rsp wireReply
		recvJSON(t, raw, &rsp)
		ids = append(ids, string(rsp.ID))
	}
	if diff := cmp.Diff([]string{"7", "8"}, ids, cmpopts.SortSlices(func(a, b string) bool {
		return a < b
	})); diff != "" {
		t.Errorf("Reply IDs: (-want, +got)\n%s", diff)
	}
	if n := conn.Pending(); n != 0 {
		t.Errorf("Pending: got %d, want 0", n)
	}
}

func TestNotify(t *testing.T) {
	left, right := testutil.Pair(t, nil, nil)
	type note struct {
		Method   string
		Internal bool
		Params   string
	}
	notes := make(chan note, 2)
	right.OnNotify(func(_ context.Context, req *wsrpc.Request) {
		notes <- note{req.Method(), req.IsInternal(), req.ParamString()}
	})
	left.Start()
	right.Start()

	ctx := context.Background()
	if err := left.Notify(ctx, "tick", []int{1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := left.NotifyInternal(ctx, "ping", nil); err != nil {
		t.Fatalf("NotifyInternal: %v", err)
	}
	got := []note{<-notes, <-notes}
	want := []note{{"tick", false, "[1]"}, {"rpc.ping", true, ""}}
	if got[0].Method != "tick" {
		got[0], got[1] = got[1], got[0]
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Notifications: (-want, +got)\n%s", diff)
	}

	if err := left.Notify(ctx, "bad", 12); err == nil {
		t.Error("Notify with scalar params: got nil, want error")
	}
}

// Verify that closing a connection fails its pending calls and reports the
// close status to both ends.
func TestClose(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := testutil.Pair(t, nil, nil)
	release := make(chan struct{})
	right.OnRequest(func(_ context.Context, _ *wsrpc.Request, rsp wsrpc.Responder) {
		<-release
		rsp.Complete(nil)
	})
	type status struct {
		code   channel.Status
		reason string
	}
	lclose := make(chan status, 1)
	rclose := make(chan status, 1)
	rerr := make(chan error, 1)
	left.OnClose(func(c channel.Status, r string) { lclose <- status{c, r} })
	right.OnClose(func(c channel.Status, r string) { rclose <- status{c, r} })
	right.OnError(func(err error) { rerr <- err })
	left.Start()
	right.Start()

	errc := make(chan error, 1)
	go func() {
		_, err := left.Call(context.Background(), "wait", nil)
		errc <- err
	}()
	for left.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := left.CloseWith(channel.StatusGoingAway, "bye"); err != nil {
		t.Errorf("CloseWith: unexpected error: %v", err)
	}
	if err := <-errc; !errors.Is(err, wsrpc.ErrConnClosed) {
		t.Errorf("Pending call: got %v, want %v", err, wsrpc.ErrConnClosed)
	}
	close(release)

	want := status{channel.StatusGoingAway, "bye"}
	if got := <-lclose; got != want {
		t.Errorf("Left close: got %+v, want %+v", got, want)
	}
	if got := <-rclose; got != want {
		t.Errorf("Right close: got %+v, want %+v", got, want)
	}
	if err := <-rerr; err == nil {
		t.Error("Right error: got nil, want error")
	}
	left.Wait()
	right.Wait()

	if _, err := left.Call(context.Background(), "late", nil); !errors.Is(err, wsrpc.ErrConnClosed) {
		t.Errorf("Call after close: got %v, want %v", err, wsrpc.ErrConnClosed)
	}
	called := false
	left.OnClose(func(channel.Status, string) { called = true })
	if !called {
		t.Error("OnClose after close did not call the listener")
	}
}

func TestResponder(t *testing.T) {
	left, right := testutil.Pair(t, nil, nil)
	second := make(chan error, 1)
	right.OnRequest(func(_ context.Context, req *wsrpc.Request, rsp wsrpc.Responder) {
		if req.Method() == "panic" {
			panic("oh no")
		}
		rsp.Complete("first")
	})
	right.OnRequest(func(_ context.Context, _ *wsrpc.Request, rsp wsrpc.Responder) {
		if !rsp.IsComplete() {
			second <- errors.New("responder not complete")
			return
		}
		second <- rsp.Complete("second")
	})
	left.Start()
	right.Start()

	ctx := context.Background()
	var got string
	if err := left.CallResult(ctx, "any", nil, &got); err != nil {
		t.Fatalf("Call: %v", err)
	} else if got != "first" {
		t.Errorf("Call: got %q, want first", got)
	}
	if err := <-second; !errors.Is(err, wsrpc.ErrResponderUsed) {
		t.Errorf("Second Complete: got %v, want %v", err, wsrpc.ErrResponderUsed)
	}

	_, err := left.Call(ctx, "panic", nil)
	if code.FromError(err) != code.InternalServerError {
		t.Errorf("Call panic: got %v, want InternalServerError", err)
	}
}

// Verify that a connection with no request listeners reports MethodNotFound.
func TestNoListeners(t *testing.T) {
	left, right := testutil.Pair(t, nil, nil)
	left.Start()
	right.Start()

	_, err := left.Call(context.Background(), "anything", nil)
	var werr *wsrpc.Error
	if !errors.As(err, &werr) || werr.Code != code.MethodNotFound {
		t.Fatalf("Call: got %v, want MethodNotFound", err)
	}
	var method string
	if err := werr.UnmarshalData(&method); err != nil || method != "anything" {
		t.Errorf("Error data: got %q, %v; want anything", method, err)
	}
}

// Verify that a handler can see its request and connection, and can call back
// to the peer on the same connection.
func TestCallback(t *testing.T) {
	left, right := testutil.Pair(t, &wsrpc.ConnOptions{ID: "L"}, &wsrpc.ConnOptions{ID: "R", Path: "/p"})
	left.OnRequest(func(_ context.Context, req *wsrpc.Request, rsp wsrpc.Responder) {
		rsp.Complete("pong:" + req.Method())
	})
	right.OnRequest(func(ctx context.Context, req *wsrpc.Request, rsp wsrpc.Responder) {
		conn := wsrpc.ConnFromContext(ctx)
		if conn != right || wsrpc.InboundRequest(ctx) != req {
			rsp.Fail(errors.New("wrong context"))
			return
		}
		var s string
		if err := conn.CallResult(ctx, "back", nil, &s); err != nil {
			rsp.Fail(err)
			return
		}
		rsp.Complete(conn.ID() + conn.Path() + " " + s)
	})
	left.Start()
	right.Start()

	var got string
	if err := left.CallResult(context.Background(), "ping", nil, &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if want := "R/p pong:back"; got != want {
		t.Errorf("Call: got %q, want %q", got, want)
	}
}

func TestCallCancel(t *testing.T) {
	conn, raw := rawPeer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, "slow", nil)
		errc <- err
	}()
	var req wireRequest
	recvJSON(t, raw, &req)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got %v, want %v", err, context.Canceled)
	}
	if n := conn.Pending(); n != 0 {
		t.Errorf("Pending: got %d, want 0", n)
	}
}

func TestCustomIDs(t *testing.T) {
	var next int
	opts := &wsrpc.ConnOptions{NewID: func() string { next++; return fmt.Sprintf("req-%d", next) }}
	raw, ch := channel.Direct()
	conn := wsrpc.NewConn(ch, opts).Start()
	defer conn.Wait()
	defer conn.Close()

	go conn.Call(context.Background(), "m", nil)
	var req wireRequest
	recvJSON(t, raw, &req)
	if string(req.ID) != `"req-1"` {
		t.Errorf("Request ID: got %s, want \"req-1\"", req.ID)
	}
}
