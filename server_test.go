// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/wsrpc"
	"github.com/creachadair/wsrpc/channel"
	"github.com/creachadair/wsrpc/code"
	"github.com/creachadair/wsrpc/handler"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// connect accepts a new in-memory connection on srv and returns the peer.
func connect(t *testing.T, srv *wsrpc.Server, path, id string) (*wsrpc.Conn, *wsrpc.Conn) {
	t.Helper()
	cch, sch := channel.Direct()
	peer := wsrpc.NewConn(cch, nil).Start()
	t.Cleanup(func() { peer.Close() })

	conn, err := srv.Accept(sch, path, id)
	if err != nil {
		t.Fatalf("Accept(%q, %q): %v", path, id, err)
	}
	return peer, conn
}

func TestNamespaceIsolation(t *testing.T) {
	srv := wsrpc.NewServer(nil)
	defer srv.Close()
	hello := handler.New(func(context.Context) string { return "hello" })
	if err := srv.RegisterMethod("/a", "hello", hello); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	a, _ := connect(t, srv, "/a", "")
	b, _ := connect(t, srv, "/b", "")
	ctx := context.Background()

	var got string
	if err := a.CallResult(ctx, "hello", nil, &got); err != nil {
		t.Errorf("Call on /a: %v", err)
	} else if got != "hello" {
		t.Errorf("Call on /a: got %q, want hello", got)
	}
	if _, err := b.Call(ctx, "hello", nil); code.FromError(err) != code.MethodNotFound {
		t.Errorf("Call on /b: got %v, want MethodNotFound", err)
	}
	if diff := cmp.Diff([]string{"/a", "/b"}, srv.NamespaceNames()); diff != "" {
		t.Errorf("NamespaceNames: (-want, +got)\n%s", diff)
	}
}

func TestConnectionIDs(t *testing.T) {
	srv := wsrpc.NewServer(&wsrpc.ServerOptions{
		NewConnID: func() func() string {
			var n int
			return func() string { n++; return strings.Repeat("x", n) }
		}(),
	})
	defer srv.Close()

	_, c1 := connect(t, srv, "", "fixed")
	_, c2 := connect(t, srv, "", "")
	if c1.ID() != "fixed" || c2.ID() != "x" {
		t.Errorf("IDs: got %q, %q; want fixed, x", c1.ID(), c2.ID())
	}
	if c1.Path() != "/" {
		t.Errorf("Path: got %q, want /", c1.Path())
	}
	if srv.Client("fixed") != c1 || srv.Client("x") != c2 {
		t.Error("Client lookup did not find the accepted connections")
	}

	// A second connection presenting an identifier in use is refused.
	cch, sch := channel.Direct()
	if _, err := srv.Accept(sch, "/", "fixed"); !errors.Is(err, wsrpc.ErrDuplicateID) {
		t.Errorf("Accept duplicate: got %v, want %v", err, wsrpc.ErrDuplicateID)
	}
	if _, err := cch.Recv(); err == nil {
		t.Error("Recv on refused channel: got nil, want error")
	} else if st, _ := channel.StatusOf(err); st != channel.StatusPolicyViolation {
		t.Errorf("Refused channel status: got %d, want %d", st, channel.StatusPolicyViolation)
	}

	// Closed connections are removed from the lookup.
	c1.Close()
	c1.Wait()
	if c := srv.Client("fixed"); c != nil {
		t.Errorf("Client after close: got %v, want nil", c)
	}
	if got := srv.Clients(); len(got) != 1 || got[0] != c2 {
		t.Errorf("Clients: got %v, want [%p]", got, c2)
	}
}

func TestConnectionIDExhausted(t *testing.T) {
	tests := []struct {
		name string
		gen  func() string
	}{
		{"empty", func() string { return "" }},
		{"taken", func() string { return "same" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var calls int
			srv := wsrpc.NewServer(&wsrpc.ServerOptions{
				NewConnID: func() string { calls++; return test.gen() },
			})
			defer srv.Close()
			connect(t, srv, "", "same")

			cch, sch := channel.Direct()
			before := calls
			if _, err := srv.Accept(sch, "/", ""); !errors.Is(err, wsrpc.ErrNoConnID) {
				t.Errorf("Accept: got %v, want %v", err, wsrpc.ErrNoConnID)
			}
			if calls == before {
				t.Error("Accept did not consult the identifier generator")
			}
			if _, err := cch.Recv(); err == nil {
				t.Error("Recv on refused channel: got nil, want error")
			}
			if got := len(srv.Clients()); got != 1 {
				t.Errorf("Clients: got %d, want 1", got)
			}
		})
	}
}

func TestNamespaceRegistry(t *testing.T) {
	srv := wsrpc.NewServer(nil)
	defer srv.Close()

	ns, err := srv.CreateNamespace("/new")
	if err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	if _, err := srv.CreateNamespace("/new"); !errors.Is(err, wsrpc.ErrNamespaceExists) {
		t.Errorf("CreateNamespace again: got %v, want %v", err, wsrpc.ErrNamespaceExists)
	}
	if got := srv.Namespace("/new"); got != ns {
		t.Error("Namespace did not return the existing namespace")
	}
	if srv.Namespace("") != srv.Namespace("/") {
		t.Error("Empty namespace name is not /")
	}

	_, conn := connect(t, srv, "/new", "")
	if !srv.CloseNamespace("/new") {
		t.Error("CloseNamespace: reported missing namespace")
	}
	conn.Wait()
	if st, _ := conn.Status(); st != channel.StatusNormal {
		t.Errorf("Connection status: got %d, want %d", st, channel.StatusNormal)
	}
	if srv.CloseNamespace("/new") {
		t.Error("CloseNamespace again: reported existing namespace")
	}
	if diff := cmp.Diff([]string{"/"}, srv.NamespaceNames()); diff != "" {
		t.Errorf("NamespaceNames: (-want, +got)\n%s", diff)
	}
}

func TestBroadcast(t *testing.T) {
	srv := wsrpc.NewServer(nil)
	for _, ns := range []string{"/a", "/b"} {
		if err := srv.RegisterNotification(ns, "news"); err != nil {
			t.Fatalf("RegisterNotification: %v", err)
		}
	}
	if err := srv.RegisterInternalNotification("/a", "sys"); err != nil {
		t.Fatalf("RegisterInternalNotification: %v", err)
	}

	type peer struct {
		conn  *wsrpc.Conn
		notes chan note
	}
	var peers []peer
	for _, path := range []string{"/a", "/b", "/b"} {
		cch, sch := channel.Direct()
		p := peer{conn: wsrpc.NewConn(cch, nil), notes: make(chan note, 4)}
		p.conn.OnNotify(func(_ context.Context, req *wsrpc.Request) {
			p.notes <- note{req.Method(), req.ParamString()}
		})
		p.conn.Start()
		if _, err := srv.Accept(sch, path, ""); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		peers = append(peers, p)
	}
	ctx := context.Background()

	// Subscribe all but the last peer.
	for _, p := range peers[:2] {
		if _, err := p.conn.CallInternal(ctx, "on", []string{"news", "rpc.sys"}); err != nil {
			t.Fatalf("rpc.on: %v", err)
		}
	}
	if err := srv.Notify(ctx, "news", []string{"extra"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := srv.NotifyInternal(ctx, "sys", nil); err != nil {
		t.Fatalf("NotifyInternal: %v", err)
	}

	// Notifications are dispatched concurrently, so their order may vary.
	got := []note{<-peers[0].notes, <-peers[0].notes}
	want := []note{{"news", `["extra"]`}, {"rpc.sys", ""}}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b note) bool {
		return a.Method < b.Method
	})); diff != "" {
		t.Errorf("Peer /a notes: (-want, +got)\n%s", diff)
	}
	if got := <-peers[1].notes; got != (note{"news", `["extra"]`}) {
		t.Errorf("Peer /b: got %+v", got)
	}

	srv.Close()
	for i, p := range peers {
		p.conn.Wait()
		if st, _ := p.conn.Status(); st != channel.StatusGoingAway {
			t.Errorf("Peer %d status: got %d, want %d", i, st, channel.StatusGoingAway)
		}
		select {
		case n := <-p.notes:
			t.Errorf("Peer %d: unexpected notification %+v", i, n)
		default:
		}
	}

	// A closed server refuses new connections.
	_, sch := channel.Direct()
	if _, err := srv.Accept(sch, "/", ""); err == nil {
		t.Error("Accept after Close: got nil, want error")
	}
}

// Verify the server and client over a real WebSocket connection.
func TestWebSocket(t *testing.T) {
	for _, codec := range []channel.Codec{channel.JSON, channel.CBOR} {
		srv := wsrpc.NewServer(&wsrpc.ServerOptions{
			Accept: &channel.AcceptOptions{Codec: codec},
		})
		add := handler.New(func(_ context.Context, vs []int) int {
			sum := 0
			for _, v := range vs {
				sum += v
			}
			return sum
		})
		if err := srv.RegisterMethod("/math", "add", add); err != nil {
			t.Fatalf("RegisterMethod: %v", err)
		}
		hs := httptest.NewServer(srv)

		url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/math?socket_id=alpha"
		cli := wsrpc.NewClient(url, &wsrpc.ClientOptions{
			DialOptions: &channel.DialOptions{Codec: codec},
		})
		ctx := context.Background()
		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		var sum int
		if err := cli.CallResult(ctx, "add", []int{1, 2, 3, 4}, &sum); err != nil {
			t.Errorf("Call add: %v", err)
		} else if sum != 10 {
			t.Errorf("Call add: got %d, want 10", sum)
		}
		if c := srv.Client("alpha"); c == nil || c.Path() != "/math" {
			t.Errorf("Server client: got %v, want alpha on /math", c)
		}

		cli.Close()
		srv.Close()
		hs.Close()
	}
}
