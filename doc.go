// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

/*
Package wsrpc implements JSON-RPC 2.0 over a persistent, bidirectional
message channel such as a WebSocket, defined by
http://www.jsonrpc.org/specification. Either end of a connection may call
methods on the other and send it notifications, and a server multiplexes its
connections across named namespaces with publish/subscribe topics.

# Connections

A *Conn is one end of a connection. It correlates outbound calls with their
replies, applies a deadline to each call, and dispatches inbound requests and
notifications to listeners:

	conn := wsrpc.NewConn(ch, nil)
	conn.OnRequest(func(ctx context.Context, req *wsrpc.Request, rsp wsrpc.Responder) {
	   rsp.Complete("hello")
	})
	conn.Start()

	rsp, err := conn.Call(ctx, "Math.Add", []int{1, 2, 3})

An error reported by the peer has concrete type *wsrpc.Error. A call that
receives no reply before its deadline fails with *wsrpc.TimeoutError, and a
call pending when the connection closes fails with ErrConnClosed.

# Namespaces

A *Namespace holds methods and notification topics shared by the connections
bound to it. Method names beginning with "rpc." are internal: they are
registered with RegisterInternalMethod and RegisterInternalNotification, and
the public registration methods reject them. Every namespace has these
internal methods:

	rpc.listMethods  returns the names of the public methods
	rpc.listEvents   returns the names of the public topics
	rpc.on           subscribes the caller to a list of topics
	rpc.off          unsubscribes the caller from a list of topics

By default, a notification reaches only the connections subscribed to its
topic.

# Servers and Clients

A *Server is an http.Handler that accepts WebSocket connections and binds
each to the namespace named by the request path, creating it if necessary:

	srv := wsrpc.NewServer(nil)
	srv.RegisterMethod("/", "Math.Add", handler.New(Add))
	srv.RegisterNotification("/", "tick")
	http.Handle("/", srv)

	// Later...
	srv.Notify(ctx, "tick", []int{1})

A *Client dials a server, reconnects after abnormal closes, and renews its
subscriptions on each new connection:

	cli := wsrpc.NewClient("ws://localhost:8080/", nil)
	if err := cli.Connect(ctx); err != nil {
	   log.Fatal(err)
	}
	cli.OnNotify(func(ctx context.Context, req *wsrpc.Request) {
	   log.Printf("%s %s", req.Method(), req.ParamString())
	})
	cli.Subscribe(ctx, "tick")

The handler package adapts ordinary functions to the Handler type, and the
channel package provides the WebSocket and in-memory transports.
*/
package wsrpc
