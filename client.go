// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/wsrpc/channel"
	mapset "github.com/deckarep/golang-set/v2"
)

// State is the connection state of a Client.
type State int

// The states of a Client.
const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A Client maintains a connection to a server at a fixed URL. After an
// abnormal close the client reconnects, subject to its options, and renews
// its subscriptions on the new connection. A normal close, including one
// caused by Close, is final.
//
// The client has one namespace of its own, named "/", that serves the
// methods the server may call on it. Notifications sent by the client go to
// the server regardless of subscriptions.
type Client struct {
	url        string
	log        Logger
	dial       func(context.Context) (channel.Channel, error)
	connOpts   *ConnOptions
	reconnect  bool
	maxRetries int
	interval   time.Duration
	strictSubs bool
	ns         *Namespace

	mu      sync.Mutex           // protects the fields below
	state   State
	conn    *Conn                // the open connection, or nil
	try     *attempt             // the connection attempt awaited by Connect, or nil
	stop    context.CancelFunc   // ends the run loop, or nil if not running
	done    chan struct{}        // closed when the run loop exits
	topics  mapset.Set[string]   // subscribed topics, by wire name
	onOpen  []func()
	onClose []CloseListener

	lastEvent chan struct{} // closed when the latest listener event is done
}

// An attempt records the outcome of one connection attempt.
type attempt struct {
	ready chan struct{} // closed when err is set
	err   error
}

func newAttempt() *attempt { return &attempt{ready: make(chan struct{})} }

func (a *attempt) settle(err error) {
	a.err = err
	close(a.ready)
}

// NewClient returns a new disconnected client for the server at url. Call
// Connect to establish the connection.
func NewClient(url string, opts *ClientOptions) *Client {
	return &Client{
		url:        url,
		log:        opts.logFunc(),
		dial:       opts.dialer(url),
		connOpts:   opts.connOptions(),
		reconnect:  opts.reconnect(),
		maxRetries: opts.maxReconnects(),
		interval:   opts.reconnectInterval(),
		strictSubs: opts.strictSubscriptions(),
		ns: NewNamespace("/", &NamespaceOptions{
			Logger:           opts.logFunc(),
			LaxNotifications: true,
		}),
		topics: mapset.NewSet[string](),
	}
}

// Connect establishes a connection to the server, if one is not already open,
// and blocks until the connection attempt succeeds or fails or ctx ends.
// If an attempt is already under way, including a reconnection after an
// abnormal close, Connect waits for it rather than starting another. A failed
// attempt is retried in the background if the client is configured to
// reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Open {
		c.mu.Unlock()
		return nil
	}
	if c.stop == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.done = make(chan struct{})
		c.state = Connecting
		go c.run(runCtx, cancel, c.done)
	}
	if c.try == nil {
		c.try = newAttempt()
	}
	try := c.try
	c.mu.Unlock()

	select {
	case <-try.ready:
		return try.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current connection state of c.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run is the connection state machine. Each pass of the loop dials the server
// and, if that succeeds, serves the connection until it closes. A normal
// close or a cancellation of ctx ends the loop, as does a failure when the
// client does not reconnect, or when the count of consecutive reconnections
// exceeds the limit.
//
// While the loop runs, the pending attempt in c.try (if any) is settled by
// the next successful open, the next failed dial, or the end of the loop.
func (c *Client) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()
	var lastErr error
	retries := 0
	for {
		conn, err := c.open(ctx)
		if err == nil {
			retries = 0
			c.setOpen(conn)
			c.resubscribe(ctx, conn)

			select {
			case <-conn.Done():
			case <-ctx.Done():
				conn.Close()
			}
			code, reason := conn.Status()
			final := code.IsClean() || ctx.Err() != nil || !c.reconnect
			c.setClosed(final, code, reason)
			conn.Wait()
			if final {
				return
			}
			err = &channel.ClosedError{Code: code, Reason: reason}
		} else {
			c.log.Printf("Connecting to %q: %v", c.url, err)
			c.settle(err)
		}
		lastErr = err

		if !c.reconnect || ctx.Err() != nil {
			c.finish(lastErr)
			return
		}
		retries++
		if c.maxRetries > 0 && retries > c.maxRetries {
			c.log.Printf("Giving up on %q after %d reconnection attempts", c.url, c.maxRetries)
			c.finish(lastErr)
			return
		}

		select {
		case <-ctx.Done():
			c.finish(ErrNotConnected)
			return
		case <-time.After(c.interval):
		}
		c.log.Printf("Reconnecting to %q (attempt %d)", c.url, retries)
	}
}

// open dials the server and starts a connection bound to the namespace of c.
func (c *Client) open(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	ch, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn := NewConn(ch, c.connOpts)
	if err := c.ns.AddClient(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn.Start(), nil
}

// setOpen records conn as the open connection and settles the pending
// attempt, if any.
func (c *Client) setOpen(conn *Conn) {
	c.mu.Lock()
	c.state = Open
	c.conn = conn
	try := c.try
	c.try = nil
	onOpen := slices.Clone(c.onOpen)
	c.mu.Unlock()

	if try != nil {
		try.settle(nil)
	}
	c.event(func() {
		for _, f := range onOpen {
			f()
		}
	})
}

// setClosed records that the open connection has closed. If the close is
// final the run loop is retired, so that a later Connect starts another.
// Otherwise the client is reconnecting, and an attempt is installed for
// Connect to wait on.
func (c *Client) setClosed(final bool, code channel.Status, reason string) {
	c.mu.Lock()
	c.conn = nil
	var try *attempt
	if final {
		c.state = Disconnected
		c.stop = nil
		try, c.try = c.try, nil
	} else {
		c.state = Connecting
		if c.try == nil {
			c.try = newAttempt()
		}
	}
	onClose := slices.Clone(c.onClose)
	c.mu.Unlock()

	if try != nil {
		try.settle(ErrNotConnected)
	}
	c.log.Printf("Connection to %q closed: %d %q", c.url, code, reason)
	c.event(func() {
		for _, f := range onClose {
			f(code, reason)
		}
	})
}

// event runs f in a new goroutine after all earlier events have finished.
// Listeners thus observe opens and closes in order, and may call back into
// c without stalling the state machine.
func (c *Client) event(f func()) {
	c.mu.Lock()
	prev := c.lastEvent
	next := make(chan struct{})
	c.lastEvent = next
	c.mu.Unlock()

	go func() {
		defer close(next)
		if prev != nil {
			<-prev
		}
		f()
	}()
}

// settle completes the pending attempt, if any, with err.
func (c *Client) settle(err error) {
	c.mu.Lock()
	try := c.try
	c.try = nil
	c.mu.Unlock()
	if try != nil {
		try.settle(err)
	}
}

// finish marks the run loop as stopped, and settles the pending attempt, if
// any, with err.
func (c *Client) finish(err error) {
	c.mu.Lock()
	c.state = Disconnected
	c.conn = nil
	c.stop = nil
	try := c.try
	c.try = nil
	c.mu.Unlock()

	if try != nil {
		try.settle(err)
	}
}

// resubscribe renews the subscriptions of c on a new connection.
func (c *Client) resubscribe(ctx context.Context, conn *Conn) {
	topics := c.topics.ToSlice()
	if !c.strictSubs || len(topics) == 0 {
		return
	}
	var res map[string]string
	rsp, err := conn.CallInternal(ctx, "on", topics)
	if err == nil {
		err = rsp.UnmarshalResult(&res)
	}
	if err != nil {
		c.log.Printf("Renewing %d subscriptions: %v", len(topics), err)
		return
	}
	for topic, status := range res {
		if status != statusOK {
			c.topics.Remove(topic)
		}
	}
}

// Close closes the connection of c, if any, with a normal closure and stops
// any reconnection. It waits for the connection state machine to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	stop, done, conn := c.stop, c.done, c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if stop != nil {
		stop()
		<-done
	}
	return err
}

// current returns the open connection of c, or ErrNotConnected.
func (c *Client) current() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Call invokes method on the server and blocks until the response arrives.
// See Conn.Call.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, method, params)
}

// CallResult invokes method on the server and decodes its result into result.
func (c *Client) CallResult(ctx context.Context, method string, params, result any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.CallResult(ctx, method, params, result)
}

// CallInternal invokes the internal method on the server.
func (c *Client) CallInternal(ctx context.Context, method string, params any) (*Response, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.CallInternal(ctx, method, params)
}

// Notify sends a notification for the public topic name to the server.
func (c *Client) Notify(ctx context.Context, name string, params any) error {
	if _, err := c.current(); err != nil {
		return err
	}
	return c.ns.Notify(ctx, name, params)
}

// NotifyInternal sends a notification for the internal topic name to the
// server.
func (c *Client) NotifyInternal(ctx context.Context, name string, params any) error {
	if _, err := c.current(); err != nil {
		return err
	}
	return c.ns.NotifyInternal(ctx, name, params)
}

// Subscribe asks the server to send notifications for the given topics to c,
// and reports the status of each topic: "ok" or "provided event invalid".
// Topics accepted by the server are renewed after each reconnection.
//
// If c is configured with lax subscriptions, the server is not contacted and
// every topic is reported "ok".
func (c *Client) Subscribe(ctx context.Context, topics ...string) (map[string]string, error) {
	return c.subscription(ctx, "on", topics)
}

// Unsubscribe asks the server to stop sending notifications for the given
// topics to c. See Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) (map[string]string, error) {
	return c.subscription(ctx, "off", topics)
}

func (c *Client) subscription(ctx context.Context, method string, topics []string) (map[string]string, error) {
	if len(topics) == 0 {
		return nil, errors.New("no topics given")
	}
	if !c.strictSubs {
		res := make(map[string]string, len(topics))
		for _, t := range topics {
			res[t] = statusOK
		}
		return res, nil
	}
	rsp, err := c.CallInternal(ctx, method, topics)
	if err != nil {
		return nil, err
	}
	var res map[string]string
	if err := rsp.UnmarshalResult(&res); err != nil {
		return nil, err
	}
	for topic, status := range res {
		if method == "off" {
			c.topics.Remove(topic)
		} else if status == statusOK {
			c.topics.Add(topic)
		}
	}
	return res, nil
}

// Namespace returns the namespace that serves requests from the server.
func (c *Client) Namespace() *Namespace { return c.ns }

// RegisterMethod registers h as a public method the server may call.
func (c *Client) RegisterMethod(name string, h Handler) error { return c.ns.RegisterMethod(name, h) }

// RegisterInternalMethod registers h as an internal method the server may
// call.
func (c *Client) RegisterInternalMethod(name string, h Handler) error {
	return c.ns.RegisterInternalMethod(name, h)
}

// UnregisterMethod removes a public method of c.
func (c *Client) UnregisterMethod(name string) error { return c.ns.UnregisterMethod(name) }

// UnregisterInternalMethod removes an internal method of c.
func (c *Client) UnregisterInternalMethod(name string) error {
	return c.ns.UnregisterInternalMethod(name)
}

// RegisterNotification adds public topics to the namespace of c.
func (c *Client) RegisterNotification(names ...string) error {
	return c.ns.RegisterNotification(names...)
}

// RegisterInternalNotification adds internal topics to the namespace of c.
func (c *Client) RegisterInternalNotification(names ...string) error {
	return c.ns.RegisterInternalNotification(names...)
}

// UnregisterNotification removes public topics from the namespace of c.
func (c *Client) UnregisterNotification(names ...string) error {
	return c.ns.UnregisterNotification(names...)
}

// UnregisterInternalNotification removes internal topics from the namespace
// of c.
func (c *Client) UnregisterInternalNotification(names ...string) error {
	return c.ns.UnregisterInternalNotification(names...)
}

// OnNotify adds a listener for notifications from the server.
func (c *Client) OnNotify(f NotifyListener) { c.ns.OnNotify(f) }

// OnOpen adds a listener that is called each time a connection opens.
func (c *Client) OnOpen(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, f)
}

// OnClose adds a listener that is called each time a connection closes.
func (c *Client) OnClose(f CloseListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}
