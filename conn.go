// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/wsrpc/channel"
	"github.com/creachadair/wsrpc/code"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// A RequestListener is notified of each inbound request on a connection.  The
// context carries the request and the connection (see InboundRequest and
// ConnFromContext) and ends when the connection closes.
type RequestListener func(ctx context.Context, req *Request, rsp Responder)

// A NotifyListener is notified of each inbound notification on a connection.
type NotifyListener func(ctx context.Context, req *Request)

// A CloseListener is notified once when a connection closes, with the close
// status reported by the transport.
type CloseListener func(code channel.Status, reason string)

// An ErrorListener is notified of transport failures on a connection.
type ErrorListener func(err error)

// A Conn is a JSON-RPC 2.0 connection over a channel. Either peer may call
// methods on the other and send notifications to it; inbound calls are
// delivered to the listeners registered with OnRequest and OnNotify.
//
// A Conn is safe for concurrent use by multiple goroutines.
type Conn struct {
	id      string
	path    string
	ch      channel.Channel
	log     Logger
	newID   func() json.RawMessage
	timeout time.Duration
	sem     *semaphore.Weighted // bounds concurrent handler execution
	limiter *rate.Limiter       // limits inbound message rate, or nil

	ctx    context.Context // ends when the connection closes
	cancel context.CancelFunc
	done   chan struct{}  // closed after shutdown is complete
	wg     sync.WaitGroup // reader, server and dispatch goroutines

	mu      sync.Mutex // protects the fields below
	started bool
	closed  bool
	status  channel.Status
	reason  string
	work    chan struct{}             // signals inq is not empty
	inq     *queue.Queue[inbound]     // inbound calls awaiting dispatch
	pending map[string]*pending       // outbound calls awaiting replies, by ID
	onReq   []RequestListener
	onNote  []NotifyListener
	onClose []CloseListener
	onError []ErrorListener
}

// inbound is a unit of inbound work: a single call or the calls of a batch.
type inbound struct {
	msgs  []*Message
	batch bool
}

// pending is an outbound call awaiting its reply.
type pending struct {
	ch    chan result // buffered; receives exactly one value
	timer *time.Timer // the call deadline, or nil
}

type result struct {
	rsp *Response
	err error
}

// NewConn returns a new unstarted connection over ch. Register listeners
// before calling Start, so that no inbound message arrives unobserved.
//
// This function will panic if ch == nil.
func NewConn(ch channel.Channel, opts *ConnOptions) *Conn {
	if ch == nil {
		panic("nil channel")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:      opts.id(),
		path:    opts.path(),
		ch:      ch,
		log:     opts.logFunc(),
		newID:   opts.newID(),
		timeout: opts.callTimeout(),
		sem:     semaphore.NewWeighted(opts.concurrency()),
		limiter: opts.limiter(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		work:    make(chan struct{}, 1),
		inq:     queue.New[inbound](),
		pending: make(map[string]*pending),
	}
}

// ID returns the application-assigned identifier of c.
func (c *Conn) ID() string { return c.id }

// Path returns the path by which c was addressed, if known.
func (c *Conn) Path() string { return c.path }

// Start begins processing inbound messages on c and returns c. Start does
// not block. This function will panic if c has already been started.
func (c *Conn) Start() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		panic("connection is already started")
	}
	c.started = true
	if c.closed {
		return c
	}
	connsActiveGauge.Add(1)

	// c.wg waits for the reader and the dispatch loop, and each inbound unit
	// of work adds a goroutine while it runs.
	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.read() }()
	go func() { defer c.wg.Done(); c.serve() }()
	return c
}

// OnRequest adds a listener for inbound requests. Listeners are called in
// order of registration. The first to complete the Responder determines the
// reply; if no listeners are registered, the reply is MethodNotFound.
func (c *Conn) OnRequest(f RequestListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReq = append(c.onReq, f)
}

// OnNotify adds a listener for inbound notifications. Listeners are called
// in order of registration.
func (c *Conn) OnNotify(f NotifyListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNote = append(c.onNote, f)
}

// OnClose adds a listener that is called once when c closes. If c has
// already closed, f is called immediately.
func (c *Conn) OnClose(f CloseListener) {
	c.mu.Lock()
	if c.closed {
		code, reason := c.status, c.reason
		c.mu.Unlock()
		f(code, reason)
		return
	}
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

// OnError adds a listener for transport failures on c.
func (c *Conn) OnError(f ErrorListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, f)
}

// Call initiates a single request to the peer and blocks until the response
// returns, ctx ends, the call deadline elapses, or c closes. A method name
// beginning with "rpc." is sent as an internal request.
//
// If err == nil, rsp is the successful response. An error reported by the
// peer has concrete type *Error; an elapsed deadline has type *TimeoutError.
func (c *Conn) Call(ctx context.Context, method string, params any) (*Response, error) {
	return c.call(ctx, ParseName(method), params, c.timeout)
}

// CallTimeout is as Call, but with the given deadline in place of the
// connection default. A timeout ≤ 0 disables the deadline.
func (c *Conn) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	return c.call(ctx, ParseName(method), params, timeout)
}

// CallInternal is as Call, but always sends an internal request. The "rpc."
// prefix is added to method if it is not already present.
func (c *Conn) CallInternal(ctx context.Context, method string, params any) (*Response, error) {
	return c.call(ctx, InternalName(method), params, c.timeout)
}

// CallResult invokes Call with the given method and params. If it succeeds,
// the result is decoded into result.
func (c *Conn) CallResult(ctx context.Context, method string, params, result any) error {
	rsp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	return rsp.UnmarshalResult(result)
}

// Notify transmits a notification to the peer. It returns once the
// transport has accepted the message; it does not report whether the peer
// handled it.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	return c.notify(ctx, ParseName(method), params)
}

// NotifyInternal is as Notify, but always sends an internal notification.
func (c *Conn) NotifyInternal(ctx context.Context, method string, params any) error {
	return c.notify(ctx, InternalName(method), params)
}

func (c *Conn) notify(ctx context.Context, name Name, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bits, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.sendNotification(name, bits)
}

// sendNotification transmits a notification with pre-encoded parameters.
func (c *Conn) sendNotification(name Name, params json.RawMessage) error {
	err := c.send(&Message{Kind: callKind(name, false), Name: name, Params: params})
	if err == nil {
		notesSentCount.Add(1)
	}
	return err
}

func (c *Conn) call(ctx context.Context, name Name, params any, timeout time.Duration) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bits, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id := c.newID()
	key := string(id)
	p := &pending{ch: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	} else if c.pending[key] != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate request ID %s", key)
	}
	c.pending[key] = p
	c.mu.Unlock()

	// Record the call before sending it, so that a prompt reply finds it, but
	// do not arm the deadline unless the send succeeded.
	if err := c.send(&Message{Kind: callKind(name, true), ID: id, Name: name, Params: bits}); err != nil {
		c.abandon(key)
		return nil, err
	}
	callsIssuedCount.Add(1)
	if timeout > 0 {
		c.mu.Lock()
		if c.pending[key] == p {
			p.timer = time.AfterFunc(timeout, func() { c.expire(key, p, name, timeout) })
		}
		c.mu.Unlock()
	}

	var r result
	select {
	case r = <-p.ch:
	case <-ctx.Done():
		if c.abandon(key) {
			return nil, ctx.Err()
		}
		r = <-p.ch // a reply won the race
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.rsp, nil
}

// abandon removes the pending call with the given key, and reports whether
// it was still pending.
func (c *Conn) abandon(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	return ok
}

// expire fails the pending call p if it has not already completed.
func (c *Conn) expire(key string, p *pending, name Name, timeout time.Duration) {
	c.mu.Lock()
	if c.pending[key] != p {
		c.mu.Unlock()
		return // too late
	}
	delete(c.pending, key)
	c.mu.Unlock()

	callsTimedOut.Add(1)
	c.log.Printf("Call %q (id %s) timed out after %v", name.Wire(), key, timeout)
	p.ch <- result{err: &TimeoutError{Method: name.Wire(), Timeout: timeout}}
}

// Pending reports the number of outbound calls awaiting replies.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes c with a normal closure status. See CloseWith.
func (c *Conn) Close() error { return c.CloseWith(channel.StatusNormal, "") }

// CloseWith closes the channel with the given status and reason, and shuts
// down c.  All calls still pending on c fail with ErrConnClosed before
// CloseWith returns.  It is safe to call CloseWith more than once; only the
// first call has any effect on the reported status.
func (c *Conn) CloseWith(code channel.Status, reason string) error {
	return c.stop(&channel.ClosedError{Code: code, Reason: reason}, true)
}

// Done returns a channel that is closed once c has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Status reports the close status of c. It is meaningful only after c has
// shut down.
func (c *Conn) Status() (channel.Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.reason
}

// Wait blocks until c has shut down and all of its goroutines, including
// running handlers, have returned.
func (c *Conn) Wait() {
	<-c.done
	c.wg.Wait()
}

// stop shuts down c and records the close status derived from err. If local
// is true, the channel is closed with that status; otherwise the peer or the
// transport has already closed it. Only the first call has any effect.
// The caller must not hold c.mu.
func (c *Conn) stop(err error, local bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.status, c.reason = channel.StatusOf(err)
	pend := c.pending
	c.pending = make(map[string]*pending)
	for _, p := range pend {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.inq.Clear()
	close(c.work)
	onClose := slices.Clone(c.onClose)
	onError := slices.Clone(c.onError)
	started := c.started
	c.mu.Unlock()

	c.cancel()
	var cerr error
	if local {
		cerr = channel.Close(c.ch, c.status, c.reason)
	} else {
		c.ch.Close()
	}
	c.log.Printf("Connection %q closed: status %d %q (%d calls abandoned)", c.id, c.status, c.reason, len(pend))
	for _, p := range pend {
		p.ch <- result{err: ErrConnClosed}
	}
	if started {
		connsActiveGauge.Add(-1)
	}
	if !local && !c.status.IsClean() {
		for _, f := range onError {
			f(err)
		}
	}
	for _, f := range onClose {
		f(c.status, c.reason)
	}
	close(c.done)
	return cerr
}

// send encodes and transmits a single message or batch.
func (c *Conn) send(m *Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	bits, err := Encode(m)
	if err != nil {
		return err
	}
	if err := c.ch.Send(bits); err != nil {
		return err
	}
	bytesWrittenCount.Add(int64(len(bits)))
	return nil
}

// read is the main receiver loop. Replies are delivered to pending calls
// directly; inbound calls and invalid messages are queued for dispatch.
func (c *Conn) read() {
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				c.stop(err, false)
				return
			}
		}
		bits, err := c.ch.Recv()
		if err != nil {
			c.stop(err, false)
			return
		}
		bytesReadCount.Add(int64(len(bits)))

		msg, derr := Decode(bits)
		if derr != nil {
			c.log.Printf("Invalid message from %q: %v", c.id, derr)
			if msg == nil {
				msg = new(Message)
			}
			msg.Kind = KindInvalid
			if msg.Invalid == nil {
				msg.Invalid = Errorf(code.FromError(derr), "%s", errorMessage(derr))
			}
			c.enqueue(inbound{msgs: []*Message{msg}})
			continue
		}
		c.route(msg)
	}
}

// errorMessage returns the message text of err, without the code prefix if
// it is an *Error.
func errorMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// route delivers the replies in msg and queues the remainder for dispatch.
func (c *Conn) route(msg *Message) {
	switch {
	case msg.Kind.IsReply():
		c.deliver(msg)

	case msg.Kind == KindBatch:
		var keep []*Message
		for _, elt := range msg.Batch {
			if elt.Kind.IsReply() {
				c.deliver(elt)
			} else {
				keep = append(keep, elt)
			}
		}
		if len(keep) != 0 {
			c.enqueue(inbound{msgs: keep, batch: true})
		}

	default:
		c.enqueue(inbound{msgs: []*Message{msg}})
	}
}

// deliver completes the pending call matching the ID of reply msg. Replies
// for unknown IDs, including calls that already timed out, are discarded.
func (c *Conn) deliver(msg *Message) {
	key := string(msg.ID)
	c.mu.Lock()
	p := c.pending[key]
	if p != nil {
		delete(c.pending, key)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	if p == nil {
		c.log.Printf("Discarding %v for unknown ID %s", msg.Kind, key)
		return
	}
	if msg.Kind == KindError {
		p.ch <- result{err: msg.Error}
	} else {
		p.ch <- result{rsp: &Response{id: key, result: msg.Result}}
	}
}

func (c *Conn) enqueue(in inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	rpcRequestsCount.Add(int64(len(in.msgs)))
	c.inq.Add(in)
	select {
	case c.work <- struct{}{}:
	default:
	}
}

// serve removes inbound work from the queue and dispatches each unit in its
// own goroutine, until c closes.
func (c *Conn) serve() {
	for {
		in, ok := c.next()
		if !ok {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch(in)
		}()
	}
}

// next blocks until inbound work is available or c closes.
func (c *Conn) next() (inbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed && c.inq.IsEmpty() {
		c.mu.Unlock()
		<-c.work
		c.mu.Lock()
	}
	if c.closed {
		return inbound{}, false
	}
	return c.inq.Pop()
}

// dispatch handles the calls of a unit of inbound work concurrently, and
// sends the replies (if any) back to the peer.
func (c *Conn) dispatch(in inbound) {
	replies := make([]*Message, len(in.msgs))
	if len(in.msgs) == 1 {
		replies[0] = c.handle(in.msgs[0])
	} else {
		var wg sync.WaitGroup
		for i, msg := range in.msgs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				replies[i] = c.handle(msg)
			}()
		}
		wg.Wait()
	}

	var out []*Message
	for _, rsp := range replies {
		if rsp != nil {
			out = append(out, rsp)
		}
	}
	if len(out) == 0 {
		return // nothing to say, e.g., all notifications
	}
	reply := out[0]
	if in.batch {
		reply = &Message{Kind: KindBatch, Batch: out}
	}
	if err := c.send(reply); err != nil && !errors.Is(err, ErrConnClosed) {
		c.log.Printf("Sending reply to %q: %v", c.id, err)
		c.reportError(err)
	}
}

func (c *Conn) reportError(err error) {
	c.mu.Lock()
	onError := slices.Clone(c.onError)
	c.mu.Unlock()
	for _, f := range onError {
		f(err)
	}
}

// handle processes one inbound call and returns its reply, or nil if it
// needs none.
func (c *Conn) handle(msg *Message) *Message {
	switch msg.Kind {
	case KindInvalid:
		rpcErrorsCount.Add(1)
		if msg.isMalformedReply() {
			c.log.Printf("Dropping malformed reply from %q: %v", c.id, msg.Invalid)
			return nil
		}
		return &Message{Kind: KindError, ID: msg.ID, Error: msg.Invalid}
	case KindRequest, KindInternalRequest:
		return c.handleRequest(msg)
	case KindNotification, KindInternalNotification:
		c.handleNotify(msg)
		return nil
	default:
		// The reader routes only calls and invalid messages here; anything
		// else means the codec and the dispatcher disagree.
		panic(fmt.Sprintf("wsrpc: unhandled message kind %v", msg.Kind))
	}
}

func (c *Conn) requestContext(req *Request) context.Context {
	ctx := context.WithValue(c.ctx, connKey{}, c)
	return context.WithValue(ctx, inboundRequestKey{}, req)
}

func (c *Conn) handleRequest(msg *Message) *Message {
	req := &Request{id: msg.ID, name: msg.Name, params: msg.Params}
	ctx := c.requestContext(req)
	rsp := newResponder()

	c.mu.Lock()
	listeners := slices.Clone(c.onReq)
	c.mu.Unlock()

	if len(listeners) == 0 {
		rsp.Fail(errMethodNotFound(req.Method()))
	} else if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil // the connection closed
	} else {
		func() {
			defer c.sem.Release(1)
			defer func() {
				if p := recover(); p != nil {
					c.log.Printf("Request listener panicked for %q: %v", req.Method(), p)
					rsp.Fail(fmt.Errorf("panic in handler: %v", p))
				}
			}()
			for _, f := range listeners {
				f(ctx, req, rsp)
			}
		}()
	}

	select {
	case <-rsp.done:
	case <-c.ctx.Done():
		return nil // no reply is possible
	}
	if rsp.err != nil {
		rpcErrorsCount.Add(1)
	}
	return rsp.reply(msg.ID)
}

func (c *Conn) handleNotify(msg *Message) {
	req := &Request{name: msg.Name, params: msg.Params}
	ctx := c.requestContext(req)

	c.mu.Lock()
	listeners := slices.Clone(c.onNote)
	c.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			c.log.Printf("Notification listener panicked for %q: %v", req.Method(), p)
		}
	}()
	for _, f := range listeners {
		f(ctx, req)
	}
}

func errMethodNotFound(method string) *Error {
	return (&Error{Code: code.MethodNotFound, Message: code.MethodNotFound.String()}).WithData(method)
}
