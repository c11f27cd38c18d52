// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/creachadair/wsrpc/channel"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"
)

// A Handler executes a method in a namespace. The connection on which the
// request arrived is available from ctx via ConnFromContext.
//
// If the handler returns a nil error, its result is encoded as the reply.
// An error of concrete type *Error is sent to the caller as-is; an error that
// carries a code (see code.Coder) keeps its code; any other error is reported
// as an internal error whose data is the error text.
type Handler func(ctx context.Context, req *Request) (any, error)

// A Namespace is a named registry of methods and notification topics shared
// by the connections bound to it. Each topic records the set of connections
// subscribed to it.
//
// A Namespace is safe for concurrent use by multiple goroutines.
type Namespace struct {
	name   string
	strict bool
	log    Logger

	mu      sync.RWMutex
	closed  bool
	methods map[Name]Handler
	topics  map[Name]mapset.Set[*Conn] // topic → subscribers
	clients mapset.Set[*Conn]          // bound connections
	onNote  []NotifyListener
}

// NewNamespace constructs a new empty namespace with the given name. The
// internal methods rpc.listMethods, rpc.listEvents, rpc.on and rpc.off are
// registered on every namespace.
func NewNamespace(name string, opts *NamespaceOptions) *Namespace {
	ns := &Namespace{
		name:    name,
		strict:  opts.strict(),
		log:     opts.logFunc(),
		methods: make(map[Name]Handler),
		topics:  make(map[Name]mapset.Set[*Conn]),
		clients: mapset.NewSet[*Conn](),
	}
	ns.installBuiltins()
	return ns
}

// Name returns the name of ns.
func (ns *Namespace) Name() string { return ns.name }

// publicName checks that name is usable as a public method or topic.
func publicName(name string) (Name, error) {
	if name == "" {
		return Name{}, ErrInvalidName
	} else if strings.HasPrefix(name, internalPrefix) {
		return Name{}, fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return PublicName(name), nil
}

// internalName checks that name is usable as an internal method or topic.
func internalName(name string) (Name, error) {
	n := InternalName(name)
	if n.Base == "" {
		return Name{}, ErrInvalidName
	}
	return n, nil
}

// RegisterMethod registers h as the handler for the public method name.
// Names with the reserved "rpc." prefix are rejected with ErrReservedName.
// A previous registration of the same name is replaced.
//
// This method will panic if h == nil.
func (ns *Namespace) RegisterMethod(name string, h Handler) error {
	n, err := publicName(name)
	if err != nil {
		return err
	}
	return ns.register(n, h)
}

// RegisterInternalMethod registers h as the handler for the internal method
// name. The "rpc." prefix is optional.
//
// This method will panic if h == nil.
func (ns *Namespace) RegisterInternalMethod(name string, h Handler) error {
	n, err := internalName(name)
	if err != nil {
		return err
	}
	return ns.register(n, h)
}

func (ns *Namespace) register(n Name, h Handler) error {
	if h == nil {
		panic("nil handler")
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.methods[n] = h
	return nil
}

// UnregisterMethod removes the public method name, if it is registered.
func (ns *Namespace) UnregisterMethod(name string) error {
	n, err := publicName(name)
	if err != nil {
		return err
	}
	ns.unregister(n)
	return nil
}

// UnregisterInternalMethod removes the internal method name, if it is
// registered.
func (ns *Namespace) UnregisterInternalMethod(name string) error {
	n, err := internalName(name)
	if err != nil {
		return err
	}
	ns.unregister(n)
	return nil
}

func (ns *Namespace) unregister(n Name) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.methods, n)
}

// RegisterNotification adds the given public notification topics to ns.
// Topics already registered keep their subscribers. If any name is invalid,
// no topics are added.
func (ns *Namespace) RegisterNotification(names ...string) error {
	return ns.addTopics(names, publicName)
}

// RegisterInternalNotification adds the given internal notification topics
// to ns. The "rpc." prefix is optional.
func (ns *Namespace) RegisterInternalNotification(names ...string) error {
	return ns.addTopics(names, internalName)
}

func (ns *Namespace) addTopics(names []string, parse func(string) (Name, error)) error {
	ts, err := parseNames(names, parse)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, t := range ts {
		if _, ok := ns.topics[t]; !ok {
			ns.topics[t] = mapset.NewSet[*Conn]()
		}
	}
	return nil
}

// UnregisterNotification removes the given public topics and their
// subscriber sets from ns.
func (ns *Namespace) UnregisterNotification(names ...string) error {
	return ns.dropTopics(names, publicName)
}

// UnregisterInternalNotification removes the given internal topics and their
// subscriber sets from ns.
func (ns *Namespace) UnregisterInternalNotification(names ...string) error {
	return ns.dropTopics(names, internalName)
}

func (ns *Namespace) dropTopics(names []string, parse func(string) (Name, error)) error {
	ts, err := parseNames(names, parse)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, t := range ts {
		delete(ns.topics, t)
	}
	return nil
}

func parseNames(names []string, parse func(string) (Name, error)) ([]Name, error) {
	out := make([]Name, len(names))
	for i, s := range names {
		n, err := parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// Methods returns the names of the public methods of ns in sorted order.
func (ns *Namespace) Methods() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return wireNames(ns.methods, Public)
}

// InternalMethods returns the wire names of the internal methods of ns, with
// their "rpc." prefix, in sorted order.
func (ns *Namespace) InternalMethods() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return wireNames(ns.methods, Internal)
}

// Notifications returns the names of the public topics of ns in sorted order.
func (ns *Namespace) Notifications() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return wireNames(ns.topics, Public)
}

// InternalNotifications returns the wire names of the internal topics of ns,
// with their "rpc." prefix, in sorted order.
func (ns *Namespace) InternalNotifications() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return wireNames(ns.topics, Internal)
}

func wireNames[V any](m map[Name]V, scope Scope) []string {
	names := []string{}
	for n := range m {
		if n.Scope == scope {
			names = append(names, n.Wire())
		}
	}
	sort.Strings(names)
	return names
}

// Notify sends a notification for the public topic name to the connections
// of ns. If ns delivers notifications strictly (the default), only the
// subscribers of the topic receive it, and a topic that is not registered
// has no subscribers; otherwise every bound connection receives it.
//
// The sends proceed concurrently. Notify returns once all of them have
// completed, reporting the first error if any failed. A failed send does
// not prevent delivery to other connections.
func (ns *Namespace) Notify(ctx context.Context, name string, params any) error {
	n, err := publicName(name)
	if err != nil {
		return err
	}
	return ns.notify(ctx, n, params)
}

// NotifyInternal is as Notify, but for an internal topic.
func (ns *Namespace) NotifyInternal(ctx context.Context, name string, params any) error {
	n, err := internalName(name)
	if err != nil {
		return err
	}
	return ns.notify(ctx, n, params)
}

func (ns *Namespace) notify(ctx context.Context, n Name, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bits, err := marshalParams(params)
	if err != nil {
		return err
	}

	// The recipients are those present when the notification is issued.
	// Changes to the subscriber set after this point do not affect delivery.
	targets := ns.targets(n)
	if len(targets) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, c := range targets {
		g.Go(func() error { return c.sendNotification(n, bits) })
	}
	return g.Wait()
}

func (ns *Namespace) targets(n Name) []*Conn {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if !ns.strict {
		return ns.clients.ToSlice()
	} else if subs, ok := ns.topics[n]; ok {
		return subs.ToSlice()
	}
	return nil
}

// AddClient binds c to ns. Requests and notifications arriving on c are
// handled by ns, and c is removed from ns and from every topic when it
// closes. AddClient should be called before c is started.
func (ns *Namespace) AddClient(c *Conn) error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return ErrNamespaceClosed
	}
	ns.clients.Add(c)
	ns.mu.Unlock()

	c.OnRequest(ns.handleRequest)
	c.OnNotify(ns.handleNotify)
	c.OnClose(func(channel.Status, string) { ns.removeClient(c) })
	return nil
}

func (ns *Namespace) removeClient(c *Conn) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.clients.Remove(c)
	for _, subs := range ns.topics {
		subs.Remove(c)
	}
}

// Clients returns the connections currently bound to ns, in no particular
// order.
func (ns *Namespace) Clients() []*Conn {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.clients.ToSlice()
}

// Subscribers returns the connections subscribed to the topic with the given
// wire name, in no particular order.
func (ns *Namespace) Subscribers(topic string) []*Conn {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if subs, ok := ns.topics[ParseName(topic)]; ok {
		return subs.ToSlice()
	}
	return nil
}

// OnNotify adds a listener for notifications sent by the connections of ns.
func (ns *Namespace) OnNotify(f NotifyListener) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.onNote = append(ns.onNote, f)
}

// Close closes every connection bound to ns with a normal closure, and marks
// ns closed so that no further connections can be bound.
func (ns *Namespace) Close() { ns.closeWith(channel.StatusNormal, "namespace closed") }

func (ns *Namespace) closeWith(code channel.Status, reason string) {
	ns.mu.Lock()
	ns.closed = true
	conns := ns.clients.ToSlice()
	ns.mu.Unlock()

	for _, c := range conns {
		c.CloseWith(code, reason)
	}
}

// subscribe adds c to the subscriber sets of the named topics, and reports
// the status of each name. A connection no longer bound to ns cannot
// subscribe, and every topic is reported invalid for it.
func (ns *Namespace) subscribe(c *Conn, topics []string, on bool) map[string]string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	bound := ns.clients.Contains(c)
	res := make(map[string]string, len(topics))
	for _, t := range topics {
		subs, ok := ns.topics[ParseName(t)]
		if !ok {
			res[t] = statusInvalidEvent
			continue
		}
		if !on {
			subs.Remove(c)
		} else if bound {
			subs.Add(c)
		} else {
			res[t] = statusInvalidEvent
			continue
		}
		res[t] = statusOK
	}
	return res
}

func (ns *Namespace) handleRequest(ctx context.Context, req *Request, rsp Responder) {
	if rsp.IsComplete() {
		return // another listener replied
	}
	ns.mu.RLock()
	h := ns.methods[req.Name()]
	ns.mu.RUnlock()
	if h == nil {
		rsp.Fail(errMethodNotFound(req.Method()))
		return
	}

	result, err := ns.invoke(ctx, h, req)
	if err != nil {
		rsp.Fail(handlerError(err))
	} else {
		rsp.Complete(result)
	}
}

func (ns *Namespace) invoke(ctx context.Context, h Handler, req *Request) (_ any, err error) {
	defer func() {
		if p := recover(); p != nil {
			ns.log.Printf("Handler for %q in %q panicked: %v", req.Method(), ns.name, p)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, req)
}

func (ns *Namespace) handleNotify(ctx context.Context, req *Request) {
	ns.mu.RLock()
	listeners := slices.Clone(ns.onNote)
	ns.mu.RUnlock()
	for _, f := range listeners {
		f(ctx, req)
	}
}
