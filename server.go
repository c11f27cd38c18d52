// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/creachadair/wsrpc/channel"
	"golang.org/x/sync/errgroup"
)

// A Server accepts connections and binds each to a namespace selected by the
// path of the connection. Namespaces are created on first use. Each accepted
// connection is registered under an identifier, which the peer may supply
// in a query parameter of the upgrade request.
//
// A Server implements http.Handler; mount it at the paths that should accept
// WebSocket connections.
type Server struct {
	log       Logger
	idParam   string
	newConnID func() string
	nsOpts    *NamespaceOptions
	connOpts  *ConnOptions
	accept    *channel.AcceptOptions

	mu      sync.Mutex
	closed  bool
	nspaces map[string]*Namespace
	conns   map[string]*Conn
}

// NewServer returns a new server with no namespaces and no connections.
func NewServer(opts *ServerOptions) *Server {
	return &Server{
		log:       opts.logFunc(),
		idParam:   opts.idParam(),
		newConnID: opts.newConnID(),
		nsOpts:    opts.nsOptions(),
		connOpts:  opts.connOptions(),
		accept:    opts.acceptOptions(),
		nspaces:   make(map[string]*Namespace),
		conns:     make(map[string]*Conn),
	}
}

// nsName returns the namespace name for a path, where empty means "/".
func nsName(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it
// until it closes. The path of the request names the namespace, and the
// configured query parameter (default "socket_id") supplies the connection
// identifier.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ch, err := channel.Accept(w, req, s.accept)
	if err != nil {
		s.log.Printf("Upgrade failed for %s: %v", req.RemoteAddr, err)
		return
	}
	c, err := s.Accept(ch, req.URL.Path, req.URL.Query().Get(s.idParam))
	if err != nil {
		s.log.Printf("Rejected connection from %s: %v", req.RemoteAddr, err)
		return
	}
	<-c.Done()
}

// Accept binds a connection over ch to the namespace for path, registers it
// under id, and starts it. If id == "", an identifier is generated. If id is
// already in use, ch is closed with a policy violation status and Accept
// reports ErrDuplicateID. If the generator yields no unused identifier after
// a few tries, ch is closed and Accept reports ErrNoConnID.
func (s *Server) Accept(ch channel.Channel, path, id string) (*Conn, error) {
	path = nsName(path)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		channel.Close(ch, channel.StatusGoingAway, "server is closed")
		return nil, ErrConnClosed
	}
	if id == "" {
		if id = s.uniqueIDLocked(); id == "" {
			s.mu.Unlock()
			channel.Close(ch, channel.StatusInternalError, ErrNoConnID.Error())
			return nil, ErrNoConnID
		}
	} else if s.conns[id] != nil {
		s.mu.Unlock()
		channel.Close(ch, channel.StatusPolicyViolation, ErrDuplicateID.Error())
		return nil, ErrDuplicateID
	}
	ns := s.namespaceLocked(path)
	c := NewConn(ch, s.connOpts.withIdentity(id, path))
	s.conns[id] = c
	s.mu.Unlock()

	c.OnClose(func(channel.Status, string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conns[id] == c {
			delete(s.conns, id)
		}
	})
	if err := ns.AddClient(c); err != nil {
		c.CloseWith(channel.StatusGoingAway, err.Error())
		return nil, err
	}
	s.log.Printf("Accepted connection %q on namespace %q", id, path)
	return c.Start(), nil
}

// maxIDAttempts bounds the calls to the identifier generator per connection.
const maxIDAttempts = 16

// uniqueIDLocked returns an unused identifier from the generator, or "" if
// none was found within maxIDAttempts.
func (s *Server) uniqueIDLocked() string {
	for range maxIDAttempts {
		if id := s.newConnID(); id != "" && s.conns[id] == nil {
			return id
		}
	}
	return ""
}

// Namespace returns the namespace with the given name, creating it if it does
// not exist. An empty name means "/".
func (s *Server) Namespace(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespaceLocked(nsName(name))
}

func (s *Server) namespaceLocked(name string) *Namespace {
	ns, ok := s.nspaces[name]
	if !ok {
		ns = NewNamespace(name, s.nsOpts)
		s.nspaces[name] = ns
	}
	return ns
}

// CreateNamespace creates a new namespace with the given name. It reports
// ErrNamespaceExists if the name is already in use.
func (s *Server) CreateNamespace(name string) (*Namespace, error) {
	name = nsName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nspaces[name]; ok {
		return nil, ErrNamespaceExists
	}
	ns := NewNamespace(name, s.nsOpts)
	s.nspaces[name] = ns
	return ns, nil
}

// CloseNamespace closes every connection bound to the named namespace and
// discards it. It reports whether the namespace existed.
func (s *Server) CloseNamespace(name string) bool {
	name = nsName(name)
	s.mu.Lock()
	ns, ok := s.nspaces[name]
	delete(s.nspaces, name)
	s.mu.Unlock()
	if ok {
		ns.Close()
	}
	return ok
}

// NamespaceNames returns the names of the namespaces of s in sorted order.
func (s *Server) NamespaceNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.nspaces))
	for name := range s.nspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client returns the connection registered under id, or nil.
func (s *Server) Client(id string) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// Clients returns the open connections of s ordered by identifier.
func (s *Server) Clients() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RegisterMethod registers h as the public method name in namespace ns.
func (s *Server) RegisterMethod(ns, name string, h Handler) error {
	return s.Namespace(ns).RegisterMethod(name, h)
}

// RegisterInternalMethod registers h as the internal method name in
// namespace ns.
func (s *Server) RegisterInternalMethod(ns, name string, h Handler) error {
	return s.Namespace(ns).RegisterInternalMethod(name, h)
}

// UnregisterMethod removes the public method name from namespace ns.
func (s *Server) UnregisterMethod(ns, name string) error {
	return s.Namespace(ns).UnregisterMethod(name)
}

// UnregisterInternalMethod removes the internal method name from namespace ns.
func (s *Server) UnregisterInternalMethod(ns, name string) error {
	return s.Namespace(ns).UnregisterInternalMethod(name)
}

// RegisterNotification adds public topics to namespace ns.
func (s *Server) RegisterNotification(ns string, names ...string) error {
	return s.Namespace(ns).RegisterNotification(names...)
}

// RegisterInternalNotification adds internal topics to namespace ns.
func (s *Server) RegisterInternalNotification(ns string, names ...string) error {
	return s.Namespace(ns).RegisterInternalNotification(names...)
}

// UnregisterNotification removes public topics from namespace ns.
func (s *Server) UnregisterNotification(ns string, names ...string) error {
	return s.Namespace(ns).UnregisterNotification(names...)
}

// UnregisterInternalNotification removes internal topics from namespace ns.
func (s *Server) UnregisterInternalNotification(ns string, names ...string) error {
	return s.Namespace(ns).UnregisterInternalNotification(names...)
}

// Notify broadcasts a notification for the public topic name in every
// namespace of s. The namespaces are notified concurrently, and Notify
// returns when all have finished, reporting the first error.
func (s *Server) Notify(ctx context.Context, name string, params any) error {
	return s.broadcast(func(ns *Namespace) error { return ns.Notify(ctx, name, params) })
}

// NotifyInternal is as Notify, but for an internal topic.
func (s *Server) NotifyInternal(ctx context.Context, name string, params any) error {
	return s.broadcast(func(ns *Namespace) error { return ns.NotifyInternal(ctx, name, params) })
}

func (s *Server) broadcast(f func(*Namespace) error) error {
	s.mu.Lock()
	nss := make([]*Namespace, 0, len(s.nspaces))
	for _, ns := range s.nspaces {
		nss = append(nss, ns)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, ns := range nss {
		g.Go(func() error { return f(ns) })
	}
	return g.Wait()
}

// Close closes every connection of s with a going-away status, discards all
// namespaces, and refuses further connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	nss := s.nspaces
	s.nspaces = make(map[string]*Namespace)
	s.mu.Unlock()

	for _, ns := range nss {
		ns.closeWith(channel.StatusGoingAway, "server shutting down")
	}
}
