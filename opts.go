// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/creachadair/wsrpc/channel"
	"golang.org/x/time/rate"
)

// DefaultCallTimeout is the deadline applied to calls when no other timeout
// is configured.
const DefaultCallTimeout = 60 * time.Second

// DefaultIDParam is the query parameter from which a server reads the
// identifier of a new connection.
const DefaultIDParam = "socket_id"

// A Logger records text logs from a connection, namespace, server or client.
// A nil logger discards text log input.
type Logger func(text string)

// Printf writes a formatted message to the logger. If lg == nil, the message
// is discarded.
func (lg Logger) Printf(msg string, args ...any) {
	if lg != nil {
		lg(fmt.Sprintf(msg, args...))
	}
}

// StdLogger adapts a *log.Logger to a Logger. If logger == nil, the returned
// function sends logs to the default logger.
func StdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return func(text string) { log.Output(2, text) }
	}
	return func(text string) { logger.Output(2, text) }
}

// ConnOptions control the behaviour of a connection created by NewConn.
// A nil *ConnOptions provides sensible defaults.
type ConnOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// An application-assigned identifier for the connection.
	ID string

	// The path by which the connection was addressed, if any.
	Path string

	// If not nil, this function is called to generate the identifier of each
	// outbound call. Identifiers are sent as JSON strings. By default, calls
	// are numbered by a process-wide counter.
	NewID func() string

	// The deadline for calls that do not specify their own. If zero, the
	// default is DefaultCallTimeout; a negative value disables the deadline.
	CallTimeout time.Duration

	// Allows up to the specified number of inbound requests to execute
	// handlers concurrently. A value less than 1 uses runtime.NumCPU().
	Concurrency int

	// If positive, limit inbound messages to this many per second, with
	// bursts up to RateBurst (minimum 1).
	RateLimit rate.Limit
	RateBurst int
}

func (o *ConnOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *ConnOptions) id() string {
	if o == nil {
		return ""
	}
	return o.ID
}

func (o *ConnOptions) path() string {
	if o == nil {
		return ""
	}
	return o.Path
}

// nextCallID numbers outbound calls process-wide.
var nextCallID atomic.Int64

func (o *ConnOptions) newID() func() json.RawMessage {
	if o == nil || o.NewID == nil {
		return func() json.RawMessage {
			return json.RawMessage(strconv.FormatInt(nextCallID.Add(1), 10))
		}
	}
	gen := o.NewID
	return func() json.RawMessage {
		bits, _ := json.Marshal(gen())
		return bits
	}
}

func (o *ConnOptions) callTimeout() time.Duration {
	if o == nil || o.CallTimeout == 0 {
		return DefaultCallTimeout
	}
	return o.CallTimeout
}

func (o *ConnOptions) concurrency() int64 {
	if o == nil || o.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(o.Concurrency)
}

func (o *ConnOptions) limiter() *rate.Limiter {
	if o == nil || o.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(o.RateLimit, max(o.RateBurst, 1))
}

// withIdentity returns a copy of o with the given identifier and path.
func (o *ConnOptions) withIdentity(id, path string) *ConnOptions {
	var cp ConnOptions
	if o != nil {
		cp = *o
	}
	cp.ID, cp.Path = id, path
	return &cp
}

// NamespaceOptions control the behaviour of a namespace created by
// NewNamespace. A nil *NamespaceOptions provides sensible defaults.
type NamespaceOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// If true, notifications are delivered to every connection bound to the
	// namespace, whether or not it subscribed to the topic. By default only
	// subscribed connections receive a notification.
	LaxNotifications bool
}

func (o *NamespaceOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *NamespaceOptions) strict() bool { return o == nil || !o.LaxNotifications }

// ServerOptions control the behaviour of a server created by NewServer.
// A nil *ServerOptions provides sensible defaults.
type ServerOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// The query parameter from which the identifier of a new connection is
	// read. If empty, DefaultIDParam is used.
	IDParam string

	// If not nil, this function generates identifiers for connections that do
	// not present one. By default connections are numbered.
	NewConnID func() string

	// If true, namespaces deliver notifications to all bound connections
	// regardless of subscription (see NamespaceOptions).
	LaxNotifications bool

	// Options applied to each accepted connection. The ID and Path fields are
	// set by the server.
	Conn *ConnOptions

	// Options for the WebSocket upgrade.
	Accept *channel.AcceptOptions
}

func (o *ServerOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *ServerOptions) idParam() string {
	if o == nil || o.IDParam == "" {
		return DefaultIDParam
	}
	return o.IDParam
}

// nextConnID numbers server connections process-wide.
var nextConnID atomic.Int64

func (o *ServerOptions) newConnID() func() string {
	if o == nil || o.NewConnID == nil {
		return func() string { return "c" + strconv.FormatInt(nextConnID.Add(1), 10) }
	}
	return o.NewConnID
}

func (o *ServerOptions) nsOptions() *NamespaceOptions {
	return &NamespaceOptions{
		Logger:           o.logFunc(),
		LaxNotifications: o != nil && o.LaxNotifications,
	}
}

func (o *ServerOptions) connOptions() *ConnOptions {
	if o == nil {
		return nil
	}
	return o.Conn
}

func (o *ServerOptions) acceptOptions() *channel.AcceptOptions {
	if o == nil {
		return nil
	}
	return o.Accept
}

// DefaultReconnectInterval is the delay between reconnection attempts when
// no other interval is configured.
const DefaultReconnectInterval = time.Second

// ClientOptions control the behaviour of a client created by NewClient.
// A nil *ClientOptions provides sensible defaults.
type ClientOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// If true, the client does not reconnect after an abnormal close.
	NoReconnect bool

	// The maximum number of consecutive reconnection attempts. Zero means
	// there is no limit.
	MaxReconnects int

	// The delay before each reconnection attempt. If zero, the default is
	// DefaultReconnectInterval.
	ReconnectInterval time.Duration

	// If true, Subscribe and Unsubscribe do not contact the server, and report
	// success for every topic.
	LaxSubscriptions bool

	// Options applied to each connection the client establishes.
	Conn *ConnOptions

	// If not nil, this function is used to establish each connection in place
	// of dialing the client URL. This is intended for testing and for
	// transports other than WebSocket.
	Dial func(ctx context.Context) (channel.Channel, error)

	// Options for dialing the client URL. Ignored if Dial is set.
	DialOptions *channel.DialOptions
}

func (o *ClientOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *ClientOptions) reconnect() bool { return o == nil || !o.NoReconnect }

func (o *ClientOptions) maxReconnects() int {
	if o == nil || o.MaxReconnects < 0 {
		return 0
	}
	return o.MaxReconnects
}

func (o *ClientOptions) reconnectInterval() time.Duration {
	if o == nil || o.ReconnectInterval <= 0 {
		return DefaultReconnectInterval
	}
	return o.ReconnectInterval
}

func (o *ClientOptions) strictSubscriptions() bool { return o == nil || !o.LaxSubscriptions }

func (o *ClientOptions) connOptions() *ConnOptions {
	if o == nil {
		return nil
	}
	return o.Conn
}

func (o *ClientOptions) dialer(url string) func(context.Context) (channel.Channel, error) {
	if o != nil && o.Dial != nil {
		return o.Dial
	}
	var dopts *channel.DialOptions
	if o != nil {
		dopts = o.DialOptions
	}
	return func(ctx context.Context) (channel.Channel, error) {
		return channel.Dial(ctx, url, dopts)
	}
}
