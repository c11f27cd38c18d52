// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
)

// Websocket implements the Channel interface over a WebSocket connection.
// Each message is one WebSocket frame, text or binary as chosen by the codec.
type Websocket struct {
	conn   *websocket.Conn
	codec  Codec
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebsocket wraps an established WebSocket connection. If codec == nil,
// messages are sent as JSON text frames.
func NewWebsocket(conn *websocket.Conn, codec Codec) *Websocket {
	if codec == nil {
		codec = JSON
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Websocket{conn: conn, codec: codec, ctx: ctx, cancel: cancel}
}

// Send implements part of the Channel interface.
func (w *Websocket) Send(msg []byte) error {
	data, binary, err := w.codec.Encode(msg)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return closedError(w.conn.Write(w.ctx, typ, data))
}

// Recv implements part of the Channel interface. A binary frame that the
// codec cannot decode is returned unchanged, so that the engine reports it to
// the peer as a parse error rather than dropping the connection.
func (w *Websocket) Recv() ([]byte, error) {
	typ, data, err := w.conn.Read(w.ctx)
	if err != nil {
		return nil, closedError(err)
	}
	msg, err := w.codec.Decode(data, typ == websocket.MessageBinary)
	if err != nil {
		return data, nil
	}
	return msg, nil
}

// Close implements part of the Channel interface.
func (w *Websocket) Close() error { return w.CloseWith(StatusNormal, "") }

// CloseWith implements the StatusCloser interface.
func (w *Websocket) CloseWith(code Status, reason string) error {
	defer w.cancel()
	return w.conn.Close(websocket.StatusCode(code), reason)
}

// closedError converts an error from the websocket library into a
// *ClosedError carrying the close status, if there is one.
func closedError(err error) error {
	if err == nil {
		return nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &ClosedError{Code: Status(ce.Code), Reason: ce.Reason, Err: err}
	}
	return &ClosedError{Code: StatusAbnormal, Reason: err.Error(), Err: err}
}

// AcceptOptions control the behaviour of Accept. A nil *AcceptOptions
// provides sensible defaults.
type AcceptOptions struct {
	// Host patterns for authorized cross-origin requests. By default only
	// same-origin requests are accepted.
	OriginPatterns []string

	// The largest message accepted from the peer, in bytes. If zero, the
	// library default (32KiB) applies.
	ReadLimit int64

	// The codec used for frames. If nil, JSON is used.
	Codec Codec
}

func (o *AcceptOptions) codec() Codec {
	if o == nil || o.Codec == nil {
		return JSON
	}
	return o.Codec
}

// Accept upgrades an HTTP request to a WebSocket connection and returns a
// channel for it. On error, Accept has already written a response to w.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Websocket, error) {
	var aopts websocket.AcceptOptions
	if opts != nil {
		aopts.OriginPatterns = opts.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, &aopts)
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return NewWebsocket(conn, opts.codec()), nil
}

// DialOptions control the behaviour of Dial. A nil *DialOptions provides
// sensible defaults.
type DialOptions struct {
	// Additional headers sent with the upgrade request.
	Header http.Header

	// The largest message accepted from the peer, in bytes. If zero, the
	// library default (32KiB) applies.
	ReadLimit int64

	// The codec used for frames. If nil, JSON is used.
	Codec Codec
}

func (o *DialOptions) codec() Codec {
	if o == nil || o.Codec == nil {
		return JSON
	}
	return o.Codec
}

// Dial opens a WebSocket connection to the given ws:// or wss:// URL.  The
// context governs only the handshake; the channel remains open until closed.
func Dial(ctx context.Context, url string, opts *DialOptions) (*Websocket, error) {
	var dopts websocket.DialOptions
	if opts != nil {
		dopts.HTTPHeader = opts.Header
	}
	conn, _, err := websocket.Dial(ctx, url, &dopts)
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return NewWebsocket(conn, opts.codec()), nil
}
