// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package channel defines the transport capability consumed by the wsrpc
// package, and implementations of it.
//
// A Channel carries whole messages. The wsrpc engine never looks below the
// message boundary: handshakes, framing, compression and keepalives belong to
// the channel implementation.
//
// The Websocket type adapts a nhooyr.io/websocket connection. The Direct
// function returns an in-memory pair of connected channels, useful in tests.
package channel

// A Channel represents the ability to transmit and receive messages.  A
// channel does not interpret the contents of a message.  The Send and Close
// methods of a Channel must be safe for concurrent use; Recv is called from a
// single goroutine.
type Channel interface {
	// Send transmits a message on the channel.
	Send([]byte) error

	// Recv returns the next available message from the channel.  If the
	// channel has closed, Recv reports an error from which StatusOf can
	// recover the close status.
	Recv() ([]byte, error)

	// Close shuts down the channel with a normal closure status, after which
	// no further messages may be sent or received.
	Close() error
}

// A StatusCloser is an optional interface that a Channel may implement to
// close with an explicit status code and reason.
type StatusCloser interface {
	CloseWith(code Status, reason string) error
}

// Close closes ch with the given status code and reason. If ch does not
// implement StatusCloser, the status is discarded and ch.Close is called.
func Close(ch Channel, code Status, reason string) error {
	if sc, ok := ch.(StatusCloser); ok {
		return sc.CloseWith(code, reason)
	}
	return ch.Close()
}
