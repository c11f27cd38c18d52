// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package channel

import "sync"

// link is the state shared by both ends of a direct pair.
type link struct {
	once   sync.Once
	done   chan struct{}
	code   Status
	reason string
}

func (l *link) close(code Status, reason string) {
	l.once.Do(func() {
		l.code, l.reason = code, reason
		close(l.done)
	})
}

type direct struct {
	send chan<- []byte
	recv <-chan []byte
	link *link
}

func (d direct) Send(msg []byte) error {
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case <-d.link.done:
		return ErrClosed
	default:
	}
	select {
	case d.send <- cp:
		return nil
	case <-d.link.done:
		return ErrClosed
	}
}

func (d direct) Recv() ([]byte, error) {
	select {
	case msg := <-d.recv:
		return msg, nil
	case <-d.link.done:
		return nil, &ClosedError{Code: d.link.code, Reason: d.link.reason}
	}
}

func (d direct) Close() error { return d.CloseWith(StatusNormal, "") }

// CloseWith implements the StatusCloser interface. Closing either end closes
// the pair, and the peer observes the same status.
func (d direct) CloseWith(code Status, reason string) error {
	d.link.close(code, reason)
	return nil
}

// Direct returns a pair of synchronous connected channels that pass message
// buffers directly in memory without framing or encoding. Sends to client will
// be received by server, and vice versa.
func Direct() (client, server Channel) {
	c2s := make(chan []byte)
	s2c := make(chan []byte)
	l := &link{done: make(chan struct{})}
	client = direct{send: c2s, recv: s2c, link: l}
	server = direct{send: s2c, recv: c2s, link: l}
	return
}
