// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"errors"
	"fmt"
	"io"
)

// A Status is a connection close status code. The values follow the
// WebSocket close codes of RFC 6455 section 7.4.
type Status int

// Close status codes understood by the wsrpc package.
const (
	StatusNormal          Status = 1000 // clean shutdown, never retried
	StatusGoingAway       Status = 1001
	StatusAbnormal        Status = 1006 // closed without a close frame
	StatusPolicyViolation Status = 1008
	StatusInternalError   Status = 1011
)

// IsClean reports whether s denotes a deliberate, clean shutdown.
func (s Status) IsClean() bool { return s == StatusNormal }

// ClosedError is the error reported by Recv and Send when a channel has been
// closed, by either end.
type ClosedError struct {
	Code   Status
	Reason string
	Err    error // the underlying transport error, if any
}

func (c *ClosedError) Error() string {
	if c.Reason != "" {
		return fmt.Sprintf("channel closed: status %d: %s", c.Code, c.Reason)
	}
	return fmt.Sprintf("channel closed: status %d", c.Code)
}

func (c *ClosedError) Unwrap() error { return c.Err }

// ErrClosed is reported by Send on a channel that is already closed.
var ErrClosed = errors.New("channel is closed")

// StatusOf reports the close status carried by an error from a channel.
// A nil error or io.EOF denotes a normal closure; a *ClosedError reports its
// own status; any other error is an abnormal closure.
func StatusOf(err error) (Status, string) {
	var ce *ClosedError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return StatusNormal, ""
	case errors.As(err, &ce):
		return ce.Code, ce.Reason
	default:
		return StatusAbnormal, err.Error()
	}
}
