package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed        = errors.New("relay: client is closed")
	ErrNotConnected  = errors.New("relay: not connected")
	ErrNoConnections = errors.New("relay: pool has no connections")
)

// ConnectionError is a failure of the connection itself: the dial, the
// handshake, the socket or the byte stream. The connection was torn down and
// every operation in flight on it failed with the same error.
type ConnectionError struct {
	ClientID    int64
	Addr        string
	LastCommand string
	LastAction  string
	Err         error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay: connection %d to %s failed (last command %q, last action %q): %v",
		e.ClientID, e.Addr, e.LastCommand, e.LastAction, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError is a failure of a single command, the connection is fine. Err
// is a *protocol.ServerError or a *protocol.UnexpectedReplyError.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("relay: %s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Pressure is a snapshot of the load on the process and a connection, taken
// when a call timed out.
type Pressure struct {
	Goroutines  int
	MaxProcs    int
	Outstanding int64
	Backlog     int
	WriteBusy   bool
}

func (p Pressure) String() string {
	return fmt.Sprintf("goroutines=%d gomaxprocs=%d outstanding=%d backlog=%d write_busy=%t",
		p.Goroutines, p.MaxProcs, p.Outstanding, p.Backlog, p.WriteBusy)
}

// TimeoutError is returned when a call exceeded CallTimeout. It matches
// context.DeadlineExceeded with errors.Is.
type TimeoutError struct {
	ClientID    int64
	Command     string
	CallTimeout time.Duration
	Pressure    Pressure
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("relay: %s timed out after %s on connection %d (%s)",
		e.Command, e.CallTimeout, e.ClientID, e.Pressure)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Timeout reports true, as net.Error does.
func (e *TimeoutError) Timeout() bool {
	return true
}

// IsConnectionError returns true when err means the connection was lost.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
