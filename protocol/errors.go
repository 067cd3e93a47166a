package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProtocol is wrapped by every error that means the byte stream can no
	// longer be trusted to be frame aligned.
	ErrProtocol = errors.New("protocol error")

	ErrTruncated         = fmt.Errorf("%w: stream ended inside a reply", ErrProtocol)
	ErrMissingTerminator = fmt.Errorf("%w: line is not terminated by CRLF", ErrProtocol)
	ErrUnexpectedMarker  = fmt.Errorf("%w: unexpected reply type marker", ErrProtocol)
	ErrLineTooLong       = fmt.Errorf("%w: reply header line too long", ErrProtocol)
	ErrInvalidLength     = fmt.Errorf("%w: invalid length", ErrProtocol)
	ErrInvalidInteger    = fmt.Errorf("%w: invalid integer", ErrProtocol)
)

// ServerError is a well formed `-` reply: the server refused or failed the
// command. The stream is still aligned.
type ServerError struct {
	Msg string
}

func NewServerError(msg string) *ServerError {
	return &ServerError{Msg: msg}
}

func (e *ServerError) Error() string {
	return e.Msg
}

// Prefix returns the first word of the message, e.g. ERR, WRONGTYPE or
// NOSCRIPT.
func (e *ServerError) Prefix() string {
	if i := strings.IndexByte(e.Msg, ' '); i >= 0 {
		return e.Msg[:i]
	}

	return e.Msg
}

// UnexpectedReplyError is returned by a typed processor that received a well
// formed reply of another kind. The reply was consumed in full, so the stream
// is still aligned.
type UnexpectedReplyError struct {
	Want Kind
	Got  Kind
	Msg  string
}

func (e *UnexpectedReplyError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("unexpected reply: %s", e.Msg)
	}

	return fmt.Sprintf("unexpected reply: expected %s, got %s", e.Want, e.Got)
}

// IsFatal returns true when err leaves the stream in an unknown position, so
// the connection that produced it must be torn down.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return false
	}

	var unexpectedErr *UnexpectedReplyError
	return !errors.As(err, &unexpectedErr)
}
