package protocol

import (
	"io"
	"strconv"
)

// OkTerminal is the encoded +OK status reply.
var OkTerminal = []byte("+OK\r\n")

// AppendCommand appends the frame of cmd to dst and returns the extended
// buffer.
func AppendCommand(dst []byte, cmd Command) []byte {
	dst = AppendArrayHeader(dst, len(cmd.args))

	for _, arg := range cmd.args {
		dst = AppendBulk(dst, arg)
	}

	return dst
}

// EncodeCommands returns one frame holding every command, in order.
func EncodeCommands(cmds ...Command) []byte {
	size := 0
	for _, cmd := range cmds {
		size += frameSize(cmd)
	}

	b := make([]byte, 0, size)
	for _, cmd := range cmds {
		b = AppendCommand(b, cmd)
	}

	return b
}

// WriteCommands writes the commands to w as a single pipelined frame.
func WriteCommands(w io.Writer, cmds ...Command) error {
	_, err := w.Write(EncodeCommands(cmds...))
	return err
}

func AppendArrayHeader(dst []byte, n int) []byte {
	dst = append(dst, byte(KindArray))
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, '\r', '\n')
}

func AppendBulk(dst []byte, b []byte) []byte {
	dst = append(dst, byte(KindBulk))
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, '\r', '\n')
	dst = append(dst, b...)
	return append(dst, '\r', '\n')
}

func AppendBulkString(dst []byte, s string) []byte {
	dst = append(dst, byte(KindBulk))
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, '\r', '\n')
	dst = append(dst, s...)
	return append(dst, '\r', '\n')
}

func AppendNull(dst []byte) []byte {
	return append(dst, "$-1\r\n"...)
}

func AppendNullArray(dst []byte) []byte {
	return append(dst, "*-1\r\n"...)
}

func AppendSimple(dst []byte, s string) []byte {
	dst = append(dst, byte(KindSimple))
	dst = append(dst, s...)
	return append(dst, '\r', '\n')
}

// AppendError appends an error reply. Line breaks in msg are replaced by
// spaces so the reply stays a single line.
func AppendError(dst []byte, msg string) []byte {
	dst = append(dst, byte(KindError))
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == '\r' || c == '\n' {
			c = ' '
		}
		dst = append(dst, c)
	}
	return append(dst, '\r', '\n')
}

func AppendInteger(dst []byte, n int64) []byte {
	dst = append(dst, byte(KindInteger))
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, '\r', '\n')
}

// AppendReply appends the wire form of r.
func AppendReply(dst []byte, r Reply) []byte {
	switch r.Kind {
	case KindSimple:
		return AppendSimple(dst, string(r.Str))

	case KindError:
		return AppendError(dst, string(r.Str))

	case KindInteger:
		return AppendInteger(dst, r.Int)

	case KindBulk:
		if r.Null {
			return AppendNull(dst)
		}
		return AppendBulk(dst, r.Str)

	case KindArray:
		if r.Null {
			return AppendNullArray(dst)
		}

		dst = AppendArrayHeader(dst, len(r.Elems))
		for _, elem := range r.Elems {
			dst = AppendReply(dst, elem)
		}
		return dst
	}

	return dst
}

func frameSize(cmd Command) int {
	// Marker, up to 10 digits and the terminator, per header
	size := 13
	for _, arg := range cmd.args {
		size += 13 + len(arg) + 2
	}

	return size
}
