package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// maxRenderedArg bounds how much of each argument ends up in String().
	maxRenderedArg = 64
)

// Command is an immutable request: the command name followed by its
// arguments, each a binary safe byte string.
type Command struct {
	args [][]byte
	text string
}

// NewCommand builds a Command from a name and arguments.
//
// Arguments may be strings, byte slices, integers, floats, bools or
// time.Durations (sent as whole seconds). Anything else is rendered with
// fmt.Sprint.
func NewCommand(name string, args ...interface{}) Command {
	segments := make([][]byte, 0, len(args)+1)
	segments = append(segments, []byte(name))

	for _, arg := range args {
		segments = append(segments, argBytes(arg))
	}

	return Command{
		args: segments,
		text: render(segments),
	}
}

// NewCommandArgs builds a Command from raw argument segments. The first
// segment is the command name.
func NewCommandArgs(args ...[]byte) Command {
	segments := make([][]byte, len(args))
	for i, arg := range args {
		segments[i] = append([]byte(nil), arg...)
	}

	return Command{
		args: segments,
		text: render(segments),
	}
}

// Name returns the upper cased command name.
func (c Command) Name() string {
	if len(c.args) == 0 {
		return ""
	}

	return strings.ToUpper(string(c.args[0]))
}

// Args returns the argument segments, including the command name. The
// returned slices must not be modified.
func (c Command) Args() [][]byte {
	return c.args
}

// String returns a human readable rendering, suitable for logs and errors.
func (c Command) String() string {
	return c.text
}

func argBytes(arg interface{}) []byte {
	switch v := arg.(type) {
	case string:
		return []byte(v)
	case []byte:
		return append([]byte(nil), v...)
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'f', -1, 32)
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64)
	case bool:
		if v {
			return []byte("1")
		}
		return []byte("0")
	case time.Duration:
		return strconv.AppendInt(nil, int64(v/time.Second), 10)
	default:
		return []byte(fmt.Sprint(v))
	}
}

func render(args [][]byte) string {
	var b strings.Builder

	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}

		// Never leak credentials into logs
		if i > 0 && strings.EqualFold(string(args[0]), "AUTH") {
			b.WriteString("***")
			continue
		}

		if len(arg) > maxRenderedArg {
			b.WriteString(strconv.Quote(string(arg[:maxRenderedArg])))
			b.WriteString("...")
			continue
		}

		s := string(arg)
		if i == 0 || isPlain(s) {
			b.WriteString(s)
		} else {
			b.WriteString(strconv.Quote(s))
		}
	}

	return b.String()
}

func isPlain(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c > '~' || c == '"' {
			return false
		}
	}

	return true
}
