package protocol

import (
	"strconv"
	"strings"
)

// Kind is the leading type marker of a reply unit.
type Kind byte

const (
	KindSimple  Kind = '+'
	KindError   Kind = '-'
	KindInteger Kind = ':'
	KindBulk    Kind = '$'
	KindArray   Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk string"
	case KindArray:
		return "array"
	default:
		return strconv.QuoteRune(rune(k))
	}
}

// Reply is one fully decoded reply unit.
type Reply struct {
	Kind Kind

	// Str holds the payload of Simple, Error and Bulk replies.
	Str []byte

	// Int holds the value of Integer replies.
	Int int64

	// Elems holds the elements of Array replies.
	Elems []Reply

	// Null is set for `$-1` and `*-1`.
	Null bool
}

// Err returns the server error carried by an Error reply, or nil.
func (r Reply) Err() error {
	if r.Kind == KindError {
		return NewServerError(string(r.Str))
	}

	return nil
}

// String renders the reply the way redis-cli does.
func (r Reply) String() string {
	var b strings.Builder
	r.render(&b, "")
	return b.String()
}

func (r Reply) render(b *strings.Builder, indent string) {
	switch r.Kind {
	case KindSimple:
		b.Write(r.Str)

	case KindError:
		b.WriteString("(error) ")
		b.Write(r.Str)

	case KindInteger:
		b.WriteString("(integer) ")
		b.WriteString(strconv.FormatInt(r.Int, 10))

	case KindBulk:
		if r.Null {
			b.WriteString("(nil)")
			return
		}
		b.WriteString(strconv.Quote(string(r.Str)))

	case KindArray:
		if r.Null {
			b.WriteString("(nil)")
			return
		}
		if len(r.Elems) == 0 {
			b.WriteString("(empty array)")
			return
		}

		for i, elem := range r.Elems {
			if i > 0 {
				b.WriteByte('\n')
				b.WriteString(indent)
			}
			prefix := strconv.Itoa(i+1) + ") "
			b.WriteString(prefix)
			elem.render(b, indent+strings.Repeat(" ", len(prefix)))
		}
	}
}

// NullString is a bulk string that may be null.
type NullString struct {
	String string
	Valid  bool
}
