package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// DefaultBufferSize is the initial size of a Decoder's buffer.
	DefaultBufferSize = 4096

	// MaxLineLength bounds the header line of a reply unit, including simple
	// strings and errors.
	MaxLineLength = 64 * 1024

	// MaxBulkLength is the largest bulk string a server can send (512 MiB).
	MaxBulkLength = 512 << 20

	// MaxArrayLength bounds declared array counts to 32 bits.
	MaxArrayLength = math.MaxInt32

	// Bulk payloads up to this size are read through the buffer, larger ones
	// straight into their own slice.
	maxBufferedBody = MaxLineLength

	maxEmptyReads = 100
)

// Decoder incrementally decodes reply units from a byte stream.
//
// Every Read on the underlying reader delivers the next chunk of the stream.
// Bytes that were delivered but not yet consumed stay in the buffer and are
// handed out again on the next call, so a unit may straddle any number of
// chunks. A Decoder is not safe for concurrent use. Whoever holds the
// connection's write side owns its Decoder.
type Decoder struct {
	rd io.Reader

	buf []byte

	// buf[start:end] holds delivered bytes that are not consumed yet
	start, end int

	// buf[start:scan] is known not to contain a line feed, so a search for
	// the header terminator resumes where the previous chunk ended.
	scan int

	// err is the sticky error of the underlying reader
	err error
}

func NewDecoder(rd io.Reader) *Decoder {
	return NewDecoderSize(rd, DefaultBufferSize)
}

func NewDecoderSize(rd io.Reader, size int) *Decoder {
	if size < 16 {
		size = 16
	}

	return &Decoder{
		rd:  rd,
		buf: make([]byte, size),
	}
}

// Reset discards any buffered data and switches the decoder to read from rd.
func (d *Decoder) Reset(rd io.Reader) {
	d.rd = rd
	d.start, d.end, d.scan = 0, 0, 0
	d.err = nil
}

// Buffered returns the number of delivered bytes that are not consumed yet.
func (d *Decoder) Buffered() int {
	return d.end - d.start
}

// ReadReply reads one complete reply unit.
//
// A server error is returned as a Reply of KindError, not as an error.
func (d *Decoder) ReadReply() (Reply, error) {
	return d.readReply(false)
}

// Discard consumes one complete reply unit without materializing it.
func (d *Decoder) Discard() error {
	kind, line, err := d.readHeader(false)
	if err != nil {
		return err
	}

	return d.discardRest(kind, line)
}

func (d *Decoder) readReply(nested bool) (Reply, error) {
	kind, line, err := d.readHeader(nested)
	if err != nil {
		return Reply{}, err
	}

	switch kind {
	case KindSimple, KindError:
		return Reply{Kind: kind, Str: clone(line)}, nil

	case KindInteger:
		n, err := parseInt(line)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: kind, Int: n}, nil

	case KindBulk:
		n, err := parseLength(line, MaxBulkLength)
		if err != nil {
			return Reply{}, err
		}
		if n < 0 {
			return Reply{Kind: kind, Null: true}, nil
		}

		body, err := d.readBody(n, true)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: kind, Str: body}, nil

	default:
		n, err := parseLength(line, MaxArrayLength)
		if err != nil {
			return Reply{}, err
		}
		if n < 0 {
			return Reply{Kind: kind, Null: true}, nil
		}

		elems := make([]Reply, 0, minInt(n, 1024))
		for i := 0; i < n; i++ {
			elem, err := d.readReply(true)
			if err != nil {
				return Reply{}, err
			}
			elems = append(elems, elem)
		}
		return Reply{Kind: kind, Elems: elems}, nil
	}
}

// readHeader reads the header line of the next unit and returns its marker
// and the remainder of the line, without the terminator. The returned slice is
// only valid until the next read.
//
// nested is set when the unit is the element of an array, where running out
// of input is always a truncation.
func (d *Decoder) readHeader(nested bool) (Kind, []byte, error) {
	line, err := d.readLine(nested)
	if err != nil {
		return 0, nil, err
	}

	if len(line) == 0 {
		return 0, nil, fmt.Errorf("%w: empty header line", ErrUnexpectedMarker)
	}

	switch kind := Kind(line[0]); kind {
	case KindSimple, KindError, KindInteger, KindBulk, KindArray:
		return kind, line[1:], nil

	default:
		return 0, nil, fmt.Errorf("%w: %.40q", ErrUnexpectedMarker, line)
	}
}

func (d *Decoder) readLine(nested bool) ([]byte, error) {
	for {
		if i := bytes.IndexByte(d.buf[d.scan:d.end], '\n'); i >= 0 {
			lf := d.scan + i
			if lf == d.start || d.buf[lf-1] != '\r' {
				return nil, ErrMissingTerminator
			}

			line := d.buf[d.start : lf-1]
			d.consume(lf + 1 - d.start)
			return line, nil
		}

		d.scan = d.end

		if d.end-d.start > MaxLineLength {
			return nil, ErrLineTooLong
		}

		if err := d.fill(); err != nil {
			return nil, d.eofError(err, nested || d.end > d.start)
		}
	}
}

// readBody reads n payload bytes followed by the terminator. Unless copied is
// set, small payloads are returned as a view into the buffer which is only
// valid until the next read.
func (d *Decoder) readBody(n int, copied bool) ([]byte, error) {
	if n+2 <= maxBufferedBody {
		if err := d.ensure(n + 2); err != nil {
			return nil, err
		}

		body := d.buf[d.start : d.start+n]
		if d.buf[d.start+n] != '\r' || d.buf[d.start+n+1] != '\n' {
			return nil, ErrMissingTerminator
		}

		d.consume(n + 2)

		if copied {
			return clone(body), nil
		}
		return body, nil
	}

	// Too large for the buffer. Hand over what is buffered, then read the rest
	// directly into the payload.
	body := make([]byte, n)
	received := copy(body, d.buf[d.start:d.end])
	d.consume(received)

	for received < n {
		if d.err != nil {
			return nil, d.eofError(d.err, true)
		}

		m, err := d.rd.Read(body[received:])
		received += m
		if err != nil {
			d.err = err
		}
	}

	if err := d.ensure(2); err != nil {
		return nil, err
	}

	if d.buf[d.start] != '\r' || d.buf[d.start+1] != '\n' {
		return nil, ErrMissingTerminator
	}
	d.consume(2)

	return body, nil
}

// discardRest consumes what follows a header line that was already read.
func (d *Decoder) discardRest(kind Kind, line []byte) error {
	switch kind {
	case KindSimple, KindError:
		return nil

	case KindInteger:
		_, err := parseInt(line)
		return err

	case KindBulk:
		n, err := parseLength(line, MaxBulkLength)
		if err != nil || n < 0 {
			return err
		}
		return d.skip(n + 2)

	default:
		n, err := parseLength(line, MaxArrayLength)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			kind, line, err := d.readHeader(true)
			if err != nil {
				return err
			}
			if err := d.discardRest(kind, line); err != nil {
				return err
			}
		}
		return nil
	}
}

// skip consumes n bytes including a trailing terminator, which is checked.
func (d *Decoder) skip(n int) error {
	for n > 2 {
		avail := d.end - d.start
		if avail == 0 {
			if err := d.fill(); err != nil {
				return d.eofError(err, true)
			}
			continue
		}

		step := minInt(avail, n-2)
		d.consume(step)
		n -= step
	}

	if err := d.ensure(2); err != nil {
		return err
	}
	if d.buf[d.start] != '\r' || d.buf[d.start+1] != '\n' {
		return ErrMissingTerminator
	}
	d.consume(2)

	return nil
}

// ensure waits until at least n unconsumed bytes are buffered.
func (d *Decoder) ensure(n int) error {
	for d.end-d.start < n {
		if len(d.buf) < n {
			d.grow(n)
		}

		if err := d.fill(); err != nil {
			return d.eofError(err, true)
		}
	}

	return nil
}

// fill awaits the next chunk. Consumed bytes are reclaimed first.
func (d *Decoder) fill() error {
	if d.err != nil {
		return d.err
	}

	if d.start > 0 {
		n := copy(d.buf, d.buf[d.start:d.end])
		d.scan -= d.start
		d.end = n
		d.start = 0
	}

	if d.end == len(d.buf) {
		d.grow(2 * len(d.buf))
	}

	for i := 0; i < maxEmptyReads; i++ {
		n, err := d.rd.Read(d.buf[d.end:])
		if n < 0 {
			return errors.New("protocol: reader returned negative count")
		}
		d.end += n

		if err != nil {
			d.err = err
			if n > 0 {
				return nil
			}
			return err
		}

		if n > 0 {
			return nil
		}
	}

	d.err = io.ErrNoProgress
	return d.err
}

func (d *Decoder) grow(size int) {
	if size <= len(d.buf) {
		return
	}

	buf := make([]byte, size)
	copy(buf, d.buf[d.start:d.end])
	d.end -= d.start
	d.scan -= d.start
	d.start = 0
	d.buf = buf
}

func (d *Decoder) consume(n int) {
	d.start += n
	d.scan = d.start
}

func (d *Decoder) eofError(err error, partial bool) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || (partial && errors.Is(err, io.EOF)) {
		return ErrTruncated
	}

	return err
}

// parseInt parses a signed base 10 integer directly from its digits.
func parseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, ErrInvalidInteger
	}

	negative := false
	if b[0] == '-' {
		negative = true
		b = b[1:]

		if len(b) == 0 {
			return 0, ErrInvalidInteger
		}
	}

	const limit = uint64(1) << 63

	var n uint64
	for _, ch := range b {
		ch -= '0'
		if ch > 9 {
			return 0, ErrInvalidInteger
		}

		if n > limit/10 {
			return 0, ErrInvalidInteger
		}
		n = n*10 + uint64(ch)
		if n > limit {
			return 0, ErrInvalidInteger
		}
	}

	if negative {
		return -int64(n), nil
	}

	if n == limit {
		return 0, ErrInvalidInteger
	}

	return int64(n), nil
}

// parseLength parses a bulk length or array count. -1 denotes null.
func parseLength(b []byte, max int) (int, error) {
	n, err := parseInt(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, b)
	}

	if n < -1 || n > int64(max) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}

	return int(n), nil
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
