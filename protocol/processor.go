package protocol

import (
	"fmt"
	"strconv"
)

// Processor reads exactly one reply unit from the decoder and materializes it
// as a T.
//
// Whatever the outcome, a processor leaves the decoder at the start of the
// next unit unless it returns a fatal error (see IsFatal), in which case the
// stream position is unknown.
type Processor[T any] func(*Decoder) (T, error)

// ReadReply is the untyped processor, it accepts any kind of reply. A server
// error is returned as a *ServerError.
func ReadReply(d *Decoder) (Reply, error) {
	r, err := d.ReadReply()
	if err != nil {
		return Reply{}, err
	}

	if r.Kind == KindError {
		return Reply{}, r.Err()
	}

	return r, nil
}

// ReadStatus reads a simple string reply such as OK or PONG.
func ReadStatus(d *Decoder) (string, error) {
	kind, line, err := d.readHeader(false)
	if err != nil {
		return "", err
	}

	switch kind {
	case KindSimple:
		return string(line), nil

	case KindError:
		return "", NewServerError(string(line))

	default:
		return "", d.unexpected(KindSimple, kind, line)
	}
}

// ReadOK reads a simple string reply that must be OK.
func ReadOK(d *Decoder) (struct{}, error) {
	status, err := ReadStatus(d)
	if err != nil {
		return struct{}{}, err
	}

	if status != "OK" {
		return struct{}{}, &UnexpectedReplyError{
			Want: KindSimple,
			Got:  KindSimple,
			Msg:  fmt.Sprintf("expected OK, got %q", status),
		}
	}

	return struct{}{}, nil
}

// ReadInteger reads an integer reply.
func ReadInteger(d *Decoder) (int64, error) {
	kind, line, err := d.readHeader(false)
	if err != nil {
		return 0, err
	}

	switch kind {
	case KindInteger:
		return parseInt(line)

	case KindError:
		return 0, NewServerError(string(line))

	default:
		return 0, d.unexpected(KindInteger, kind, line)
	}
}

// ReadNullString reads a bulk string reply, which may be null.
func ReadNullString(d *Decoder) (NullString, error) {
	body, null, err := readBulkView(d)
	if err != nil || null {
		return NullString{}, err
	}

	return NullString{String: string(body), Valid: true}, nil
}

// ReadFloat reads a bulk string reply holding a decimal number, as returned
// by INCRBYFLOAT.
func ReadFloat(d *Decoder) (float64, error) {
	body, null, err := readBulkView(d)
	if err != nil {
		return 0, err
	}

	if null {
		return 0, &UnexpectedReplyError{Want: KindBulk, Got: KindBulk, Msg: "null bulk string, expected a number"}
	}

	f, perr := strconv.ParseFloat(string(body), 64)
	if perr != nil {
		return 0, &UnexpectedReplyError{Want: KindBulk, Got: KindBulk, Msg: fmt.Sprintf("%.40q is not a number", body)}
	}

	return f, nil
}

// ReadStrings reads an array of bulk strings, as returned by MGET. A null
// array yields a nil slice.
func ReadStrings(d *Decoder) ([]NullString, error) {
	kind, line, err := d.readHeader(false)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindArray:
	case KindError:
		return nil, NewServerError(string(line))
	default:
		return nil, d.unexpected(KindArray, kind, line)
	}

	n, err := parseLength(line, MaxArrayLength)
	if err != nil || n < 0 {
		return nil, err
	}

	var mismatch error
	values := make([]NullString, 0, minInt(n, 1024))

	// Every element has to be consumed, even after a mismatch.
	for i := 0; i < n; i++ {
		kind, line, err := d.readHeader(true)
		if err != nil {
			return nil, err
		}

		if kind != KindBulk {
			if err := d.discardRest(kind, line); err != nil {
				return nil, err
			}
			if mismatch == nil {
				mismatch = &UnexpectedReplyError{Want: KindBulk, Got: kind, Msg: fmt.Sprintf("array element %d is a %s", i, kind)}
			}
			continue
		}

		size, err := parseLength(line, MaxBulkLength)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			values = append(values, NullString{})
			continue
		}

		body, err := d.readBody(size, false)
		if err != nil {
			return nil, err
		}
		values = append(values, NullString{String: string(body), Valid: true})
	}

	if mismatch != nil {
		return nil, mismatch
	}

	return values, nil
}

// readBulkView reads a bulk reply. The payload is a view into the decoder's
// buffer and is only valid until the next read.
func readBulkView(d *Decoder) ([]byte, bool, error) {
	kind, line, err := d.readHeader(false)
	if err != nil {
		return nil, false, err
	}

	switch kind {
	case KindBulk:
	case KindError:
		return nil, false, NewServerError(string(line))
	default:
		return nil, false, d.unexpected(KindBulk, kind, line)
	}

	n, err := parseLength(line, MaxBulkLength)
	if err != nil {
		return nil, false, err
	}
	if n < 0 {
		return nil, true, nil
	}

	body, err := d.readBody(n, false)
	return body, false, err
}

// unexpected consumes the rest of a unit of the wrong kind and reports the
// mismatch. It only returns a fatal error if the unit itself is malformed.
func (d *Decoder) unexpected(want, got Kind, line []byte) error {
	if err := d.discardRest(got, line); err != nil {
		return err
	}

	return &UnexpectedReplyError{Want: want, Got: got}
}
