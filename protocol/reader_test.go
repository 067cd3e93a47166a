package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strings"
	"testing/iotest"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/protocol"
)

var _ = Describe("Decoder", func() {
	composite := []byte("*5\r\n$6\r\nhel\rlo\r\n:-42\r\n+OK\r\n*2\r\n$-1\r\n-ERR x\r\n$0\r\n\r\n")
	expected := protocol.Reply{Kind: protocol.KindArray, Elems: []protocol.Reply{
		{Kind: protocol.KindBulk, Str: []byte("hel\rlo")},
		{Kind: protocol.KindInteger, Int: -42},
		{Kind: protocol.KindSimple, Str: []byte("OK")},
		{Kind: protocol.KindArray, Elems: []protocol.Reply{
			{Kind: protocol.KindBulk, Null: true},
			{Kind: protocol.KindError, Str: []byte("ERR x")},
		}},
		{Kind: protocol.KindBulk, Str: []byte{}},
	}}

	Describe("ReadReply()", func() {
		It("decodes every reply kind", func() {
			d := protocol.NewDecoder(bytes.NewReader(composite))
			Expect(d.ReadReply()).To(Equal(expected))
		})

		It("decodes the same reply wherever the stream is split", func() {
			for offset := 0; offset <= len(composite); offset++ {
				d := protocol.NewDecoderSize(splitAt(composite, offset), 16)

				reply, err := d.ReadReply()
				Expect(err).To(Succeed(), "split at %d", offset)
				Expect(reply).To(Equal(expected), "split at %d", offset)
				Expect(d.Buffered()).To(BeZero())
			}
		})

		It("decodes the same reply from one byte chunks", func() {
			d := protocol.NewDecoderSize(iotest.OneByteReader(bytes.NewReader(composite)), 16)
			Expect(d.ReadReply()).To(Equal(expected))
		})

		It("decodes consecutive replies split inside the terminator", func() {
			data := []byte("+A\r\n:1\r\n")
			d := protocol.NewDecoder(newChunkReader(data[:3], data[3:7], data[7:]))

			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindSimple, Str: []byte("A")}))
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindInteger, Int: 1}))

			_, err := d.ReadReply()
			Expect(err).To(MatchError(io.EOF))
		})

		It("decodes bulk strings larger than its buffer", func() {
			payload := bytes.Repeat([]byte("0123456789"), 20000)
			data := protocol.AppendBulk(nil, payload)
			data = protocol.AppendInteger(data, 7)

			d := protocol.NewDecoder(splitEvery(data, 1000))

			reply, err := d.ReadReply()
			Expect(err).To(Succeed())
			Expect(reply.Str).To(Equal(payload))
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindInteger, Int: 7}))
		})

		It("decodes null arrays", func() {
			d := protocol.NewDecoder(strings.NewReader("*-1\r\n"))
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindArray, Null: true}))
		})

		It("decodes the 64 bit integer bounds", func() {
			d := protocol.NewDecoder(strings.NewReader(":9223372036854775807\r\n:-9223372036854775808\r\n"))
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindInteger, Int: math.MaxInt64}))
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindInteger, Int: math.MinInt64}))
		})

		It("returns io.EOF when the stream ends between replies", func() {
			d := protocol.NewDecoder(strings.NewReader(""))
			_, err := d.ReadReply()
			Expect(err).To(MatchError(io.EOF))
		})

		It("returns a truncation error when the stream ends inside a reply", func() {
			for offset := 1; offset < len(composite); offset++ {
				d := protocol.NewDecoderSize(newChunkReader(composite[:offset]), 16)

				_, err := d.ReadReply()
				Expect(err).To(MatchError(protocol.ErrTruncated), "truncated at %d", offset)
				Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
			}
		})

		It("returns a truncation error when a large bulk string is cut short", func() {
			data := protocol.AppendBulk(nil, bytes.Repeat([]byte("x"), 100000))
			d := protocol.NewDecoder(splitEvery(data[:len(data)-10], 4096))

			_, err := d.ReadReply()
			Expect(err).To(MatchError(protocol.ErrTruncated))
		})

		It("rejects unknown type markers", func() {
			d := protocol.NewDecoder(strings.NewReader("!oops\r\n"))
			_, err := d.ReadReply()
			Expect(errors.Is(err, protocol.ErrUnexpectedMarker)).To(BeTrue())
			Expect(protocol.IsFatal(err)).To(BeTrue())
		})

		It("rejects lines without a carriage return", func() {
			d := protocol.NewDecoder(strings.NewReader("+OK\n"))
			_, err := d.ReadReply()
			Expect(err).To(MatchError(protocol.ErrMissingTerminator))
		})

		It("rejects bulk strings longer than declared", func() {
			d := protocol.NewDecoder(strings.NewReader("$3\r\nabcd\r\n"))
			_, err := d.ReadReply()
			Expect(err).To(MatchError(protocol.ErrMissingTerminator))
		})

		It("rejects invalid lengths", func() {
			for _, data := range []string{"$abc\r\n", "$-2\r\n", "*\r\n", "$1x\r\n", "*-\r\n"} {
				d := protocol.NewDecoder(strings.NewReader(data))
				_, err := d.ReadReply()
				Expect(errors.Is(err, protocol.ErrInvalidLength)).To(BeTrue(), data)
			}
		})

		It("rejects integers that overflow 64 bits", func() {
			d := protocol.NewDecoder(strings.NewReader(":9223372036854775808\r\n"))
			_, err := d.ReadReply()
			Expect(err).To(MatchError(protocol.ErrInvalidInteger))
		})

		It("rejects header lines that never end", func() {
			d := protocol.NewDecoder(splitEvery(append([]byte("+"), bytes.Repeat([]byte("a"), protocol.MaxLineLength+10)...), 8192))
			_, err := d.ReadReply()
			Expect(err).To(MatchError(protocol.ErrLineTooLong))
		})
	})

	Describe("Discard()", func() {
		It("skips exactly one reply", func() {
			data := append(append([]byte{}, composite...), "+NEXT\r\n"...)
			d := protocol.NewDecoderSize(iotest.OneByteReader(bytes.NewReader(data)), 16)

			Expect(d.Discard()).To(Succeed())
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindSimple, Str: []byte("NEXT")}))
		})
	})

	Describe("Reset()", func() {
		It("drops buffered data", func() {
			d := protocol.NewDecoder(strings.NewReader("+A\r\n+B\r\n"))
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindSimple, Str: []byte("A")}))

			d.Reset(strings.NewReader(":3\r\n"))
			Expect(d.Buffered()).To(BeZero())
			Expect(d.ReadReply()).To(Equal(protocol.Reply{Kind: protocol.KindInteger, Int: 3}))
		})
	})
})
