package protocol_test

import (
	"io"
)

// chunkReader delivers a fixed sequence of chunks, one per Read.
type chunkReader struct {
	chunks [][]byte
}

func newChunkReader(chunks ...[]byte) *chunkReader {
	return &chunkReader{chunks: chunks}
}

// splitAt delivers data as two chunks, split at offset.
func splitAt(data []byte, offset int) *chunkReader {
	return newChunkReader(data[:offset], data[offset:])
}

// splitEvery delivers data in chunks of size n.
func splitEvery(data []byte, n int) *chunkReader {
	r := &chunkReader{}
	for len(data) > n {
		r.chunks = append(r.chunks, data[:n])
		data = data[n:]
	}
	r.chunks = append(r.chunks, data)
	return r
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.chunks) > 0 && len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}

	if len(c.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]

	return n, nil
}
