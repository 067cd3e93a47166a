// Package protocol implements encoding requests for, and decoding replies
// from, a Redis server speaking RESP (the REdis Serialization Protocol).
//
// This package aims to
//
// - never buffer a whole reply when it does not have to
// - resume decoding across arbitrary chunk boundaries
// - keep the stream frame aligned, or fail loudly when it cannot
//
// - `Command` - An ordered list of binary safe arguments sent to the server.
// - `Frame`   - The bytes of one or more commands. Pipelined frames are a
//               plain concatenation of single command frames.
// - `Reply`   - One fully decoded reply unit from the server.
//
// === Requests
//
// Requests are always arrays of bulk strings
//
//   ```
//     *<argc>\r\n
//     $<len(arg0)>\r\n<arg0>\r\n
//     ...
//   ```
//
// Lengths are byte lengths, not character counts.
//
// === Replies
//
// - `+<text>\r\n`              - simple string
// - `-<message>\r\n`           - error, the command failed on the server
// - `:<integer>\r\n`           - signed 64bit integer
// - `$<len>\r\n<payload>\r\n`  - bulk string, `$-1\r\n` is a null bulk
// - `*<count>\r\n<reply>...`   - array of replies, `*-1\r\n` is a null array
//
// Replies arrive in the order the requests were written. There is no
// correlation id, so once a single byte of a reply is lost or left unread
// every following reply is misinterpreted. Any framing problem is reported as
// an error wrapping ErrProtocol and the connection must be discarded.
package protocol
