package stealer

import (
	"bufio"
	"net"
)

// peekSize is how many leading bytes are inspected to classify a
// connection as HTTP/1, HTTP/2 or opaque TCP. It only needs to be large
// enough to hold the HTTP/2 connection preface, or a partial request
// line, whichever is longer.
const peekSize = 64

// ReversibleStream wraps a net.Conn with a small read-ahead buffer so the
// first bytes of a connection can be inspected without consuming them:
// whatever was peeked is replayed to the first Read call before falling
// through to the underlying connection.
type ReversibleStream struct {
	net.Conn
	buffered *bufio.Reader
}

// NewReversibleStream wraps conn for peeking.
func NewReversibleStream(conn net.Conn) *ReversibleStream {
	return &ReversibleStream{
		Conn:     conn,
		buffered: bufio.NewReaderSize(conn, peekSize),
	}
}

// Peek returns up to n leading bytes of the stream without consuming them.
// A short read (fewer than n bytes, err == nil) happens when the peer has
// not yet sent that much; io.EOF is returned if the peer closed its write
// side before sending anything.
func (r *ReversibleStream) Peek(n int) ([]byte, error) {
	if r.buffered.Buffered() == 0 {
		if _, err := r.buffered.Peek(1); err != nil {
			return nil, err
		}
	}

	if avail := r.buffered.Buffered(); avail < n {
		n = avail
	}

	return r.buffered.Peek(n)
}

// Read satisfies io.Reader, returning any peeked-but-unconsumed bytes
// before reading fresh bytes off the underlying connection.
func (r *ReversibleStream) Read(p []byte) (int, error) {
	return r.buffered.Read(p)
}
