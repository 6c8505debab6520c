package stealer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
)

// httpVersion classifies the first bytes of a connection. It is a best
// effort classification, not a guarantee that the stream actually is
// HTTP: a body that merely happens to start with a plausible request
// line is still classified as v1.
type httpVersion int

const (
	httpNotHTTP httpVersion = iota
	httpV1
	httpV2
)

// h2Preface is the fixed byte sequence every HTTP/2 connection begins
// with, specified by RFC 7540 section 3.5.
var h2Preface = []byte("PRI * HTTP/2.0\r\n")

// classifyHTTP inspects buffer, the leading bytes peeked off a connection,
// and decides whether it looks like an HTTP/1.x request, the start of the
// HTTP/2 preface, or neither.
func classifyHTTP(buffer []byte) httpVersion {
	if len(buffer) == 0 {
		return httpNotHTTP
	}

	prefaceLen := len(h2Preface)
	if prefaceLen > len(buffer) {
		prefaceLen = len(buffer)
	}

	if bytes.Equal(buffer[:prefaceLen], h2Preface[:prefaceLen]) {
		return httpV2
	}

	if looksLikeRequestLine(buffer) {
		return httpV1
	}

	return httpNotHTTP
}

// looksLikeRequestLine reports whether buffer could be the start of a
// valid HTTP/1.x request line and headers. A short buffer that parses as
// far as it goes, or one that only errs because it is truncated
// mid-headers, both count as plausible HTTP. Only complete lines are
// parsed: a header line cut off by the end of the buffer is ignored.
func looksLikeRequestLine(buffer []byte) bool {
	if i := bytes.LastIndexByte(buffer, '\n'); i >= 0 {
		buffer = buffer[:i+1]
	}

	reader := bufio.NewReader(bytes.NewReader(buffer))

	req, err := http.ReadRequest(reader)
	if err == nil {
		_ = req.Body.Close()
		return true
	}

	// A buffer that is simply too short to contain the full request still
	// looks like HTTP if everything read so far was well formed; bufio
	// surfaces that as an io.ErrUnexpectedEOF or io.EOF from ReadRequest.
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
