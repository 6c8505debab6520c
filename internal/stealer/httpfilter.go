package stealer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

// ErrPassthrough is returned by HttpFilterBuilder.Classify when a
// connection's leading bytes are not a plausible HTTP/1.x request (either
// opaque TCP, or HTTP/2 which this component does not filter). The caller
// should fall back to a blind bidirectional copy.
var ErrPassthrough = errors.New("stealer: connection is not filterable HTTP/1.1")

// HttpFilterBuilder peeks a freshly accepted connection, classifies it,
// and if it looks like HTTP/1.1, wires it through an embedded HTTP server
// whose only job is to parse requests off the wire; real responses are
// written directly back onto the connection by HyperHandler; nothing the
// embedded server itself produces ever reaches the peer.
type HttpFilterBuilder struct {
	Filters      map[ClientId]*regexp2.Regexp
	FiltersMu    *sync.RWMutex
	MatchedCh    chan<- MatchedHTTPRequest
	UpstreamAddr string
	LocalAddr    string
	ConnectionID ConnectionId
	Port         Port
}

// Classify peeks the first bytes of stream and reports whether it is
// worth routing through the HTTP filter pipeline at all.
func (b *HttpFilterBuilder) Classify(stream *ReversibleStream) (httpVersion, error) {
	buffer, err := stream.Peek(peekSize)
	if err != nil && len(buffer) == 0 {
		// The peer closed before sending anything at all, including a
		// bare io.EOF: there is nothing to classify and nothing worth
		// dialing upstream for, so this is not a passthrough candidate.
		return httpNotHTTP, err
	}

	version := classifyHTTP(buffer)
	if version == httpNotHTTP || version == httpV2 {
		return version, ErrPassthrough
	}

	return version, nil
}

// Serve drives stream through the embedded HTTP/1.1 server until the
// connection closes. It blocks until that happens; callers should run it
// in its own goroutine per accepted connection.
func (b *HttpFilterBuilder) Serve(stream *ReversibleStream) error {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	handler := NewHyperHandler(
		stream,
		b.UpstreamAddr,
		b.ConnectionID,
		b.Port,
		b.Filters,
		b.FiltersMu,
		b.MatchedCh,
		b.LocalAddr,
	)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Real bytes from the peer flow into clientSide, which hyper's half
	// (serverSide) reads as incoming request bytes. Once the peer closes
	// its side, there is nothing left to parse, so tear the server down.
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		_, _ = io.Copy(clientSide, stream)
		_ = clientSide.Close()
		_ = srv.Close()
	}()

	// Nothing should ever read the embedded server's responses; they are
	// dummy placeholders. Discard them so the server's writes don't block.
	go func() {
		_, _ = io.Copy(io.Discard, clientSide)
	}()

	err := srv.Serve(newSingleConnListener(serverSide))
	<-forwardDone

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// singleConnListener is a net.Listener that yields exactly one
// already-established connection, then blocks until closed. It lets
// *http.Server drive a pre-existing net.Conn instead of one it accepted
// itself.
type singleConnListener struct {
	conn     net.Conn
	served   bool
	servedMu sync.Mutex
	closed   chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.servedMu.Lock()
	first := !l.served
	l.served = true
	l.servedMu.Unlock()

	if first {
		return l.conn, nil
	}

	<-l.closed

	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}

	return l.conn.Close()
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
