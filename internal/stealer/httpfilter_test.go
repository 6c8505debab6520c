package stealer

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/nimbustrap/steal/internal/wire"
)

func Test_HttpFilterBuilder_UnmatchedRequestReachesUpstream(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	peerConn, acceptedConn := net.Pipe()
	defer peerConn.Close()

	matchedCh := make(chan MatchedHTTPRequest, 1)

	builder := &HttpFilterBuilder{
		Filters:      map[ClientId]*regexp2.Regexp{},
		FiltersMu:    &sync.RWMutex{},
		MatchedCh:    matchedCh,
		UpstreamAddr: upstream.Listener.Addr().String(),
		ConnectionID: 1,
		Port:         8080,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- builder.Serve(NewReversibleStream(acceptedConn))
	}()

	_, err := peerConn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nX-Test: miss\r\n\r\n"))
	if err != nil {
		t.Fatalf("writing request: %v", err)
	}

	_ = peerConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(peerConn), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := resp.Header.Get("X-From-Upstream"); got != "yes" {
		t.Fatalf("X-From-Upstream header = %q, want %q", got, "yes")
	}

	select {
	case req := <-matchedCh:
		t.Fatalf("expected no matched request, got %+v", req)
	default:
	}

	_ = peerConn.Close()
	<-serveErr
}

func Test_HttpFilterBuilder_ClassifyOnImmediateCloseIsNotPassthrough(t *testing.T) {
	t.Parallel()

	peerConn, acceptedConn := net.Pipe()
	_ = peerConn.Close()

	builder := &HttpFilterBuilder{
		Filters:      map[ClientId]*regexp2.Regexp{},
		FiltersMu:    &sync.RWMutex{},
		UpstreamAddr: "127.0.0.1:1", // must never be dialed
		ConnectionID: 1,
		Port:         8080,
	}

	_, err := builder.Classify(NewReversibleStream(acceptedConn))
	if err == nil {
		t.Fatalf("expected an error classifying a connection closed before sending anything")
	}
	if errors.Is(err, ErrPassthrough) {
		t.Fatalf("a connection closed before sending any bytes must not be treated as passthrough")
	}
}

func Test_HttpFilterBuilder_MatchedRequestGoesToClient(t *testing.T) {
	t.Parallel()

	peerConn, acceptedConn := net.Pipe()
	defer peerConn.Close()

	filters := map[ClientId]*regexp2.Regexp{
		42: regexp2.MustCompile("Mirrord-Test: Hello", regexp2.None),
	}
	matchedCh := make(chan MatchedHTTPRequest, 1)

	builder := &HttpFilterBuilder{
		Filters:      filters,
		FiltersMu:    &sync.RWMutex{},
		MatchedCh:    matchedCh,
		UpstreamAddr: "127.0.0.1:1", // never dialed, since this request matches
		ConnectionID: 7,
		Port:         7777,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- builder.Serve(NewReversibleStream(acceptedConn))
	}()

	_, err := peerConn.Write([]byte("GET /path HTTP/1.1\r\nHost: example.com\r\nMirrord-Test: Hello\r\n\r\n"))
	if err != nil {
		t.Fatalf("writing request: %v", err)
	}

	var matched MatchedHTTPRequest
	select {
	case matched = <-matchedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for matched request")
	}

	if matched.ClientID != 42 {
		t.Fatalf("ClientID = %d, want 42", matched.ClientID)
	}
	if matched.Request.Method != "GET" {
		t.Fatalf("Method = %q, want GET", matched.Request.Method)
	}

	matched.RespCh <- wire.InternalHttpResponse{
		StatusCode: 200,
		Version:    "HTTP/1.1",
		Header:     http.Header{},
		Body:       []byte("ok"),
	}

	_ = peerConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(peerConn), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	_ = peerConn.Close()
	<-serveErr
}
