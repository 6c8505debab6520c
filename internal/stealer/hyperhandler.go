package stealer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/nimbustrap/steal/internal/wire"
)

// dummyResponseMatched and dummyResponseUnmatched are written back into the
// discarded half of the duplex pipe every request ends up producing inside
// the embedded HTTP server. Nothing ever reads them; the real response
// bytes are written directly onto the original connection by ServeHTTP
// before it returns. They exist only so ServeHTTP has something to hand
// back to net/http's machinery.
const (
	dummyResponseMatched   = "matched"
	dummyResponseUnmatched = "unmatched"
)

// MatchedHTTPRequest is handed to the worker when a request satisfies some
// client's filter. RespCh receives exactly one InternalHttpResponse, sent
// by the worker once the client replies with its HttpResponse wire message.
type MatchedHTTPRequest struct {
	ClientID     ClientId
	ConnectionID ConnectionId
	Port         Port
	RequestID    RequestId
	Request      wire.InternalHttpRequest
	RespCh       chan<- wire.InternalHttpResponse
}

// httpClient is the subset of *http.Client used to reach the real upstream
// for unmatched requests, narrowed to allow faking in tests.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HyperHandler serves one stolen HTTP/1.1 connection. Every parsed request
// is tested against the filters of every subscribed client; a match is
// forwarded to that client and its eventual reply is written back onto
// original directly, bypassing the embedded server's own response path
// entirely. A miss is proxied synchronously to upstreamAddr and the real
// response is relayed the same way.
//
// Not safe for concurrent use across connections: one HyperHandler serves
// exactly one TCP connection, and net/http already serializes the calls to
// ServeHTTP made for it.
type HyperHandler struct {
	filtersMu *sync.RWMutex
	filters   map[ClientId]*regexp2.Regexp

	matchedCh    chan<- MatchedHTTPRequest
	connectionID ConnectionId
	port         Port
	requestID    RequestId

	original     net.Conn
	upstreamAddr string
	client       httpClient
}

// NewHyperHandler returns a handler for one connection. filters and
// filtersMu are shared with the worker's per-port state (portState), which
// may add or remove clients concurrently with requests being served.
func NewHyperHandler(
	original net.Conn,
	upstreamAddr string,
	connectionID ConnectionId,
	port Port,
	filters map[ClientId]*regexp2.Regexp,
	filtersMu *sync.RWMutex,
	matchedCh chan<- MatchedHTTPRequest,
	localAddr string,
) *HyperHandler {
	return &HyperHandler{
		filtersMu:    filtersMu,
		filters:      filters,
		matchedCh:    matchedCh,
		connectionID: connectionID,
		port:         port,
		original:     original,
		upstreamAddr: upstreamAddr,
		client:       dialingClient(localAddr),
	}
}

// ServeHTTP implements http.Handler. It never returns an error response of
// its own accord; failures talking to the client or the upstream are
// surfaced as a 502 written directly onto original.
func (h *HyperHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(fmt.Errorf("reading request body: %w", err))
		w.WriteHeader(http.StatusOK)
		return
	}
	_ = r.Body.Close()

	req := wire.FromHttpRequest(r, body)
	requestID := h.requestID
	h.requestID++

	if clientID, ok := h.matchClient(r.Header); ok {
		h.serveMatched(clientID, req, requestID)
		_, _ = io.WriteString(w, dummyResponseMatched)
		return
	}

	h.serveUnmatched(r, req, requestID)
	_, _ = io.WriteString(w, dummyResponseUnmatched)
}

// matchClient finds the first client (by map iteration order, per spec's
// documented tie-break) whose filter matches any "name: value" header
// line. Filters are expected to be disjoint in practice, so iteration
// order rarely matters in the field.
func (h *HyperHandler) matchClient(header http.Header) (ClientId, bool) {
	h.filtersMu.RLock()
	defer h.filtersMu.RUnlock()

	for name, values := range header {
		for _, value := range values {
			line := name + ": " + value

			for clientID, filter := range h.filters {
				matched, err := filter.MatchString(line)
				if err == nil && matched {
					return clientID, true
				}
			}
		}
	}

	return 0, false
}

func (h *HyperHandler) serveMatched(clientID ClientId, req wire.InternalHttpRequest, requestID RequestId) {
	respCh := make(chan wire.InternalHttpResponse, 1)

	h.matchedCh <- MatchedHTTPRequest{
		ClientID:     clientID,
		ConnectionID: h.connectionID,
		Port:         h.port,
		RequestID:    requestID,
		Request:      req,
		RespCh:       respCh,
	}

	resp := <-respCh
	h.writeResponse(resp)
}

func (h *HyperHandler) serveUnmatched(r *http.Request, req wire.InternalHttpRequest, _ RequestId) {
	upstreamReq, err := http.NewRequest(r.Method, "http://"+h.upstreamAddr+r.URL.RequestURI(), bytes.NewReader(req.Body))
	if err != nil {
		h.writeError(fmt.Errorf("building upstream request: %w", err))
		return
	}
	upstreamReq.Header = r.Header.Clone()

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.writeError(fmt.Errorf("dialing upstream %s: %w", h.upstreamAddr, err))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.writeError(fmt.Errorf("reading upstream response: %w", err))
		return
	}

	h.writeResponse(wire.InternalHttpResponse{
		StatusCode: resp.StatusCode,
		Version:    resp.Proto,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	})
}

// writeResponse serializes resp directly onto the original connection,
// stripping Content-Length and Transfer-Encoding so the stdlib writer
// recomputes framing for the rematerialized body instead of trusting
// stale values captured off the wire.
func (h *HyperHandler) writeResponse(resp wire.InternalHttpResponse) {
	header := resp.Header.Clone()
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	httpResp := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}

	_ = httpResp.Write(h.original)
}

func (h *HyperHandler) writeError(err error) {
	resp := &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(err.Error())),
		ContentLength: int64(len(err.Error())),
	}

	_ = resp.Write(h.original)
}

// dialingClient returns an *http.Client bound to localAddr, the same
// pattern the teacher's HTTP proxy uses so unmatched requests leave from
// the agent's own address rather than an arbitrary one.
func dialingClient(localAddr string) *http.Client {
	var tcpAddr *net.TCPAddr
	if localAddr != "" {
		tcpAddr = &net.TCPAddr{IP: net.ParseIP(localAddr)}
	}

	dialer := &net.Dialer{
		LocalAddr: tcpAddr,
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return (&tls.Dialer{NetDialer: dialer}).DialContext(ctx, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
