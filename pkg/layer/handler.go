// Package layer implements the steal handler that runs inside the
// developer's local process: it receives wire-protocol messages describing
// stolen traffic from the agent, relays raw bytes into and out of the local
// application, and replays matched HTTP requests through a local HTTP
// client.
package layer

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nimbustrap/steal/internal/log"
	"github.com/nimbustrap/steal/internal/wire"
)

// DefaultTargetHost is where the local application is assumed to be
// listening, matching the original implementation's localhost-only dial.
const DefaultTargetHost = "127.0.0.1"

type connReadEvent struct {
	connectionID wire.ConnectionId
	data         []byte
	err          error
}

type localHTTPClient struct {
	client *http.Client
	addr   string
}

// Handler is the single state-owning task on the layer side: it maintains
// one local TCP connection per stolen connection id and one lazily-dialed
// HTTP client per connection id carrying matched requests. All of that
// state is mutated from Run's select loop only; connection reads and HTTP
// roundtrips happen in their own goroutines and report back over channels.
type Handler struct {
	targetHost string

	conns       map[wire.ConnectionId]net.Conn
	httpClients map[wire.ConnectionId]*localHTTPClient

	inboundCh  chan wire.DaemonMessage
	dataCh     chan connReadEvent
	outboundCh chan wire.LayerMessage
	resultCh   chan wire.SubscribeResult

	logger zerolog.Logger
}

// NewHandler returns a Handler that dials the local application at
// targetHost. If targetHost is empty, DefaultTargetHost is used.
func NewHandler(targetHost string) *Handler {
	if targetHost == "" {
		targetHost = DefaultTargetHost
	}

	return &Handler{
		targetHost:  targetHost,
		conns:       make(map[wire.ConnectionId]net.Conn),
		httpClients: make(map[wire.ConnectionId]*localHTTPClient),
		inboundCh:   make(chan wire.DaemonMessage, 64),
		dataCh:      make(chan connReadEvent, 64),
		outboundCh:  make(chan wire.LayerMessage, 64),
		resultCh:    make(chan wire.SubscribeResult, 8),
		logger:      log.WithComponent("layer"),
	}
}

// Inbound is where a driver loop reading wire.Stream[wire.DaemonMessage]
// feeds every message it receives from the agent.
func (h *Handler) Inbound() chan<- wire.DaemonMessage {
	return h.inboundCh
}

// Outbound is where a driver loop sends from onto
// wire.Stream[wire.LayerMessage] towards the agent.
func (h *Handler) Outbound() <-chan wire.LayerMessage {
	return h.outboundCh
}

// Results delivers every wire.SubscribeResult the agent sends, separately
// from Outbound/Inbound since it is a reply to a request the driver issued
// directly (PortSubscribe), not an event the handler reacts to on its own.
func (h *Handler) Results() <-chan wire.SubscribeResult {
	return h.resultCh
}

// Run drives the handler until ctx is canceled or Inbound is closed.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-h.inboundCh:
			if !ok {
				return nil
			}
			h.handleDaemonMessage(msg)

		case ev := <-h.dataCh:
			h.handleConnRead(ev)
		}
	}
}

func (h *Handler) handleDaemonMessage(msg wire.DaemonMessage) {
	switch m := msg.(type) {
	case wire.NewTcpConnection:
		h.handleNewConnection(m)
	case wire.TcpData:
		h.handleData(m)
	case wire.TcpClose:
		h.handleClose(m)
	case wire.HttpRequest:
		h.handleHttpRequest(m)
	case wire.SubscribeResult:
		h.resultCh <- m
	}
}

// handleNewConnection dials the local application and registers both
// halves; a dial failure immediately unsubscribes the connection since
// there is nowhere to relay its bytes.
func (h *Handler) handleNewConnection(msg wire.NewTcpConnection) {
	addr := net.JoinHostPort(h.targetHost, strconv.Itoa(int(msg.DestinationPort)))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		h.logger.Warn().Err(err).Str("addr", addr).Msg("dialing local application")
		h.outboundCh <- wire.ConnectionUnsubscribe{ConnectionID: msg.ConnectionID}
		return
	}

	h.conns[msg.ConnectionID] = conn
	go h.readLoop(msg.ConnectionID, conn)
}

func (h *Handler) readLoop(connID wire.ConnectionId, conn net.Conn) {
	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.dataCh <- connReadEvent{connectionID: connID, data: chunk}
		}

		if err != nil {
			h.dataCh <- connReadEvent{connectionID: connID, err: err}
			return
		}
	}
}

func (h *Handler) handleConnRead(ev connReadEvent) {
	if _, ok := h.conns[ev.connectionID]; !ok {
		return
	}

	if len(ev.data) > 0 {
		h.outboundCh <- wire.TcpData{ConnectionID: ev.connectionID, Bytes: ev.data}
	}

	if ev.err != nil {
		h.closeConnection(ev.connectionID)
		h.outboundCh <- wire.ConnectionUnsubscribe{ConnectionID: ev.connectionID}
	}
}

func (h *Handler) handleData(msg wire.TcpData) {
	conn, ok := h.conns[msg.ConnectionID]
	if !ok {
		return
	}

	if _, err := conn.Write(msg.Bytes); err != nil {
		h.closeConnection(msg.ConnectionID)
		h.outboundCh <- wire.ConnectionUnsubscribe{ConnectionID: msg.ConnectionID}
	}
}

func (h *Handler) handleClose(msg wire.TcpClose) {
	h.closeConnection(msg.ConnectionID)
}

func (h *Handler) closeConnection(connID wire.ConnectionId) {
	if conn, ok := h.conns[connID]; ok {
		conn.Close()
		delete(h.conns, connID)
	}

	delete(h.httpClients, connID)
}

// handleHttpRequest replays a matched HTTP request against the local
// application. The roundtrip itself happens off the main loop, in its own
// goroutine, since it may block on the local application; only the client
// lookup/creation touches shared state.
func (h *Handler) handleHttpRequest(msg wire.HttpRequest) {
	lc, ok := h.httpClients[msg.ConnectionID]
	if !ok {
		lc = newLocalHTTPClient(h.targetHost, msg.Port)
		h.httpClients[msg.ConnectionID] = lc
	}

	go h.replay(lc, msg)
}

func newLocalHTTPClient(targetHost string, port wire.Port) *localHTTPClient {
	addr := net.JoinHostPort(targetHost, strconv.Itoa(int(port)))

	return &localHTTPClient{
		addr: addr,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		},
	}
}

func (h *Handler) replay(lc *localHTTPClient, msg wire.HttpRequest) {
	req, err := msg.Request.ToHttpRequest()
	if err != nil {
		h.outboundCh <- errorHttpResponse(msg, err)
		return
	}

	req.URL.Scheme = "http"
	req.URL.Host = lc.addr
	req.Host = lc.addr
	req.Body = io.NopCloser(bytes.NewReader(msg.Request.Body))
	req.ContentLength = int64(len(msg.Request.Body))

	resp, err := lc.client.Do(req)
	if err != nil {
		h.outboundCh <- errorHttpResponse(msg, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.outboundCh <- errorHttpResponse(msg, err)
		return
	}

	h.outboundCh <- wire.HttpResponse{
		RequestID:    msg.RequestID,
		ConnectionID: msg.ConnectionID,
		Port:         msg.Port,
		Response: wire.InternalHttpResponse{
			StatusCode: resp.StatusCode,
			Version:    resp.Proto,
			Header:     resp.Header.Clone(),
			Body:       body,
		},
	}
}

func errorHttpResponse(msg wire.HttpRequest, err error) wire.HttpResponse {
	return wire.HttpResponse{
		RequestID:    msg.RequestID,
		ConnectionID: msg.ConnectionID,
		Port:         msg.Port,
		Response: wire.InternalHttpResponse{
			StatusCode: http.StatusBadGateway,
			Version:    "HTTP/1.1",
			Header:     http.Header{},
			Body:       []byte(err.Error()),
		},
	}
}
