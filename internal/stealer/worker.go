package stealer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"

	"github.com/nimbustrap/steal/internal/idalloc"
	"github.com/nimbustrap/steal/internal/iptables"
	"github.com/nimbustrap/steal/internal/log"
	"github.com/nimbustrap/steal/internal/origdst"
	"github.com/nimbustrap/steal/internal/subscriptions"
	"github.com/nimbustrap/steal/internal/wire"
)

// portState is the subscription state of a single stolen port: either one
// client holds a full-port (unfiltered) subscription, or any number of
// clients hold filtered subscriptions, never both at once.
type portState struct {
	hasFull bool
	full    ClientId

	filters   map[ClientId]*regexp2.Regexp
	filtersMu *sync.RWMutex
}

func newPortState() *portState {
	return &portState{
		filters:   make(map[ClientId]*regexp2.Regexp),
		filtersMu: &sync.RWMutex{},
	}
}

func (ps *portState) empty() bool {
	return !ps.hasFull && len(ps.filters) == 0
}

// rawConnection is the bookkeeping kept for a full-port (non-filtered)
// stolen connection: who owns it, and the socket to write replies onto.
type rawConnection struct {
	clientID ClientId
	write    net.Conn
}

type pendingKey struct {
	connectionID ConnectionId
	requestID    RequestId
}

type pendingHTTPResponse struct {
	clientID ClientId
	respCh   chan<- wire.InternalHttpResponse
}

type connReadEvent struct {
	connectionID ConnectionId
	data         []byte
	err          error
}

type clientState struct {
	daemonTx chan<- wire.DaemonMessage
}

// StealerWorker owns every piece of mutable stealing state for one agent
// process: the iptables guard, the port subscription table, every live
// connection, and the listener every redirected connection arrives on. All
// of that state is mutated from exactly one goroutine, Run's select loop;
// everything else — accept results, connection reads, matched HTTP
// requests, and client commands — reaches it over channels.
type StealerWorker struct {
	listener     net.Listener
	listenerPort Port
	localAddr    string

	guard     *iptables.Guard
	guardOpen bool

	ids   *idalloc.Allocator
	subs  *subscriptions.Subscriptions[Port, ClientId]
	ports map[Port]*portState

	clients     map[ClientId]*clientState
	connections map[ConnectionId]*rawConnection
	pendingHTTP map[pendingKey]pendingHTTPResponse

	commandCh chan Command
	acceptCh  chan net.Conn
	dataCh    chan connReadEvent
	matchedCh chan MatchedHTTPRequest
	doneCh    chan ConnectionId

	logger zerolog.Logger
}

// NewStealerWorker returns a worker that will accept redirected connections
// off listener and manage redirects through guard. localAddr, if non-empty,
// is the address unmatched HTTP requests are dialed from.
func NewStealerWorker(listener net.Listener, guard *iptables.Guard, localAddr string) *StealerWorker {
	var listenerPort Port
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		listenerPort = uint16(tcpAddr.Port)
	}

	return &StealerWorker{
		listener:     listener,
		listenerPort: listenerPort,
		localAddr:    localAddr,
		guard:        guard,
		ids:          idalloc.New(),
		subs:         subscriptions.New[Port, ClientId](),
		ports:        make(map[Port]*portState),
		clients:      make(map[ClientId]*clientState),
		connections:  make(map[ConnectionId]*rawConnection),
		pendingHTTP:  make(map[pendingKey]pendingHTTPResponse),
		commandCh:    make(chan Command, 64),
		acceptCh:     make(chan net.Conn),
		dataCh:       make(chan connReadEvent, 64),
		matchedCh:    make(chan MatchedHTTPRequest),
		doneCh:       make(chan ConnectionId),
		logger:       log.WithComponent("stealer"),
	}
}

// Commands returns the channel ClientHandles submit Commands on.
func (w *StealerWorker) Commands() chan<- Command {
	return w.commandCh
}

// Run drives the main select loop until ctx is canceled or the listener
// fails. On return, any open iptables guard is released and the listener
// is closed.
func (w *StealerWorker) Run(ctx context.Context) error {
	go w.acceptLoop()

	defer func() {
		_ = w.listener.Close()

		if w.guardOpen {
			if err := w.guard.Close(); err != nil {
				w.logger.Warn().Err(err).Msg("closing iptables guard on shutdown")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case conn, ok := <-w.acceptCh:
			if !ok {
				return nil
			}
			w.handleAccept(conn)

		case ev := <-w.dataCh:
			w.handleConnRead(ev)

		case req := <-w.matchedCh:
			w.handleMatched(req)

		case connID := <-w.doneCh:
			w.ids.Free(connID)

		case cmd := <-w.commandCh:
			w.handleCommand(cmd)
		}
	}
}

func (w *StealerWorker) acceptLoop() {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			close(w.acceptCh)
			return
		}

		w.acceptCh <- conn
	}
}

// handleAccept recovers a freshly accepted connection's original
// destination and dispatches it: rejected if nobody subscribes to that
// port, handed to the HTTP filter pipeline if a filter manager exists for
// it, or registered as a raw full-port connection otherwise.
func (w *StealerWorker) handleAccept(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}

	origAddr, err := origdst.Of(tcpConn)
	if err != nil {
		w.logger.Warn().Err(err).Msg("recovering original destination")
		conn.Close()
		return
	}

	ps := w.ports[origAddr.Port]
	if ps == nil || ps.empty() {
		w.logger.Debug().Uint16("port", origAddr.Port).Msg("rejecting connection with no subscribers")
		conn.Close()
		return
	}

	connID := w.ids.Next()

	if len(ps.filters) > 0 {
		go w.serveFiltered(connID, conn, origAddr, ps)
		return
	}

	client, ok := w.clients[ps.full]
	if !ok {
		w.ids.Free(connID)
		conn.Close()
		return
	}

	w.connections[connID] = &rawConnection{clientID: ps.full, write: conn}
	go w.readLoop(connID, conn)

	ip, srcPort := remoteAddress(conn)
	client.daemonTx <- wire.NewTcpConnection{
		ConnectionID:    connID,
		Address:         ip,
		DestinationPort: origAddr.Port,
		SourcePort:      srcPort,
	}
}

// readLoop feeds bytes and the terminal error off conn back into the
// worker loop for a raw (non-filtered) connection. It owns conn's read
// side for as long as the connection is registered.
func (w *StealerWorker) readLoop(connID ConnectionId, conn net.Conn) {
	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			w.dataCh <- connReadEvent{connectionID: connID, data: chunk}
		}

		if err != nil {
			w.dataCh <- connReadEvent{connectionID: connID, err: err}
			return
		}
	}
}

func (w *StealerWorker) handleConnRead(ev connReadEvent) {
	rc, ok := w.connections[ev.connectionID]
	if !ok {
		return
	}

	client, ok := w.clients[rc.clientID]
	if !ok {
		return
	}

	if len(ev.data) > 0 {
		client.daemonTx <- wire.TcpData{ConnectionID: ev.connectionID, Bytes: ev.data}
	}

	if ev.err != nil {
		client.daemonTx <- wire.TcpClose{ConnectionID: ev.connectionID}
		rc.write.Close()
		delete(w.connections, ev.connectionID)
		w.ids.Free(ev.connectionID)
	}
}

// serveFiltered runs entirely off the worker goroutine: it classifies the
// connection, then either drives it through the HTTP filter pipeline or
// falls back to a blind bidirectional copy. The only state it shares with
// the worker loop is ps.filters (read-mostly, guarded by ps.filtersMu) and
// the worker-owned matchedCh.
func (w *StealerWorker) serveFiltered(connID ConnectionId, conn net.Conn, origAddr origdst.Addr, ps *portState) {
	defer func() { w.doneCh <- connID }()
	defer conn.Close()

	upstreamAddr := fmt.Sprintf("%s:%d", origAddr.IP, origAddr.Port)
	stream := NewReversibleStream(conn)

	builder := &HttpFilterBuilder{
		Filters:      ps.filters,
		FiltersMu:    ps.filtersMu,
		MatchedCh:    w.matchedCh,
		UpstreamAddr: upstreamAddr,
		LocalAddr:    w.localAddr,
		ConnectionID: connID,
		Port:         origAddr.Port,
	}

	version, err := builder.Classify(stream)

	switch {
	case err == nil && version == httpV1:
		if svErr := builder.Serve(stream); svErr != nil {
			w.logger.Debug().Err(svErr).Uint64("connection_id", uint64(connID)).Msg("http filter connection ended")
		}

	case errors.Is(err, ErrPassthrough):
		if pErr := passthrough(stream, upstreamAddr); pErr != nil {
			w.logger.Debug().Err(pErr).Uint64("connection_id", uint64(connID)).Msg("passthrough connection ended")
		}

	default:
		// Peek failed outright (e.g. the peer closed before sending
		// anything); there is nothing left to classify or copy.
	}
}

func (w *StealerWorker) handleMatched(req MatchedHTTPRequest) {
	client, ok := w.clients[req.ClientID]
	if !ok {
		req.RespCh <- unreachableClientResponse()
		return
	}

	key := pendingKey{connectionID: req.ConnectionID, requestID: req.RequestID}
	w.pendingHTTP[key] = pendingHTTPResponse{clientID: req.ClientID, respCh: req.RespCh}

	client.daemonTx <- wire.HttpRequest{
		Request:      req.Request,
		ConnectionID: req.ConnectionID,
		RequestID:    req.RequestID,
		Port:         req.Port,
	}
}

func unreachableClientResponse() wire.InternalHttpResponse {
	return wire.InternalHttpResponse{
		StatusCode: http.StatusBadGateway,
		Version:    "HTTP/1.1",
		Header:     http.Header{},
		Body:       []byte("no client subscribed to this request"),
	}
}

func (w *StealerWorker) handleCommand(cmd Command) {
	switch {
	case cmd.NewClient != nil:
		w.clients[cmd.ClientID] = &clientState{daemonTx: cmd.NewClient.DaemonTx}

	case cmd.PortSubscribe != nil:
		w.handlePortSubscribe(cmd.ClientID, *cmd.PortSubscribe)

	case cmd.PortUnsubscribe != nil:
		w.handlePortUnsubscribe(cmd.ClientID, *cmd.PortUnsubscribe)

	case cmd.ConnectionUnsubscribe != nil:
		w.handleConnectionUnsubscribe(cmd.ClientID, *cmd.ConnectionUnsubscribe)

	case cmd.ResponseData != nil:
		w.handleResponseData(cmd.ClientID, *cmd.ResponseData)

	case cmd.HttpResponse != nil:
		w.handleHttpResponse(cmd.ClientID, *cmd.HttpResponse)

	case cmd.ClientClose:
		w.handleClientClose(cmd.ClientID)
	}
}

// handlePortSubscribe implements a full-port subscription and any number of
// filtered subscriptions as mutually exclusive on a given port, per port.
// Re-subscribing the same client to the same port (full or filtered) is
// idempotent success. iptables is only touched when the port transitions
// from unsubscribed to subscribed.
func (w *StealerWorker) handlePortSubscribe(clientID ClientId, steal wire.PortSteal) {
	client, ok := w.clients[clientID]
	if !ok {
		return
	}

	port := steal.Port
	ps := w.ports[port]
	wasEmpty := ps == nil || ps.empty()

	var filter *regexp2.Regexp
	var compileErr error
	if steal.IsFiltered() {
		filter, compileErr = regexp2.Compile(steal.Filter, regexp2.None)
	}

	failure := subscribeConflict(ps, clientID, steal, compileErr)

	if failure == "" && wasEmpty {
		failure = w.openRedirect(port)
	}

	if failure == "" {
		if ps == nil {
			ps = newPortState()
			w.ports[port] = ps
		}

		if steal.IsFiltered() {
			ps.filtersMu.Lock()
			ps.filters[clientID] = filter
			ps.filtersMu.Unlock()
		} else {
			ps.hasFull = true
			ps.full = clientID
		}

		w.subs.Subscribe(clientID, port)
	}

	client.daemonTx <- wire.SubscribeResult{Port: port, Err: failure}
}

// subscribeConflict reports why steal cannot be granted, or "" if it can.
func subscribeConflict(ps *portState, clientID ClientId, steal wire.PortSteal, compileErr error) string {
	if steal.IsFiltered() && compileErr != nil {
		return fmt.Sprintf("invalid filter: %v", compileErr)
	}

	if ps == nil {
		return ""
	}

	if steal.IsFiltered() {
		if ps.hasFull {
			return fmt.Sprintf("port %d already stolen", steal.Port)
		}

		return ""
	}

	if ps.hasFull && ps.full != clientID {
		return fmt.Sprintf("port %d already stolen", steal.Port)
	}

	if !ps.hasFull && len(ps.filters) > 0 {
		return fmt.Sprintf("port %d already stolen", steal.Port)
	}

	return ""
}

// openRedirect opens the iptables guard on first use and installs the
// redirect rule for port, returning a non-empty message on failure.
func (w *StealerWorker) openRedirect(port Port) string {
	if !w.guardOpen {
		if err := w.guard.Open(); err != nil {
			return fmt.Sprintf("opening iptables guard: %v", err)
		}

		w.guardOpen = true
	}

	if err := w.guard.Redirect(port, w.listenerPort); err != nil {
		return fmt.Sprintf("installing redirect for port %d: %v", port, err)
	}

	return ""
}

func (w *StealerWorker) handlePortUnsubscribe(clientID ClientId, port Port) {
	ps, ok := w.ports[port]
	if !ok {
		return
	}

	if ps.hasFull && ps.full == clientID {
		ps.hasFull = false
	} else {
		ps.filtersMu.Lock()
		delete(ps.filters, clientID)
		ps.filtersMu.Unlock()
	}

	w.subs.Unsubscribe(clientID, port)

	if !ps.empty() {
		return
	}

	delete(w.ports, port)

	if err := w.guard.StopRedirect(port, w.listenerPort); err != nil {
		w.logger.Warn().Err(err).Uint16("port", port).Msg("removing redirect rule")
	}

	if w.guardOpen && w.subs.IsEmpty() {
		if err := w.guard.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("closing iptables guard")
		}

		w.guardOpen = false
	}
}

func (w *StealerWorker) handleConnectionUnsubscribe(clientID ClientId, connID ConnectionId) {
	rc, ok := w.connections[connID]
	if !ok || rc.clientID != clientID {
		return
	}

	rc.write.Close()
	delete(w.connections, connID)
	w.ids.Free(connID)
}

func (w *StealerWorker) handleResponseData(clientID ClientId, data wire.TcpData) {
	rc, ok := w.connections[data.ConnectionID]
	if !ok || rc.clientID != clientID {
		w.logger.Warn().Uint64("connection_id", uint64(data.ConnectionID)).Msg("response data for unknown connection")
		return
	}

	if _, err := rc.write.Write(data.Bytes); err != nil {
		w.logger.Debug().Err(err).Uint64("connection_id", uint64(data.ConnectionID)).Msg("writing response data")
	}
}

func (w *StealerWorker) handleHttpResponse(clientID ClientId, resp wire.HttpResponse) {
	key := pendingKey{connectionID: resp.ConnectionID, requestID: resp.RequestID}

	pending, ok := w.pendingHTTP[key]
	if !ok || pending.clientID != clientID {
		return
	}

	delete(w.pendingHTTP, key)
	pending.respCh <- resp.Response
}

// handleClientClose unwinds everything a client owns: its port
// subscriptions (cascading to iptables as needed), its raw connections,
// and any HTTP requests still awaiting its reply.
func (w *StealerWorker) handleClientClose(clientID ClientId) {
	for _, port := range w.subs.ClientTopics(clientID) {
		w.handlePortUnsubscribe(clientID, port)
	}

	for connID, rc := range w.connections {
		if rc.clientID != clientID {
			continue
		}

		rc.write.Close()
		delete(w.connections, connID)
		w.ids.Free(connID)
	}

	for key, pending := range w.pendingHTTP {
		if pending.clientID != clientID {
			continue
		}

		delete(w.pendingHTTP, key)
		pending.respCh <- unreachableClientResponse()
	}

	delete(w.clients, clientID)
}

func remoteAddress(conn net.Conn) (string, uint16) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return conn.RemoteAddr().String(), 0
	}

	return addr.IP.String(), uint16(addr.Port)
}
