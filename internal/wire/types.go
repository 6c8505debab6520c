// Package wire defines the messages exchanged between the layer (running
// inside the user's local process) and the agent's stealer worker (running
// inside the target pod), and the Stream used to send and receive them.
package wire

import (
	"net/http"
	"net/url"
)

// Port is a TCP port number.
type Port = uint16

// ClientId identifies a single layer connected to the agent. One agent can
// serve many concurrently connected layers.
type ClientId = uint32

// ConnectionId identifies a single stolen TCP connection, scoped to the
// agent that accepted it.
type ConnectionId = uint64

// RequestId orders HTTP responses within a single stolen connection, so a
// later response never jumps ahead of an earlier one awaiting app reply.
type RequestId = uint64

// NewTcpConnection announces a newly accepted, stolen TCP connection to a
// subscribed client.
type NewTcpConnection struct {
	ConnectionID    ConnectionId
	Address         string // source IP of the original client, as text
	DestinationPort Port
	SourcePort      Port
}

// TcpData carries a chunk of bytes belonging to connection ConnectionID, in
// either direction.
type TcpData struct {
	ConnectionID ConnectionId
	Bytes        []byte
}

// TcpClose announces that a stolen connection has ended.
type TcpClose struct {
	ConnectionID ConnectionId
}

// PortSteal describes one subscription request: either steal every
// connection on Port, or only the HTTP requests on Port matching Filter.
type PortSteal struct {
	Port   Port
	Filter string // empty means "steal everything", non-empty is a header regex
}

// IsFiltered reports whether this subscription is an HTTP filter
// subscription rather than a full-port steal.
func (p PortSteal) IsFiltered() bool {
	return p.Filter != ""
}

// LayerMessage is sent from a layer to the agent's stealer worker. Each
// concrete type below implements it.
type LayerMessage interface {
	isLayerMessage()
}

// PortSubscribe asks the agent to start stealing traffic matching Steal.
type PortSubscribe struct{ Steal PortSteal }

// ConnectionUnsubscribe tells the agent the layer is done with a
// connection it was relaying, e.g. because the local app closed its side.
type ConnectionUnsubscribe struct{ ConnectionID ConnectionId }

// PortUnsubscribe asks the agent to stop stealing traffic on Port.
type PortUnsubscribe struct{ Port Port }

func (PortSubscribe) isLayerMessage()         {}
func (ConnectionUnsubscribe) isLayerMessage() {}
func (PortUnsubscribe) isLayerMessage()       {}
func (TcpData) isLayerMessage()               {}
func (HttpResponse) isLayerMessage()          {}

// SubscribeResult reports the outcome of a PortSubscribe request, so the
// layer knows when it is safe to assume traffic is being redirected.
type SubscribeResult struct {
	Port Port
	Err  string // empty on success
}

// DaemonMessage is sent from the agent's stealer worker to a layer. Each
// concrete type below implements it.
type DaemonMessage interface {
	isDaemonMessage()
}

func (NewTcpConnection) isDaemonMessage() {}
func (TcpData) isDaemonMessage()          {}
func (TcpClose) isDaemonMessage()         {}
func (SubscribeResult) isDaemonMessage()  {}
func (HttpRequest) isDaemonMessage()      {}

// InternalHttpRequest is the wire-friendly projection of an *http.Request:
// a parsed method/url/header/body with no live connection behind it.
type InternalHttpRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Version string
	Body    []byte
}

// FromHttpRequest captures a bufferable snapshot of req: its body must
// already have been consumed and replaced by the caller, since reading it
// here would be destructive if req is reused afterwards.
func FromHttpRequest(req *http.Request, body []byte) InternalHttpRequest {
	return InternalHttpRequest{
		Method:  req.Method,
		URL:     req.URL.String(),
		Header:  req.Header.Clone(),
		Version: req.Proto,
		Body:    body,
	}
}

// ToHttpRequest reconstructs an *http.Request suitable for replay against
// the local application. It carries no context or body reader state beyond
// what was captured on the wire.
func (r InternalHttpRequest) ToHttpRequest() (*http.Request, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, err
	}

	req := &http.Request{
		Method: r.Method,
		URL:    u,
		Header: r.Header.Clone(),
		Proto:  r.Version,
	}

	return req, nil
}

// HttpRequest carries one filtered HTTP request to the client owning the
// matching subscription. Port travels alongside the request because the
// connection on the client side is created lazily, on first matched
// request, rather than eagerly on accept.
type HttpRequest struct {
	Request      InternalHttpRequest
	ConnectionID ConnectionId
	RequestID    RequestId
	Port         Port
}

// InternalHttpResponse is the wire-friendly projection of an *http.Response.
type InternalHttpResponse struct {
	StatusCode int
	Version    string
	Header     http.Header
	Body       []byte
}

// HttpResponse carries the local application's reply to one HttpRequest
// back to the agent, to be written back out on the stolen connection.
type HttpResponse struct {
	RequestID    RequestId
	ConnectionID ConnectionId
	Port         Port
	Response     InternalHttpResponse
}
