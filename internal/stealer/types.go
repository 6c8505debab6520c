// Package stealer implements the agent-side half of TCP traffic stealing:
// a worker goroutine that owns an iptables redirect, accepts redirected
// connections, classifies them as HTTP or opaque TCP, and fans matched
// traffic out to whichever connected client asked for it.
package stealer

import (
	"github.com/nimbustrap/steal/internal/wire"
)

// ClientId identifies one connected layer.
type ClientId = wire.ClientId

// ConnectionId identifies one stolen TCP connection.
type ConnectionId = wire.ConnectionId

// Port is a TCP port number.
type Port = wire.Port

// RequestId orders HTTP responses within a connection.
type RequestId = wire.RequestId

// Command is sent from a ClientHandle to the worker goroutine. Exactly one
// of the fields below is set; Command plays the role the wire package's
// LayerMessage union plays on the network, but scoped to in-process
// channel delivery and carrying the client id out of band from the
// wire.LayerMessage payload.
type Command struct {
	ClientID ClientId

	NewClient             *NewClientCommand
	PortSubscribe         *wire.PortSteal
	PortUnsubscribe       *Port
	ConnectionUnsubscribe *ConnectionId
	ResponseData          *wire.TcpData
	HttpResponse          *wire.HttpResponse
	ClientClose           bool
}

// NewClientCommand registers a client with the worker, handing it the
// channel the worker will push DaemonMessages back through.
type NewClientCommand struct {
	DaemonTx chan<- wire.DaemonMessage
}
