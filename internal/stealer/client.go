package stealer

import (
	"github.com/nimbustrap/steal/internal/wire"
)

// ClientHandle is one connected layer's view of the worker: a place to send
// commands and a channel fed by the worker with everything addressed back
// to this client. The agent's wire-protocol loop pumps Messages() onto the
// layer's connection and turns incoming LayerMessages into calls here.
type ClientHandle struct {
	id       ClientId
	commands chan<- Command
	daemonRx <-chan wire.DaemonMessage
}

// NewClientHandle registers a new client with the worker behind commands
// and returns a handle to it. bufferSize controls how many DaemonMessages
// can queue before the worker blocks trying to deliver to this client.
func NewClientHandle(id ClientId, commands chan<- Command, bufferSize int) *ClientHandle {
	daemonCh := make(chan wire.DaemonMessage, bufferSize)

	commands <- Command{
		ClientID:  id,
		NewClient: &NewClientCommand{DaemonTx: daemonCh},
	}

	return &ClientHandle{id: id, commands: commands, daemonRx: daemonCh}
}

// ID returns the client id this handle was registered with.
func (c *ClientHandle) ID() ClientId {
	return c.id
}

// Messages returns the channel the worker delivers this client's
// DaemonMessages on.
func (c *ClientHandle) Messages() <-chan wire.DaemonMessage {
	return c.daemonRx
}

// PortSubscribe asks the worker to steal traffic matching steal. The
// outcome arrives asynchronously as a wire.SubscribeResult on Messages().
func (c *ClientHandle) PortSubscribe(steal wire.PortSteal) {
	c.commands <- Command{ClientID: c.id, PortSubscribe: &steal}
}

// PortUnsubscribe asks the worker to stop stealing traffic on port.
func (c *ClientHandle) PortUnsubscribe(port Port) {
	c.commands <- Command{ClientID: c.id, PortUnsubscribe: &port}
}

// ConnectionUnsubscribe tells the worker this client is done with a
// connection, e.g. because the local application closed its side.
func (c *ClientHandle) ConnectionUnsubscribe(connID ConnectionId) {
	c.commands <- Command{ClientID: c.id, ConnectionUnsubscribe: &connID}
}

// ResponseData forwards bytes the local application wrote for a raw
// (non-HTTP-filtered) stolen connection back to its original peer.
func (c *ClientHandle) ResponseData(data wire.TcpData) {
	c.commands <- Command{ClientID: c.id, ResponseData: &data}
}

// HttpResponse forwards the local application's reply to a previously
// matched HTTP request.
func (c *ClientHandle) HttpResponse(resp wire.HttpResponse) {
	c.commands <- Command{ClientID: c.id, HttpResponse: &resp}
}

// Close submits a best-effort ClientClose: a non-blocking send, since if
// the worker's command channel is full or the worker is already gone there
// is nothing useful left to do.
func (c *ClientHandle) Close() {
	select {
	case c.commands <- Command{ClientID: c.id, ClientClose: true}:
	default:
	}
}
