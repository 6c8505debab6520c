package wire

import (
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// registerOnce makes sure every concrete message type is registered with
// gob exactly once, regardless of how many Streams are created.
var registerOnce sync.Once

func register() {
	registerOnce.Do(func() {
		gob.Register(PortSubscribe{})
		gob.Register(ConnectionUnsubscribe{})
		gob.Register(PortUnsubscribe{})
		gob.Register(TcpData{})
		gob.Register(HttpResponse{})

		gob.Register(NewTcpConnection{})
		gob.Register(TcpClose{})
		gob.Register(SubscribeResult{})
		gob.Register(HttpRequest{})
	})
}

// Stream sends and receives wire messages over a single underlying
// connection (typically the socket between layer and agent). A Stream is
// one-directional in type but not in transport: LayerStream and
// DaemonStream both wrap the same gob codec, just typed to the message
// direction they carry.
type Stream[M any] interface {
	// Send encodes and writes msg. Safe to call from a single goroutine only.
	Send(msg M) error
	// Recv blocks until the next message arrives, or returns io.EOF once the
	// peer closes its side.
	Recv() (M, error)
}

// envelope carries a message's dynamic type across the wire, since gob
// requires interface values to be registered and wrapped for decoding.
type envelope struct {
	Msg any
}

type stream[M any] struct {
	enc *gob.Encoder
	dec *gob.Decoder
}

// NewLayerStream wraps rw as a Stream carrying LayerMessage values.
func NewLayerStream(rw io.ReadWriter) Stream[LayerMessage] {
	register()
	return &stream[LayerMessage]{enc: gob.NewEncoder(rw), dec: gob.NewDecoder(rw)}
}

// NewDaemonStream wraps rw as a Stream carrying DaemonMessage values.
func NewDaemonStream(rw io.ReadWriter) Stream[DaemonMessage] {
	register()
	return &stream[DaemonMessage]{enc: gob.NewEncoder(rw), dec: gob.NewDecoder(rw)}
}

func (s *stream[M]) Send(msg M) error {
	if err := s.enc.Encode(envelope{Msg: msg}); err != nil {
		return fmt.Errorf("encoding wire message: %w", err)
	}

	return nil
}

func (s *stream[M]) Recv() (M, error) {
	var env envelope

	var zero M

	if err := s.dec.Decode(&env); err != nil {
		return zero, err
	}

	msg, ok := env.Msg.(M)
	if !ok {
		return zero, fmt.Errorf("unexpected wire message type %T", env.Msg)
	}

	return msg, nil
}
