package stealer

import (
	"testing"
	"time"

	"github.com/nimbustrap/steal/internal/wire"
)

func Test_NewClientHandleRegistersWithWorker(t *testing.T) {
	t.Parallel()

	commands := make(chan Command, 4)
	handle := NewClientHandle(5, commands, 8)

	cmd := <-commands
	if cmd.ClientID != 5 || cmd.NewClient == nil {
		t.Fatalf("expected a NewClient command for client 5, got %+v", cmd)
	}
	if handle.ID() != 5 {
		t.Fatalf("ID() = %d, want 5", handle.ID())
	}
}

func Test_ClientHandleMethodsSendExpectedCommands(t *testing.T) {
	t.Parallel()

	commands := make(chan Command, 8)
	handle := NewClientHandle(1, commands, 8)
	<-commands // drain NewClient

	handle.PortSubscribe(wire.PortSteal{Port: 80})
	if cmd := <-commands; cmd.PortSubscribe == nil || cmd.PortSubscribe.Port != 80 {
		t.Fatalf("unexpected PortSubscribe command: %+v", cmd)
	}

	handle.PortUnsubscribe(80)
	if cmd := <-commands; cmd.PortUnsubscribe == nil || *cmd.PortUnsubscribe != 80 {
		t.Fatalf("unexpected PortUnsubscribe command: %+v", cmd)
	}

	handle.ConnectionUnsubscribe(42)
	if cmd := <-commands; cmd.ConnectionUnsubscribe == nil || *cmd.ConnectionUnsubscribe != 42 {
		t.Fatalf("unexpected ConnectionUnsubscribe command: %+v", cmd)
	}

	handle.ResponseData(wire.TcpData{ConnectionID: 42, Bytes: []byte("hi")})
	if cmd := <-commands; cmd.ResponseData == nil || cmd.ResponseData.ConnectionID != 42 {
		t.Fatalf("unexpected ResponseData command: %+v", cmd)
	}

	handle.HttpResponse(wire.HttpResponse{RequestID: 3, ConnectionID: 42})
	if cmd := <-commands; cmd.HttpResponse == nil || cmd.HttpResponse.RequestID != 3 {
		t.Fatalf("unexpected HttpResponse command: %+v", cmd)
	}

	handle.Close()
	if cmd := <-commands; !cmd.ClientClose {
		t.Fatalf("unexpected Close command: %+v", cmd)
	}
}

func Test_ClientHandleCloseIsNonBlockingWhenChannelFull(t *testing.T) {
	t.Parallel()

	commands := make(chan Command) // unbuffered, nobody reading
	handle := &ClientHandle{id: 1, commands: commands}

	done := make(chan struct{})
	go func() {
		handle.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close blocked on a full/unread command channel")
	}
}
