package layer

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nimbustrap/steal/internal/wire"
)

func startHandler(t *testing.T, h *Handler) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	return cancel
}

func Test_NewConnectionRelaysDataBothWays(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	h := NewHandler("127.0.0.1")
	cancel := startHandler(t, h)
	defer cancel()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	h.Inbound() <- wire.NewTcpConnection{ConnectionID: 1, DestinationPort: port}

	var localConn net.Conn
	select {
	case localConn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for local dial")
	}
	defer localConn.Close()

	h.Inbound() <- wire.TcpData{ConnectionID: 1, Bytes: []byte("hello app")}

	buf := make([]byte, len("hello app"))
	_ = localConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(localConn, buf); err != nil {
		t.Fatalf("reading at local app: %v", err)
	}
	if string(buf) != "hello app" {
		t.Fatalf("local app got %q", buf)
	}

	if _, err := localConn.Write([]byte("hello client")); err != nil {
		t.Fatalf("writing from local app: %v", err)
	}

	select {
	case msg := <-h.Outbound():
		data, ok := msg.(wire.TcpData)
		if !ok || string(data.Bytes) != "hello client" {
			t.Fatalf("unexpected outbound message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for outbound data")
	}

	localConn.Close()

	select {
	case msg := <-h.Outbound():
		if _, ok := msg.(wire.ConnectionUnsubscribe); !ok {
			t.Fatalf("expected ConnectionUnsubscribe after local app closed, got %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for unsubscribe on EOF")
	}
}

func Test_HttpRequestReplayedAgainstLocalApp(t *testing.T) {
	t.Parallel()

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-App", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("app response"))
	}))
	defer local.Close()

	localAddr := local.Listener.Addr().(*net.TCPAddr)

	h := NewHandler("127.0.0.1")
	cancel := startHandler(t, h)
	defer cancel()

	h.Inbound() <- wire.HttpRequest{
		ConnectionID: 7,
		RequestID:    0,
		Port:         uint16(localAddr.Port),
		Request: wire.InternalHttpRequest{
			Method: "GET",
			URL:    "/hello",
			Header: http.Header{},
		},
	}

	select {
	case msg := <-h.Outbound():
		resp, ok := msg.(wire.HttpResponse)
		if !ok {
			t.Fatalf("expected wire.HttpResponse, got %T", msg)
		}
		if resp.Response.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.Response.StatusCode)
		}
		if string(resp.Response.Body) != "app response" {
			t.Fatalf("body = %q, want %q", resp.Response.Body, "app response")
		}
		if resp.Response.Header.Get("X-From-App") != "yes" {
			t.Fatalf("missing X-From-App header")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for http response")
	}
}

func Test_SubscribeResultSurfacedOnResultsChannel(t *testing.T) {
	t.Parallel()

	h := NewHandler("127.0.0.1")
	cancel := startHandler(t, h)
	defer cancel()

	h.Inbound() <- wire.SubscribeResult{Port: 80, Err: "port already stolen"}

	select {
	case res := <-h.Results():
		if res.Port != 80 || res.Err == "" {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for subscribe result")
	}
}
