package stealer

import (
	"io"
	"net"
)

// passthrough blindly, bidirectionally copies bytes between client (the
// stolen connection, already possibly peeked by a ReversibleStream) and a
// freshly dialed connection to upstreamAddr. It is used for connections the
// HTTP filter pipeline declined to handle: opaque TCP and HTTP/2.
//
// passthrough blocks until one direction has finished copying, which
// happens once either side closes, and closes the upstream connection on
// return.
func passthrough(client io.ReadWriter, upstreamAddr string) error {
	upstream, err := net.Dial("tcp", upstreamAddr)
	if err != nil {
		return err
	}
	defer upstream.Close()

	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(upstream, client)
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(client, upstream)
		errCh <- err
	}()

	return <-errCh
}
