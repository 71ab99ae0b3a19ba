package testutil

import (
	"io"
	"net"
	"time"
)

// Exchange connects to a plaintext proxy listener at addr, sends payload, and reads until the
// proxy closes the connection. An empty payload half-closes the connection without writing.
func Exchange(addr string, payload []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return nil, err
		}
	} else if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		return nil, err
	}

	return io.ReadAll(conn)
}
