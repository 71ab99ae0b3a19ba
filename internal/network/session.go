package network

import (
	"fmt"
	"net"
	"sync"
)

// Session is a single-use upstream connection. Instead of closing the underlying connection
// directly, Close invokes a release callback supplied by the session provider, exactly once.
// Providers that recycle connections could return them to a pool from the callback; TLSClient
// always tears the connection down.
type Session struct {
	release func() error
	once    sync.Once
	err     error

	net.Conn
}

// NewSession wraps an existing net.Conn with the specified release callback.
func NewSession(conn net.Conn, release func() error) *Session {
	return &Session{release: release, Conn: conn}
}

// Close releases the session. Subsequent calls return the result of the first.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.err = s.release()
	})

	return s.err
}

// String implements the Stringer interface for human-consumable representation.
func (s *Session) String() string {
	return fmt.Sprintf("Session{%s->%s}", s.LocalAddr(), s.RemoteAddr())
}
