package server

import (
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// maxChunk is the read buffer size. The wire protocol has no framing: each
// read is treated as one logical message up to this size, and truncation or
// concatenation across chunk boundaries is an accepted limitation.
const maxChunk = 1024

// Conn wraps a transport connection with automatic write synchronization.
// A handle belongs to at most one identity at a time (tracked by the
// Registry, not here).
type Conn struct {
	id      string
	nc      net.Conn
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func newConn(nc net.Conn) *Conn {
	return &Conn{
		id: uuid.NewString(),
		nc: nc,
	}
}

// ID returns the unique handle ID of this connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// ReadChunk reads one logical message: a single read of up to maxChunk
// bytes, whitespace-trimmed.
func (c *Conn) ReadChunk() (string, error) {
	buf := make([]byte, maxChunk)
	n, err := c.nc.Read(buf)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

// WriteString sends text to the client. Empty text is a no-op. Concurrent
// writers (broadcasts, moderation notices, the owning handler) are
// serialized so output never interleaves mid-message.
func (c *Conn) WriteString(text string) error {
	if text == "" {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return net.ErrClosed
	}
	c.closeMu.Unlock()

	_, err := c.nc.Write([]byte(text))
	return err
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}
