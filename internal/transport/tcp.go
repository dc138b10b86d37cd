package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultEndpoint is the loopback address of the binary-protocol bridge.
const DefaultEndpoint = "127.0.0.1:8899"

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 3 * time.Second

// TCPChannel adapts a net.Conn to Channel. Each Read arms a deadline of the
// configured read timeout and reports an expired deadline as (0, nil), so
// callers see the same timeout behaviour as a serial port.
type TCPChannel struct {
	conn net.Conn

	mu          sync.Mutex
	readTimeout time.Duration
}

// NewTCPChannel wraps an established connection.
func NewTCPChannel(conn net.Conn, readTimeout time.Duration) *TCPChannel {
	return &TCPChannel{conn: conn, readTimeout: readTimeout}
}

// DialTCP connects to addr.
func DialTCP(ctx context.Context, addr string, dialTimeout, readTimeout time.Duration) (*TCPChannel, error) {
	if addr == "" {
		addr = DefaultEndpoint
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewTCPChannel(conn, readTimeout), nil
}

// TCPOpener returns an Opener that treats the endpoint as a host:port.
func TCPOpener(dialTimeout, readTimeout time.Duration) Opener {
	return func(ctx context.Context, endpoint string) (Channel, error) {
		return DialTCP(ctx, endpoint, dialTimeout, readTimeout)
	}
}

// SetReadTimeout implements Channel.
func (c *TCPChannel) SetReadTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = timeout
	return nil
}

func (c *TCPChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	timeout := c.readTimeout
	c.mu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.conn.Read(p)
	var netErr net.Error
	if err != nil && errors.As(err, &netErr) && netErr.Timeout() {
		return n, nil
	}
	return n, err
}

func (c *TCPChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	timeout := c.readTimeout
	c.mu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

// Close closes the underlying connection.
func (c *TCPChannel) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *TCPChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
