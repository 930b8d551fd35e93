package ftpclient

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// deadlineConn wraps a net.Conn and sets a read/write deadline before every operation.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (n int, err error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (n int, err error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func withDeadlines(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &deadlineConn{Conn: conn, timeout: timeout}
}

// contextDialer is satisfied by *net.Dialer and by proxyDialer.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// proxyDialer adapts a golang.org/x/net/proxy dialer.
type proxyDialer struct {
	d proxy.Dialer
}

func (p proxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := p.d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return p.d.Dial(network, addr)
}
