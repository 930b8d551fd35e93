package ftpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// pasvRegex matches the address part of a PASV reply: h1,h2,h3,h4,p1,p2.
// Servers disagree on the surrounding text, so parentheses are optional.
var pasvRegex = regexp.MustCompile(`(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3})`)

// parsePASV extracts the data address from the lines of a PASV reply.
// Example: "Entering Passive Mode (192,168,1,5,17,120)" yields 192.168.1.5 and 4472.
func parsePASV(lines []string) (string, int, error) {
	for _, line := range lines {
		matches := pasvRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		var b [6]int
		for i := range 6 {
			val, err := strconv.Atoi(matches[i+1])
			if err != nil || val > 255 {
				return "", 0, fmt.Errorf("%w: invalid PASV reply: %q", ErrProtocol, line)
			}
			b[i] = val
		}
		host := fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
		return host, b[4]*256 + b[5], nil
	}
	return "", 0, fmt.Errorf("%w: no address in PASV reply", ErrProtocol)
}

// formatPORT formats an address for the PORT command.
// Converts 192.168.1.100 and 50000 to "192,168,1,100,195,80".
func formatPORT(ip net.IP, port int) (string, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("PORT requires IPv4 address, got %s", ip)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip4[0], ip4[1], ip4[2], ip4[3], port/256, port%256), nil
}

// resolveDataAddr resolves the passive data address.
// If the PASV reply contains 0.0.0.0, it is replaced with the control connection host.
func resolveDataAddr(pasvHost string, port int, controlHost string) string {
	if pasvHost == "0.0.0.0" {
		pasvHost = controlHost
	}
	return net.JoinHostPort(pasvHost, strconv.Itoa(port))
}

// DataConnector produces the data connection of one transfer.
// Close may be called from another goroutine to interrupt Open or the
// stream it returned.
type DataConnector interface {
	Open() (net.Conn, error)
	Close() error
}

// socketHolder records the raw socket of a connector so Close can tear it
// down while the owner is blocked on it.
type socketHolder struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (h *socketHolder) hold(conn net.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		conn.Close()
		return net.ErrClosed
	}
	h.conn = conn
	return nil
}

func (h *socketHolder) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

// wrapFunc is applied to every raw data socket (TLS, I/O deadlines).
type wrapFunc func(net.Conn) (net.Conn, error)

func (h *socketHolder) adopt(conn net.Conn, wrap wrapFunc) (net.Conn, error) {
	if err := h.hold(conn); err != nil {
		return nil, err
	}
	if wrap == nil {
		return conn, nil
	}
	wrapped, err := wrap(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return wrapped, nil
}

// passiveConnector dials the address announced by PASV.
type passiveConnector struct {
	socketHolder
	addr    string
	dialer  contextDialer
	timeout time.Duration
	wrap    wrapFunc
}

func (p *passiveConnector) Open() (net.Conn, error) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.addr, err)
	}
	return p.adopt(conn, p.wrap)
}

func (p *passiveConnector) Close() error {
	return p.close()
}

// activeConnector waits for the server to connect to the port announced
// with PORT.
type activeConnector struct {
	socketHolder
	listener net.Listener
	timeout  time.Duration
	wrap     wrapFunc
}

func (a *activeConnector) Open() (net.Conn, error) {
	if a.timeout > 0 {
		if l, ok := a.listener.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(a.timeout))
		}
	}
	conn, err := a.listener.Accept()
	a.listener.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to accept data connection: %w", err)
	}
	return a.adopt(conn, a.wrap)
}

func (a *activeConnector) Close() error {
	err := a.listener.Close()
	if cerr := a.close(); cerr != nil {
		return cerr
	}
	return err
}

// directConnector obtains its socket from a caller-supplied function.
type directConnector struct {
	socketHolder
	dial func() (net.Conn, error)
	wrap wrapFunc
}

func (d *directConnector) Open() (net.Conn, error) {
	conn, err := d.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to open data connection: %w", err)
	}
	return d.adopt(conn, d.wrap)
}

func (d *directConnector) Close() error {
	return d.close()
}

// newConnector negotiates the data connection for the next transfer.
func (s *Session) newConnector() (DataConnector, error) {
	switch {
	case s.dataDialer != nil:
		return &directConnector{dial: s.dataDialer, wrap: s.wrapData}, nil
	case s.passive:
		return s.passiveConnector()
	default:
		return s.activeConnector()
	}
}

func (s *Session) passiveConnector() (DataConnector, error) {
	reply, err := s.exchange("PASV")
	if err != nil {
		return nil, err
	}
	if !reply.IsSuccess() {
		return nil, newReplyError("PASV", reply)
	}
	host, port, err := parsePASV(reply.Lines)
	if err != nil {
		return nil, err
	}
	return &passiveConnector{
		addr:    resolveDataAddr(host, port, s.host),
		dialer:  s.dialer,
		timeout: s.timeout,
		wrap:    s.wrapData,
	}, nil
}

func (s *Session) activeConnector() (DataConnector, error) {
	ip, err := s.activeIP()
	if err != nil {
		return nil, err
	}
	listener, err := s.listenActive(ip)
	if err != nil {
		return nil, err
	}

	port := listener.Addr().(*net.TCPAddr).Port
	arg, err := formatPORT(ip, port)
	if err != nil {
		listener.Close()
		return nil, err
	}

	reply, err := s.exchange("PORT " + arg)
	if err != nil {
		listener.Close()
		return nil, err
	}
	if !reply.IsSuccess() {
		listener.Close()
		return nil, newReplyError("PORT", reply)
	}
	return &activeConnector{listener: listener, timeout: s.timeout, wrap: s.wrapData}, nil
}

// activeIP returns the address announced with PORT: the configured one, or
// the local address of the control connection.
func (s *Session) activeIP() (net.IP, error) {
	if s.activeAddr != "" {
		return net.ParseIP(s.activeAddr), nil
	}
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("failed to determine local address: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("active mode requires an IPv4 control connection, local address is %s", host)
	}
	return ip, nil
}

// listenActive opens the active-mode listener, within the configured port
// range if there is one.
func (s *Session) listenActive(ip net.IP) (net.Listener, error) {
	if s.portMin == 0 {
		l, err := net.Listen("tcp4", net.JoinHostPort(ip.String(), "0"))
		if err != nil {
			// Fallback to all interfaces, e.g. when the announced address is NATed
			l, err = net.Listen("tcp4", ":0")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create listener: %w", err)
		}
		return l, nil
	}

	span := s.portMax - s.portMin + 1
	start := rand.IntN(span)
	var lastErr error
	for i := range span {
		port := s.portMin + (start+i)%span
		l, err := net.Listen("tcp4", ":"+strconv.Itoa(port))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", s.portMin, s.portMax, lastErr)
}

// wrapData applies data channel protection and I/O deadlines to a raw
// data socket.
func (s *Session) wrapData(conn net.Conn) (net.Conn, error) {
	if s.caps.DataEncrypted {
		tlsConn := tls.Client(conn, s.activeTLS)
		if err := handshake(tlsConn, s.timeout); err != nil {
			return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}
	return withDeadlines(conn, s.ioTimeout), nil
}

func handshake(conn *tls.Conn, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	return conn.Handshake()
}
