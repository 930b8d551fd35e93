package ftpclient

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockServer is a scripted in-process FTP server. It keeps files in memory
// and records every command it receives.
type mockServer struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	commands []string
	files    map[string][]byte
	handlers map[string]func(c *mockConn, arg string)
	conns    []net.Conn

	// closed counts client connections that ended with EOF.
	closed atomic.Int32

	// Set by mockOptions before the server starts; read-only afterwards.
	greeting  string
	features  []string
	password  string
	listing   []string // LIST output
	mlsd      []string // MLSD output
	tlsConfig *tls.Config
	implicit  bool

	wg sync.WaitGroup
}

type mockOption func(*mockServer)

func withGreeting(greeting string) mockOption {
	return func(srv *mockServer) { srv.greeting = greeting }
}

func withFeatures(features ...string) mockOption {
	return func(srv *mockServer) { srv.features = features }
}

func withListing(lines ...string) mockOption {
	return func(srv *mockServer) { srv.listing = lines }
}

func withMLSD(lines ...string) mockOption {
	return func(srv *mockServer) { srv.mlsd = lines }
}

// withTLS enables AUTH TLS, PBSZ and PROT P, or TLS from the first byte
// when implicit is set.
func withTLS(cert tls.Certificate, implicit bool) mockOption {
	return func(srv *mockServer) {
		srv.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		srv.implicit = implicit
	}
}

func newMockServer(t *testing.T, opts ...mockOption) *mockServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &mockServer{
		t:        t,
		listener: l,
		files:    map[string][]byte{},
		handlers: map[string]func(c *mockConn, arg string){},
		greeting: "220 Mock FTP server ready",
		password: "secret",
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.wg.Add(1)
	go srv.serve()

	t.Cleanup(func() {
		l.Close()
		srv.mu.Lock()
		for _, c := range srv.conns {
			c.Close()
		}
		srv.mu.Unlock()
		srv.wg.Wait()
	})
	return srv
}

func (srv *mockServer) port() int {
	return srv.listener.Addr().(*net.TCPAddr).Port
}

// handle overrides the reply to a command verb.
func (srv *mockServer) handle(verb string, h func(c *mockConn, arg string)) {
	srv.mu.Lock()
	srv.handlers[verb] = h
	srv.mu.Unlock()
}

func (srv *mockServer) setFile(name string, data []byte) {
	srv.mu.Lock()
	srv.files[name] = data
	srv.mu.Unlock()
}

func (srv *mockServer) file(name string) ([]byte, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	data, ok := srv.files[name]
	return data, ok
}

// received returns the command lines received so far.
func (srv *mockServer) received() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]string(nil), srv.commands...)
}

// verbs returns the verbs of the commands received so far.
func (srv *mockServer) verbs() []string {
	var verbs []string
	for _, line := range srv.received() {
		verb, _, _ := strings.Cut(line, " ")
		verbs = append(verbs, verb)
	}
	return verbs
}

func (srv *mockServer) serve() {
	defer srv.wg.Done()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return
		}
		srv.mu.Lock()
		srv.conns = append(srv.conns, conn)
		srv.mu.Unlock()

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			if srv.implicit {
				conn = tls.Server(conn, srv.tlsConfig)
			}
			c := &mockConn{srv: srv, conn: conn, text: textproto.NewConn(conn)}
			c.run()
		}()
	}
}

type mockConn struct {
	srv  *mockServer
	conn net.Conn
	text *textproto.Conn

	dataListener net.Listener
	activeAddr   string
	restOffset   int64
	modeZ        bool
	renameFrom   string
	protected    bool // PROT P
}

func (c *mockConn) reply(code int, format string, args ...any) {
	_ = c.text.PrintfLine("%03d %s", code, fmt.Sprintf(format, args...))
}

// raw writes lines verbatim, for multi-line and malformed replies.
func (c *mockConn) raw(lines ...string) {
	for _, line := range lines {
		_ = c.text.PrintfLine("%s", line)
	}
}

func (c *mockConn) run() {
	defer c.conn.Close()
	defer func() {
		if c.dataListener != nil {
			c.dataListener.Close()
		}
	}()

	if c.srv.greeting != "" {
		c.raw(c.srv.greeting)
	}

	for {
		line, err := c.text.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.srv.closed.Add(1)
			}
			return
		}

		c.srv.mu.Lock()
		c.srv.commands = append(c.srv.commands, line)
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		h := c.srv.handlers[verb]
		c.srv.mu.Unlock()

		if h != nil {
			h(c, arg)
			continue
		}
		if c.dispatch(verb, arg) {
			return
		}
	}
}

// upgrade switches the control connection to TLS after AUTH TLS.
func (c *mockConn) upgrade() {
	tlsConn := tls.Server(c.conn, c.srv.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.conn.Close()
		return
	}
	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)
}

// dispatch runs the default behavior of verb. It returns true when the
// connection should be closed.
func (c *mockConn) dispatch(verb, arg string) bool {
	srv := c.srv
	switch verb {
	case "USER":
		c.reply(331, "Password required for %s", arg)
	case "PASS":
		if srv.password == "" || arg == srv.password {
			c.reply(230, "Logged in")
		} else {
			c.reply(530, "Login incorrect")
		}
	case "ACCT":
		c.reply(230, "Account accepted")
	case "AUTH":
		if srv.tlsConfig == nil || srv.implicit {
			c.reply(504, "AUTH not supported")
			break
		}
		c.reply(234, "AUTH %s ok", arg)
		c.upgrade()
	case "PROT":
		if srv.tlsConfig == nil {
			c.reply(200, "OK")
			break
		}
		c.protected = strings.EqualFold(arg, "P")
		c.reply(200, "Protection level set to %s", arg)
	case "FEAT":
		if len(srv.features) == 0 {
			c.reply(502, "FEAT not implemented")
			break
		}
		lines := []string{"211-Features:"}
		for _, f := range srv.features {
			lines = append(lines, " "+f)
		}
		c.raw(append(lines, "211 End")...)
	case "OPTS", "PBSZ", "SITE":
		c.reply(200, "OK")
	case "NOOP":
		c.reply(200, "NOOP ok")
	case "TYPE":
		c.reply(200, "Type set to %s", arg)
	case "MODE":
		switch strings.ToUpper(arg) {
		case "Z":
			c.modeZ = true
			c.reply(200, "MODE Z ok")
		case "S":
			c.modeZ = false
			c.reply(200, "MODE S ok")
		default:
			c.reply(504, "Unsupported mode")
		}
	case "PWD":
		c.reply(257, `"/home/test" is the current directory`)
	case "CWD":
		if arg == "missing" {
			c.reply(550, "%s: No such file or directory", arg)
		} else {
			c.reply(250, "Directory changed")
		}
	case "CDUP":
		c.reply(250, "Directory changed")
	case "MKD":
		c.reply(257, `"%s" created`, arg)
	case "RMD":
		c.reply(250, "Directory removed")
	case "DELE":
		srv.mu.Lock()
		_, ok := srv.files[arg]
		delete(srv.files, arg)
		srv.mu.Unlock()
		if ok {
			c.reply(250, "File deleted")
		} else {
			c.reply(550, "No such file")
		}
	case "RNFR":
		if _, ok := srv.file(arg); !ok {
			c.reply(550, "No such file")
			break
		}
		c.renameFrom = arg
		c.reply(350, "Ready for RNTO")
	case "RNTO":
		srv.mu.Lock()
		srv.files[arg] = srv.files[c.renameFrom]
		delete(srv.files, c.renameFrom)
		srv.mu.Unlock()
		c.reply(250, "Renamed")
	case "SIZE":
		if data, ok := srv.file(arg); ok {
			c.reply(213, "%d", len(data))
		} else {
			c.reply(550, "No such file")
		}
	case "MDTM":
		if _, ok := srv.file(arg); ok {
			c.reply(213, "20240102030405")
		} else {
			c.reply(550, "No such file")
		}
	case "HELP":
		c.raw("214-The following commands are recognized:", " USER PASS RETR STOR", "214 Help OK")
	case "STAT":
		c.raw("211-Mock FTP server status:", "     Logged in", "211 End of status")
	case "REST":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			c.reply(501, "Bad offset")
			break
		}
		c.restOffset = n
		c.reply(350, "Restarting at %d", n)
	case "PASV":
		c.discardData()
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			c.reply(425, "Cannot listen: %v", err)
			break
		}
		c.dataListener = l
		port := l.Addr().(*net.TCPAddr).Port
		c.reply(227, "Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256)
	case "PORT":
		parts := strings.Split(arg, ",")
		if len(parts) != 6 {
			c.reply(501, "Bad PORT")
			break
		}
		p1, _ := strconv.Atoi(parts[4])
		p2, _ := strconv.Atoi(parts[5])
		c.activeAddr = net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))
		c.reply(200, "PORT ok")
	case "RETR":
		data, ok := srv.file(arg)
		if !ok {
			c.reply(550, "No such file")
			c.discardData()
			break
		}
		offset := c.restOffset
		c.restOffset = 0
		if offset > int64(len(data)) {
			offset = int64(len(data))
		}
		c.sendData(data[offset:])
	case "LIST":
		c.sendData([]byte(joinCRLF(srv.listing)))
	case "MLSD":
		c.sendData([]byte(joinCRLF(srv.mlsd)))
	case "NLST":
		srv.mu.Lock()
		var names []string
		for name := range srv.files {
			names = append(names, name)
		}
		srv.mu.Unlock()
		sort.Strings(names)
		c.sendData([]byte(joinCRLF(names)))
	case "STOR", "APPE":
		data, ok := c.receiveData()
		if !ok {
			break
		}
		srv.mu.Lock()
		switch {
		case verb == "APPE":
			srv.files[arg] = append(srv.files[arg], data...)
		case c.restOffset > 0:
			prev := srv.files[arg]
			if int64(len(prev)) > c.restOffset {
				prev = prev[:c.restOffset]
			}
			srv.files[arg] = append(append([]byte(nil), prev...), data...)
		default:
			srv.files[arg] = data
		}
		srv.mu.Unlock()
		c.restOffset = 0
		c.reply(226, "Transfer complete")
	case "ABOR":
		c.reply(226, "ABOR command successful")
	case "REIN":
		c.reply(220, "Service ready for new user")
	case "QUIT":
		c.reply(221, "Goodbye")
		return true
	default:
		c.reply(502, "Command not implemented")
	}
	return false
}

func joinCRLF(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// openData connects the data channel of the pending transfer, with TLS
// after PROT P.
func (c *mockConn) openData() (net.Conn, error) {
	conn, err := c.dialData()
	if err != nil || !c.protected {
		return conn, err
	}
	return tls.Server(conn, c.srv.tlsConfig), nil
}

func (c *mockConn) dialData() (net.Conn, error) {
	if c.dataListener != nil {
		l := c.dataListener
		c.dataListener = nil
		defer l.Close()
		_ = l.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
		return l.Accept()
	}
	if c.activeAddr != "" {
		addr := c.activeAddr
		c.activeAddr = ""
		return net.DialTimeout("tcp", addr, 5*time.Second)
	}
	return nil, fmt.Errorf("no data connection negotiated")
}

// discardData drops a negotiated data connection that will not be used.
func (c *mockConn) discardData() {
	if c.dataListener != nil {
		c.dataListener.Close()
		c.dataListener = nil
	}
	c.activeAddr = ""
}

func (c *mockConn) sendData(data []byte) {
	c.reply(150, "Opening data connection")
	conn, err := c.openData()
	if err != nil {
		c.reply(425, "Cannot open data connection")
		return
	}

	var w io.Writer = conn
	var zw *zlib.Writer
	if c.modeZ {
		zw = zlib.NewWriter(conn)
		w = zw
	}
	_, err = w.Write(data)
	if zw != nil && err == nil {
		err = zw.Close()
	}
	conn.Close()
	if err != nil {
		c.reply(426, "Connection closed; transfer aborted")
		return
	}
	c.reply(226, "Transfer complete")
}

func (c *mockConn) receiveData() ([]byte, bool) {
	c.reply(150, "Ok to send data")
	conn, err := c.openData()
	if err != nil {
		c.reply(425, "Cannot open data connection")
		return nil, false
	}
	defer conn.Close()

	var r io.Reader = conn
	if c.modeZ {
		zr, err := zlib.NewReader(conn)
		if err != nil {
			c.reply(451, "Bad compressed stream")
			return nil, false
		}
		defer zr.Close()
		r = zr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		c.reply(426, "Transfer aborted")
		return nil, false
	}
	return data, true
}

// streamForever writes to the data connection until the client goes away,
// for abort tests. started, if not nil, is closed after the first chunk.
func (c *mockConn) streamForever(started chan<- struct{}) {
	c.reply(150, "Opening data connection")
	conn, err := c.openData()
	if err != nil {
		c.reply(425, "Cannot open data connection")
		return
	}
	defer conn.Close()

	chunk := bytes.Repeat([]byte("x"), 32*1024)
	once := sync.Once{}
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(chunk); err != nil {
			break
		}
		if started != nil {
			once.Do(func() { close(started) })
		}
	}
	c.reply(426, "Connection closed; transfer aborted")
}

// newTestSession connects to srv and logs in.
func newTestSession(t *testing.T, srv *mockServer, opts ...Option) *Session {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	_, err = s.Connect(context.Background(), "127.0.0.1", srv.port())
	require.NoError(t, err)
	require.NoError(t, s.Login("test", "secret"))
	t.Cleanup(func() { _ = s.Disconnect(false) })
	return s
}

// selfSignedCert creates a certificate for 127.0.0.1 and localhost.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"Acme Co"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}
}

// trustingConfig returns a client config that trusts cert.
func trustingConfig(cert tls.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	return &tls.Config{RootCAs: pool}
}
