package ftpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/text/encoding"

	"github.com/gonzalop/ftpclient/internal/ratelimit"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Capabilities are the server features discovered after login.
// They are reset on disconnect and on every new login.
type Capabilities struct {
	Resume        bool // REST STREAM
	UTF8          bool
	MLSD          bool
	ModeZ         bool // MODE Z compression
	DataEncrypted bool // PROT P accepted
}

// Session is an FTP client session: one control connection and at most one
// data transfer at a time.
//
// All methods are safe for concurrent use. Commands are serialized; Abort
// and State never wait for a running transfer.
type Session struct {
	// mu serializes control channel exchanges and guards the fields below.
	mu sync.Mutex

	// state is read without mu so State never blocks.
	state atomic.Int32

	conn  net.Conn
	codec *codec

	host string

	// timeout bounds dialing, TLS handshakes and active-mode accepts
	timeout time.Duration

	// ioTimeout, when positive, is applied before every read and write
	ioTimeout time.Duration

	security  SecurityMode
	tlsConfig *tls.Config
	// activeTLS is tlsConfig with ServerName filled in for the current host
	activeTLS  *tls.Config
	controlTLS bool

	logger *slog.Logger
	dialer contextDialer

	passive    bool
	portMin    int
	portMax    int
	activeAddr string
	dataDialer func() (net.Conn, error)

	transferType TransferType
	mlsdPolicy   MLSDPolicy

	// charset is the caller's charset, nil for UTF-8
	charset encoding.Encoding

	compression bool
	modeZActive bool
	limiter     *ratelimit.Limiter

	caps     Capabilities
	username string

	// staleReplies counts keep-alive replies that timed out and are still
	// due on the control connection.
	staleReplies int

	dispatcher *Dispatcher
	observers  *observers
	keepalive  *keepalive
	abort      abortState
}

// New creates a disconnected session.
//
// Example:
//
//	s, err := ftpclient.New(ftpclient.WithExplicitTLS(&tls.Config{}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := s.Connect(ctx, "ftp.example.com", 21); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Disconnect(true)
func New(options ...Option) (*Session, error) {
	s := &Session{
		timeout:    30 * time.Second,
		passive:    true,
		dialer:     &net.Dialer{},
		logger:     slog.New(slog.DiscardHandler),
		dispatcher: NewDispatcher(DefaultParsers()...),
		observers:  &observers{},
		keepalive:  &keepalive{},
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	s.logger = s.logger.With("session", xid.New().String())
	return s, nil
}

// State returns the connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Host returns the host of the current or last connection.
func (s *Session) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Username returns the user of the current login, or "".
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Capabilities returns the features discovered at login.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Connect opens the control connection and reads the server greeting,
// whose lines are returned. With implicit TLS the connection is encrypted
// before the greeting.
func (s *Session) Connect(ctx context.Context, host string, port int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateDisconnected {
		return nil, ErrAlreadyConnected
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.logger.Debug("connecting to ftp server", "addr", addr, "security", s.security)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s.activeTLS = s.tlsConfigFor(host)
	s.controlTLS = false
	if s.security == SecurityImplicit {
		s.logger.Debug("starting TLS handshake", "mode", "implicit")
		tlsConn := tls.Client(conn, s.activeTLS)
		if err := handshake(tlsConn, s.timeout); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		conn = tlsConn
		s.controlTLS = true
	}
	conn = withDeadlines(conn, s.ioTimeout)

	c := newCodec(conn, s.charset, s.observers)
	reply, err := c.readReply()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	s.logger.Debug("ftp greeting", "code", reply.Code, "message", reply.Message())
	if !reply.IsSuccess() {
		conn.Close()
		return nil, newReplyError("CONNECT", reply)
	}

	s.conn = conn
	s.codec = c
	s.host = host
	s.resetLogin()
	s.setState(StateConnected)
	s.keepalive.touch()
	return reply.Lines, nil
}

func (s *Session) tlsConfigFor(host string) *tls.Config {
	if s.tlsConfig == nil {
		return nil
	}
	cfg := s.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// resetLogin forgets everything learned from the previous login.
func (s *Session) resetLogin() {
	s.caps = Capabilities{}
	s.username = ""
	s.modeZActive = false
	if s.codec != nil {
		s.codec.charset = s.charset
	}
}

// Login authenticates with username and password. An empty password means
// none is supplied: if the server asks for one, Login fails with
// ErrPasswordRequired without sending PASS.
func (s *Session) Login(username, password string) error {
	return s.LoginAccount(username, password, "")
}

// LoginAccount is Login for servers that also require an account (ACCT).
//
// With explicit TLS the control connection is secured first. After a
// successful login the server features are discovered and the keep-alive
// loop is started.
func (s *Session) LoginAccount(username, password, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateDisconnected {
		return ErrNotConnected
	}

	s.keepalive.halt()
	s.setState(StateConnected)
	s.resetLogin()

	if s.security == SecurityExplicit && !s.controlTLS {
		if err := s.negotiateTLS(); err != nil {
			return err
		}
	}

	reply, err := s.exchange("USER " + username)
	if err != nil {
		return err
	}

	var needPassword, needAccount bool
	switch reply.Code {
	case 230:
	case 331:
		needPassword = true
	case 332:
		needAccount = true
	default:
		return newReplyError("USER", reply)
	}

	if needPassword {
		if password == "" {
			return ErrPasswordRequired
		}
		reply, err = s.exchange("PASS " + password)
		if err != nil {
			return err
		}
		switch reply.Code {
		case 230:
		case 332:
			needAccount = true
		default:
			return newReplyError("PASS", reply)
		}
	}

	if needAccount {
		if account == "" {
			return ErrAccountRequired
		}
		reply, err = s.exchange("ACCT " + account)
		if err != nil {
			return err
		}
		if reply.Code != 230 {
			return newReplyError("ACCT", reply)
		}
	}

	s.username = username
	s.setState(StateAuthenticated)
	s.logger.Debug("logged in", "user", username)

	if err := s.discoverFeatures(); err != nil {
		return err
	}
	s.keepalive.start(s.keepaliveNoop)
	return nil
}

// negotiateTLS upgrades the control connection with AUTH TLS, falling back
// to AUTH SSL.
func (s *Session) negotiateTLS() error {
	for _, mechanism := range []string{"TLS", "SSL"} {
		reply, err := s.exchange("AUTH " + mechanism)
		if err != nil {
			return err
		}
		if !reply.IsSuccess() {
			s.logger.Debug("AUTH rejected", "mechanism", mechanism, "code", reply.Code)
			continue
		}

		s.logger.Debug("starting TLS handshake", "mode", "explicit", "mechanism", mechanism)
		tlsConn := tls.Client(s.conn, s.activeTLS)
		if err := handshake(tlsConn, s.timeout); err != nil {
			s.closeControl()
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		s.logger.Debug("TLS handshake complete", "mode", "explicit")

		s.conn = tlsConn
		s.codec = newCodec(tlsConn, s.codec.charset, s.observers)
		s.controlTLS = true
		return nil
	}
	return fmt.Errorf("%w: server rejected AUTH TLS and AUTH SSL", ErrSecurityNegotiation)
}

// discoverFeatures sends FEAT and, on a secured connection, PBSZ and PROT.
// Negative replies are tolerated; only a lost connection is an error.
func (s *Session) discoverFeatures() error {
	reply, err := s.exchange("FEAT")
	if err != nil {
		return err
	}
	if reply.Code == 211 && len(reply.Lines) > 2 {
		for _, line := range reply.Lines[1 : len(reply.Lines)-1] {
			feat := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case feat == "REST STREAM":
				s.caps.Resume = true
			case feat == "UTF8":
				s.caps.UTF8 = true
			case feat == "MLSD":
				s.caps.MLSD = true
			case feat == "MODE Z" || strings.HasPrefix(feat, "MODE Z "):
				s.caps.ModeZ = true
			}
		}
	}
	s.logger.Debug("server features", "resume", s.caps.Resume, "utf8", s.caps.UTF8,
		"mlsd", s.caps.MLSD, "mode_z", s.caps.ModeZ)

	if s.caps.UTF8 {
		if _, err := s.exchange("OPTS UTF8 ON"); err != nil {
			return err
		}
		s.codec.charset = nil
	}

	if s.controlTLS {
		if _, err := s.exchange("PBSZ 0"); err != nil {
			return err
		}
		reply, err := s.exchange("PROT P")
		if err != nil {
			return err
		}
		s.caps.DataEncrypted = reply.IsSuccess()
	}
	return nil
}

// Disconnect closes the session. With sendQuit the QUIT command is sent
// first; if QUIT fails the session stays connected.
func (s *Session) Disconnect(sendQuit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateDisconnected {
		return ErrNotConnected
	}
	s.keepalive.halt()

	if sendQuit {
		reply, err := s.exchange("QUIT")
		if err != nil {
			return err
		}
		if !reply.IsSuccess() {
			return newReplyError("QUIT", reply)
		}
	}
	s.closeControl()
	return nil
}

// Reinitialize sends REIN, logging out while keeping the connection.
func (s *Session) Reinitialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	reply, err := s.exchange("REIN")
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return newReplyError("REIN", reply)
	}
	s.keepalive.halt()
	s.resetLogin()
	s.setState(StateConnected)
	return nil
}

// closeControl drops the control connection. Callers hold mu.
func (s *Session) closeControl() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.codec = nil
	s.controlTLS = false
	s.caps = Capabilities{}
	s.username = ""
	s.modeZActive = false
	s.staleReplies = 0
	s.setState(StateDisconnected)
}

// exchange sends one command and reads its reply. Callers hold mu.
func (s *Session) exchange(line string) (*Reply, error) {
	if err := s.drainStale(); err != nil {
		return nil, err
	}
	s.logCommand(line)
	if err := s.codec.sendCommand(line); err != nil {
		return nil, s.fatal(err)
	}
	return s.readReply()
}

// readReply reads one reply. Callers hold mu.
func (s *Session) readReply() (*Reply, error) {
	reply, err := s.codec.readReply()
	s.keepalive.touch()
	if err != nil {
		return nil, s.fatal(err)
	}
	s.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message())
	return reply, nil
}

// drainStale discards late keep-alive replies so the next reply read
// belongs to the next command. Callers hold mu.
func (s *Session) drainStale() error {
	for s.staleReplies > 0 {
		reply, err := s.readReply()
		if s.codec == nil {
			return err
		}
		s.staleReplies--
		if err == nil {
			s.logger.Debug("discarded late keep-alive reply", "code", reply.Code)
		}
	}
	return nil
}

// fatal closes the session when err means the control connection is gone.
// Malformed replies leave the connection open; the codec has already read
// the rest of the reply.
func (s *Session) fatal(err error) error {
	if connectionLost(err) {
		s.logger.Debug("control connection lost", "error", err)
		s.keepalive.cancel()
		s.closeControl()
	}
	return err
}

func connectionLost(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		!(errors.Is(err, ErrProtocol) || errors.Is(err, errUnencodable))
}

func (s *Session) logCommand(line string) {
	if len(line) >= 5 && strings.EqualFold(line[:5], "PASS ") {
		line = "PASS ****"
	}
	s.logger.Debug("ftp command", "cmd", line)
}

// keepaliveNoop is called by the keep-alive loop. It skips the NOOP when
// another command or a transfer holds the session, and ignores failures.
// A reply that times out is remembered and discarded before the next command.
func (s *Session) keepaliveNoop() {
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()
	if s.State() != StateAuthenticated || s.codec == nil || s.staleReplies > 0 {
		return
	}

	s.logger.Debug("sending keep-alive NOOP")
	if err := s.codec.sendCommand("NOOP"); err != nil {
		s.logger.Debug("keep-alive NOOP failed", "error", err)
		return
	}
	if _, err := s.codec.readReply(); err != nil {
		s.logger.Debug("keep-alive NOOP failed", "error", err)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.staleReplies++
		}
	}
}

func (s *Session) requireConnected() error {
	if s.State() == StateDisconnected {
		return ErrNotConnected
	}
	return nil
}

func (s *Session) requireAuthenticated() error {
	switch s.State() {
	case StateDisconnected:
		return ErrNotConnected
	case StateConnected:
		return ErrNotAuthenticated
	}
	return nil
}

// SetKeepaliveTimeout changes the idle time after which NOOP is sent.
// Zero disables keep-alive.
func (s *Session) SetKeepaliveTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative keep-alive timeout: %v", d)
	}
	s.keepalive.setTimeout(d)
	switch {
	case d == 0:
		s.keepalive.halt()
	case s.State() == StateAuthenticated && !s.keepalive.isRunning():
		s.keepalive.start(s.keepaliveNoop)
	}
	return nil
}

// SetPassive selects passive (PASV) or active (PORT) data connections.
func (s *Session) SetPassive(passive bool) {
	s.mu.Lock()
	s.passive = passive
	s.mu.Unlock()
}

// SetTransferType sets the representation type of Retrieve, Store and Append.
func (s *Session) SetTransferType(t TransferType) error {
	if t != TypeBinary && t != TypeTextual {
		return fmt.Errorf("invalid transfer type: %d", t)
	}
	s.mu.Lock()
	s.transferType = t
	s.mu.Unlock()
	return nil
}

// SetMLSDPolicy chooses between MLSD and LIST for List.
func (s *Session) SetMLSDPolicy(p MLSDPolicy) error {
	if !p.valid() {
		return fmt.Errorf("invalid MLSD policy: %d", p)
	}
	s.mu.Lock()
	s.mlsdPolicy = p
	s.mu.Unlock()
	return nil
}

// SetCharset changes the charset by IANA name. It applies to textual
// transfers and, unless the server switched to UTF8, to the control channel.
func (s *Session) SetCharset(name string) error {
	enc, err := lookupCharset(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charset = enc
	if s.codec != nil && !s.caps.UTF8 {
		s.codec.charset = enc
	}
	return nil
}

// SetCompression enables or disables MODE Z for subsequent transfers.
func (s *Session) SetCompression(enabled bool) {
	s.mu.Lock()
	s.compression = enabled
	s.mu.Unlock()
}
