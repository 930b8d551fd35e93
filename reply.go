package ftpclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
)

// Reply represents an FTP server reply.
type Reply struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Lines contains the message lines with the numeric prefix stripped.
	// Continuation lines that carried no prefix are kept verbatim.
	Lines []string
}

// IsSuccess returns true if the reply code is in the 2xx range.
func (r *Reply) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is1xx returns true if the reply code is in the 1xx range (preliminary).
func (r *Reply) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Reply) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (r *Reply) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (r *Reply) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// Message returns the message lines joined with newlines.
func (r *Reply) Message() string {
	return strings.Join(r.Lines, "\n")
}

// String returns the reply in a compact "code message" form.
func (r *Reply) String() string {
	return fmt.Sprintf("%03d %s", r.Code, strings.Join(r.Lines, " | "))
}

// CommunicationListener receives every raw line exchanged on the control
// channel. Sent lines are reported verbatim, passwords included; masking
// them is up to the listener.
type CommunicationListener interface {
	Sent(line string)
	Received(line string)
}

// observers is the listener registry shared by a session and its codec.
type observers struct {
	mu        sync.RWMutex
	listeners []CommunicationListener
}

func (o *observers) add(l CommunicationListener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, l)
	o.mu.Unlock()
}

func (o *observers) sent(line string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, l := range o.listeners {
		l.Sent(line)
	}
}

func (o *observers) received(line string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, l := range o.listeners {
		l.Received(line)
	}
}

// errUnencodable is returned for commands the control charset cannot
// represent. Nothing is written to the connection.
var errUnencodable = errors.New("ftp: command not representable in control charset")

// codec frames commands and replies on the control connection.
type codec struct {
	conn   net.Conn
	reader *bufio.Reader

	// wmu serializes writes; ABOR may be written while another goroutine
	// owns the session lock.
	wmu sync.Mutex

	// charset transcodes the control channel. nil means UTF-8 pass-through.
	charset encoding.Encoding

	observers *observers
}

func newCodec(conn net.Conn, charset encoding.Encoding, obs *observers) *codec {
	if obs == nil {
		obs = &observers{}
	}
	return &codec{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		charset:   charset,
		observers: obs,
	}
}

// sendCommand writes line followed by CRLF.
func (c *codec) sendCommand(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	wire := line + "\r\n"
	if c.charset != nil {
		encoded, err := c.charset.NewEncoder().String(wire)
		if err != nil {
			return fmt.Errorf("%w: %w", errUnencodable, err)
		}
		wire = encoded
	}

	if _, err := io.WriteString(c.conn, wire); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	c.observers.sent(line)
	return nil
}

// readLine reads one raw line without its terminator.
func (c *codec) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if c.charset != nil {
		decoded, err := c.charset.NewDecoder().String(line)
		if err == nil {
			line = decoded
		}
	}
	c.observers.received(line)
	return line, nil
}

// readReply reads one complete reply.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"211-Features:\r\n"
//	" MLSD\r\n"
//	"211 End\r\n"
//
// The reply is complete when a line starts with the opening code followed by
// a space. Lines without a numeric prefix are continuation text.
//
// A malformed line inside an open reply is reported only after the reply's
// terminator has been read, so the next reply starts on a clean line.
func (c *codec) readReply() (*Reply, error) {
	code := 0
	var lines []string
	var violation error

	for {
		line, err := c.readLine()
		if err != nil {
			if code == 0 {
				return nil, fmt.Errorf("%w: connection closed while waiting for reply: %w", ErrProtocol, err)
			}
			return nil, fmt.Errorf("%w: connection closed in the middle of reply %03d: %w", ErrProtocol, code, err)
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		prefix, ok := replyCode(line)
		if code == 0 {
			if !ok {
				return nil, fmt.Errorf("%w: reply without numeric prefix: %q", ErrProtocol, line)
			}
			if line[3] != ' ' && line[3] != '-' {
				return nil, fmt.Errorf("%w: invalid reply line: %q", ErrProtocol, line)
			}
			code = prefix
		} else if !ok {
			lines = append(lines, line)
			continue
		} else if prefix != code {
			if violation == nil {
				violation = fmt.Errorf("%w: line %q inside reply %03d", ErrProtocol, line, code)
			}
			continue
		}

		switch line[3] {
		case ' ':
			if violation != nil {
				return nil, violation
			}
			lines = append(lines, line[4:])
			return &Reply{Code: code, Lines: lines}, nil
		case '-':
			lines = append(lines, line[4:])
		default:
			if violation == nil {
				violation = fmt.Errorf("%w: invalid reply line: %q", ErrProtocol, line)
			}
		}
	}
}

// replyCode extracts the three-digit prefix of line. Lines shorter than four
// characters never carry a prefix.
func replyCode(line string) (int, bool) {
	if len(line) < 4 {
		return 0, false
	}
	code := 0
	for i := range 3 {
		ch := line[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		code = code*10 + int(ch-'0')
	}
	return code, true
}
