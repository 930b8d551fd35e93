package ftpclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// command runs one exchange after checking the session state and returns
// the reply. Negative replies are not errors here.
func (s *Session) command(needAuth bool, line string) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	check := s.requireConnected
	if needAuth {
		check = s.requireAuthenticated
	}
	if err := check(); err != nil {
		return nil, err
	}
	return s.exchange(line)
}

// expect2xx runs an exchange that must succeed.
func (s *Session) expect2xx(needAuth bool, line string) (*Reply, error) {
	reply, err := s.command(needAuth, line)
	if err != nil {
		return nil, err
	}
	if !reply.IsSuccess() {
		return nil, newReplyError(line, reply)
	}
	return reply, nil
}

// Noop sends a NOOP (no operation) command to the server.
func (s *Session) Noop() error {
	_, err := s.expect2xx(false, "NOOP")
	return err
}

// Quote sends a raw command to the server and returns the reply, whatever
// its code. This allows sending commands that are not explicitly supported.
//
// Example:
//
//	reply, err := s.Quote("SITE", "CHMOD", "755", "script.sh")
func (s *Session) Quote(command string, args ...string) (*Reply, error) {
	line := command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	return s.command(false, line)
}

// Site sends a SITE command and returns the reply, whatever its code.
func (s *Session) Site(args string) (*Reply, error) {
	return s.command(true, "SITE "+args)
}

// Help returns the lines of the server's HELP reply.
func (s *Session) Help() ([]string, error) {
	reply, err := s.expect2xx(false, "HELP")
	if err != nil {
		return nil, err
	}
	return reply.Lines, nil
}

// ServerStatus returns the lines of the server's STAT reply.
func (s *Session) ServerStatus() ([]string, error) {
	reply, err := s.expect2xx(false, "STAT")
	if err != nil {
		return nil, err
	}
	return reply.Lines, nil
}

// CurrentDir returns the current working directory (PWD).
func (s *Session) CurrentDir() (string, error) {
	reply, err := s.expect2xx(true, "PWD")
	if err != nil {
		return "", err
	}
	return parsePWD(reply.Lines)
}

// parsePWD extracts the quoted path of a PWD reply:
// `"/home/user" is current directory`.
func parsePWD(lines []string) (string, error) {
	if len(lines) != 1 {
		return "", fmt.Errorf("%w: unexpected PWD reply: %q", ErrProtocol, lines)
	}
	first := strings.IndexByte(lines[0], '"')
	last := strings.LastIndexByte(lines[0], '"')
	if first < 0 || last <= first {
		return "", fmt.Errorf("%w: no quoted path in PWD reply: %q", ErrProtocol, lines[0])
	}
	return lines[0][first+1 : last], nil
}

// ChangeDir changes the working directory (CWD).
func (s *Session) ChangeDir(path string) error {
	_, err := s.expect2xx(true, "CWD "+path)
	return err
}

// ChangeDirUp changes to the parent directory (CDUP).
func (s *Session) ChangeDirUp() error {
	_, err := s.expect2xx(true, "CDUP")
	return err
}

// MakeDir creates a directory (MKD).
func (s *Session) MakeDir(path string) error {
	_, err := s.expect2xx(true, "MKD "+path)
	return err
}

// RemoveDir removes an empty directory (RMD).
func (s *Session) RemoveDir(path string) error {
	_, err := s.expect2xx(true, "RMD "+path)
	return err
}

// Delete removes a file (DELE).
func (s *Session) Delete(path string) error {
	_, err := s.expect2xx(true, "DELE "+path)
	return err
}

// Rename renames a file or directory (RNFR + RNTO).
func (s *Session) Rename(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAuthenticated(); err != nil {
		return err
	}
	reply, err := s.exchange("RNFR " + from)
	if err != nil {
		return err
	}
	if reply.Code != 350 {
		return newReplyError("RNFR "+from, reply)
	}
	reply, err = s.exchange("RNTO " + to)
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return newReplyError("RNTO "+to, reply)
	}
	return nil
}

// ModTime returns the modification time of a file (MDTM), in UTC.
func (s *Session) ModTime(path string) (time.Time, error) {
	reply, err := s.expect2xx(true, "MDTM "+path)
	if err != nil {
		return time.Time{}, err
	}
	if len(reply.Lines) != 1 {
		return time.Time{}, fmt.Errorf("%w: unexpected MDTM reply: %q", ErrProtocol, reply.Lines)
	}
	t, ok := parseMDTM(strings.TrimSpace(reply.Lines[0]))
	if !ok {
		return time.Time{}, fmt.Errorf("%w: invalid MDTM timestamp: %q", ErrProtocol, reply.Lines[0])
	}
	return t, nil
}

// parseMDTM parses YYYYMMDDHHMMSS with optional fractional seconds.
func parseMDTM(value string) (time.Time, bool) {
	digits, frac, _ := strings.Cut(value, ".")
	if len(digits) != 14 || !isDigits(digits) || (frac != "" && !isDigits(frac)) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102150405", digits, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	if frac != "" {
		nanos, _ := strconv.Atoi((frac + "000000000")[:9])
		t = t.Add(time.Duration(nanos))
	}
	return t, true
}

// Size returns the size of a file in bytes (SIZE). The binary type is set
// first, since servers refuse SIZE in ASCII mode.
func (s *Session) Size(path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAuthenticated(); err != nil {
		return 0, err
	}
	reply, err := s.exchange("TYPE I")
	if err != nil {
		return 0, err
	}
	if !reply.IsSuccess() {
		return 0, newReplyError("TYPE I", reply)
	}
	reply, err = s.exchange("SIZE " + path)
	if err != nil {
		return 0, err
	}
	if !reply.IsSuccess() {
		return 0, newReplyError("SIZE "+path, reply)
	}
	if len(reply.Lines) != 1 {
		return 0, fmt.Errorf("%w: unexpected SIZE reply: %q", ErrProtocol, reply.Lines)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(reply.Lines[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid SIZE reply: %q", ErrProtocol, reply.Lines[0])
	}
	return size, nil
}
