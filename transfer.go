package ftpclient

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/text/encoding"

	"github.com/gonzalop/ftpclient/internal/ratelimit"
)

// chunkSize is the unit of streaming, progress reporting and upload flushes.
const chunkSize = 64 * 1024

// transfer describes one data transfer.
type transfer struct {
	command  string // e.g. "RETR a.txt"
	textual  bool
	listing  bool
	offset   int64 // REST offset
	skip     int64 // bytes of the upload source to skip
	charset  encoding.Encoding
	compress bool
	listener TransferListener
}

// TransferOption customizes a single transfer.
type TransferOption func(*transfer)

// AtOffset restarts the transfer at offset (REST). For downloads the server
// skips offset bytes of the remote file; for uploads it writes from offset.
func AtOffset(offset int64) TransferOption {
	return func(t *transfer) {
		t.offset = offset
	}
}

// SkipSource discards the first n bytes of the upload source before
// sending. Combined with AtOffset it resumes an interrupted upload.
func SkipSource(n int64) TransferOption {
	return func(t *transfer) {
		t.skip = n
	}
}

// WithListener reports the transfer's progress to l.
func WithListener(l TransferListener) TransferOption {
	return func(t *transfer) {
		if l != nil {
			t.listener = l
		}
	}
}

func (s *Session) newTransfer(command string, textual bool, opts []TransferOption) *transfer {
	t := &transfer{
		command:  command,
		textual:  textual,
		charset:  s.charset,
		listener: ListenerFuncs{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *transfer) typeCode() string {
	if t.textual {
		return "A"
	}
	return "I"
}

// verb returns the command name without its argument.
func (t *transfer) verb() string {
	verb, _, _ := strings.Cut(t.command, " ")
	return verb
}

// run performs the transfer protocol around stream, which moves the bytes
// over the prepared data connection. Callers hold mu.
func (s *Session) run(t *transfer, stream func(conn net.Conn) error) error {
	reply, err := s.exchange("TYPE " + t.typeCode())
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return newReplyError("TYPE "+t.typeCode(), reply)
	}

	if err := s.reconcileModeZ(); err != nil {
		return err
	}
	t.compress = s.modeZActive

	connector, err := s.newConnector()
	if err != nil {
		return err
	}
	defer connector.Close()

	if !t.listing && (t.offset > 0 || s.caps.Resume) {
		line := fmt.Sprintf("REST %d", t.offset)
		reply, err := s.exchange(line)
		if err != nil {
			return err
		}
		zeroRejected := t.offset == 0 && (reply.Code == 501 || reply.Code == 502)
		if reply.Code != 350 && !zeroRejected {
			return newReplyError(line, reply)
		}
	}

	s.logCommand(t.command)
	if err := s.codec.sendCommand(t.command); err != nil {
		return s.fatal(err)
	}
	s.abort.begin(connector, s.codec)

	streamErr := s.stream(t, connector, stream)

	_ = connector.Close()
	aborted, pendingAbor := s.abort.finish()

	switch {
	case streamErr == nil:
	case aborted:
		streamErr = fmt.Errorf("%w: %w", ErrTransferAborted, streamErr)
	default:
		streamErr = fmt.Errorf("%s failed: %w", t.verb(), streamErr)
	}

	refused, tailErr := s.finishTransfer(t, aborted, pendingAbor)

	switch {
	case aborted:
		t.listener.Aborted()
	case streamErr != nil || tailErr != nil:
		t.listener.Failed()
	default:
		t.listener.Completed()
	}

	// A refused command explains whatever happened on the data connection.
	if refused {
		return tailErr
	}
	if streamErr != nil {
		return streamErr
	}
	if tailErr != nil {
		return tailErr
	}
	if aborted {
		return ErrTransferAborted
	}
	return nil
}

// stream opens the data connection and runs fn on it.
func (s *Session) stream(t *transfer, connector DataConnector, fn func(net.Conn) error) error {
	conn, err := connector.Open()
	if err != nil {
		return err
	}
	defer conn.Close()

	t.listener.Started()
	return fn(conn)
}

// finishTransfer reads the replies that close a transfer: the preliminary
// 1xx, the completion reply, and the reply to ABOR if one was sent.
// refused reports that the server rejected the transfer command itself.
func (s *Session) finishTransfer(t *transfer, aborted, pendingAbor bool) (refused bool, err error) {
	reply, err := s.readReply()
	if err != nil {
		return false, err
	}
	if reply.Code != 150 && reply.Code != 125 {
		if pendingAbor {
			if _, err := s.readReply(); err != nil {
				return true, err
			}
		}
		return true, newReplyError(t.command, reply)
	}

	reply, err = s.readReply()
	if err != nil {
		return false, err
	}
	var result error
	if reply.Code != 226 && !aborted {
		result = newReplyError(t.command, reply)
	}

	if pendingAbor {
		if _, err := s.readReply(); err != nil {
			return false, err
		}
	}
	return false, result
}

// reconcileModeZ switches the transfer mode to match the compression
// setting. A server refusing MODE Z just leaves transfers uncompressed.
func (s *Session) reconcileModeZ() error {
	want := s.compression && s.caps.ModeZ
	switch {
	case want && !s.modeZActive:
		reply, err := s.exchange("MODE Z")
		if err != nil {
			return err
		}
		s.modeZActive = reply.IsSuccess()
	case !want && s.modeZActive:
		reply, err := s.exchange("MODE S")
		if err != nil {
			return err
		}
		if reply.IsSuccess() {
			s.modeZActive = false
		}
	}
	return nil
}

// dataReader layers rate limiting, decompression and text conversion over
// a data connection.
func (s *Session) dataReader(t *transfer, conn net.Conn) (io.Reader, func(), error) {
	r := ratelimit.NewReader(conn, s.limiter)
	cleanup := func() {}
	if t.compress {
		zr, err := newInflater(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start decompression: %w", err)
		}
		r = zr
		cleanup = func() { zr.Close() }
	}
	if t.textual {
		r = newTextReader(r, t.charset)
	}
	return r, cleanup, nil
}

func (s *Session) download(t *transfer, w io.Writer) error {
	return s.run(t, func(conn net.Conn) error {
		r, cleanup, err := s.dataReader(t, conn)
		if err != nil {
			return err
		}
		defer cleanup()
		return copyChunks(w, r, t.listener)
	})
}

func (s *Session) upload(t *transfer, src io.Reader) error {
	return s.run(t, func(conn net.Conn) error {
		if t.skip > 0 {
			if err := skipSource(src, t.skip); err != nil {
				return err
			}
		}

		bw := bufio.NewWriterSize(ratelimit.NewWriter(conn, s.limiter), chunkSize)
		out := io.Writer(bw)
		var zw interface {
			io.WriteCloser
			Flush() error
		}
		if t.compress {
			zw = newDeflater(bw)
			out = zw
		}
		var tw io.WriteCloser
		if t.textual {
			tw = newTextWriter(out, t.charset)
			out = tw
		}

		flush := func() error {
			if zw != nil {
				if err := zw.Flush(); err != nil {
					return err
				}
			}
			return bw.Flush()
		}

		buf := make([]byte, chunkSize)
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, err := out.Write(buf[:n]); err != nil {
					return err
				}
				if err := flush(); err != nil {
					return err
				}
				t.listener.Transferred(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}

		if tw != nil {
			if err := tw.Close(); err != nil {
				return err
			}
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
}

func skipSource(src io.Reader, n int64) error {
	if seeker, ok := src.(io.Seeker); ok {
		if _, err := seeker.Seek(n, io.SeekCurrent); err != nil {
			return fmt.Errorf("failed to skip %d bytes of source: %w", n, err)
		}
		return nil
	}
	if _, err := io.CopyN(io.Discard, src, n); err != nil {
		return fmt.Errorf("failed to skip %d bytes of source: %w", n, err)
	}
	return nil
}

// Retrieve downloads the remote file name into w, using the session's
// transfer type.
//
// Example:
//
//	file, err := os.Create("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = s.Retrieve("remote.txt", file)
func (s *Session) Retrieve(name string, w io.Writer, opts ...TransferOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAuthenticated(); err != nil {
		return err
	}
	return s.download(s.newTransfer("RETR "+name, s.transferType == TypeTextual, opts), w)
}

// Store uploads r to the remote file name, replacing it.
//
// Example:
//
//	file, err := os.Open("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = s.Store("remote.txt", file)
func (s *Session) Store(name string, r io.Reader, opts ...TransferOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAuthenticated(); err != nil {
		return err
	}
	return s.upload(s.newTransfer("STOR "+name, s.transferType == TypeTextual, opts), r)
}

// Append uploads r to the end of the remote file name (APPE).
// If the file doesn't exist, it will be created.
func (s *Session) Append(name string, r io.Reader, opts ...TransferOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAuthenticated(); err != nil {
		return err
	}
	return s.upload(s.newTransfer("APPE "+name, s.transferType == TypeTextual, opts), r)
}

// listLines runs a listing command and returns the lines of its data
// connection. Listings are always transferred as text.
func (s *Session) listLines(command string, utf8 bool) ([]string, error) {
	t := s.newTransfer(command, true, nil)
	t.listing = true
	if utf8 {
		t.charset = nil
	}

	var lines []string
	err := s.run(t, func(conn net.Conn) error {
		r, cleanup, err := s.dataReader(t, conn)
		if err != nil {
			return err
		}
		defer cleanup()

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
		for scanner.Scan() {
			lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
		}
		return scanner.Err()
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// List returns the entries of a directory, or of the working directory
// when path is empty. MLSD is used according to the MLSD policy; otherwise
// LIST output is parsed by the first parser that understands it.
func (s *Session) List(path string) (Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAuthenticated(); err != nil {
		return nil, err
	}

	useMLSD := s.mlsdPolicy == MLSDAlways || (s.mlsdPolicy == MLSDIfSupported && s.caps.MLSD)
	command := "LIST"
	if useMLSD {
		command = "MLSD"
	}
	if path != "" {
		command += " " + path
	}

	lines, err := s.listLines(command, useMLSD)
	if err != nil {
		return nil, err
	}

	if !useMLSD {
		return s.dispatcher.Parse(lines)
	}
	entries, err := (&MLSDParser{}).Parse(nonBlank(lines))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparsableListing, err)
	}
	return toListing(entries), nil
}

// NameList returns the file names in a directory (NLST).
func (s *Session) NameList(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAuthenticated(); err != nil {
		return nil, err
	}
	command := "NLST"
	if path != "" {
		command += " " + path
	}
	lines, err := s.listLines(command, false)
	if err != nil {
		return nil, err
	}
	return nonBlank(lines), nil
}

// UploadFile uploads a local file to the server using Store.
//
// Example:
//
//	err := s.UploadFile("local_image.jpg", "/public/images/remote_image.jpg")
func (s *Session) UploadFile(localPath, remotePath string, opts ...TransferOption) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	if err := s.Store(remotePath, f, opts...); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

// DownloadFile downloads a remote file, creating or truncating the local
// file. The partial local file is removed on error.
//
// Example:
//
//	err := s.DownloadFile("/public/data.csv", "local_data.csv")
func (s *Session) DownloadFile(remotePath, localPath string, opts ...TransferOption) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	if err := s.Retrieve(remotePath, f, opts...); err != nil {
		f.Close()
		_ = os.Remove(localPath)
		return fmt.Errorf("download failed: %w", err)
	}
	return f.Close()
}
