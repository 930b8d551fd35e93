// Package ftpfs exposes an FTP session as a read-mostly file system: it
// lists directories, stats and opens files, and walks trees with
// github.com/kr/fs.
package ftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	krfs "github.com/kr/fs"

	"github.com/gonzalop/ftpclient"
)

// FS is a file system view of a logged-in session. Paths are remote,
// slash-separated paths.
type FS struct {
	s *ftpclient.Session
}

// New wraps an authenticated session.
func New(s *ftpclient.Session) *FS {
	return &FS{s: s}
}

// Dial connects to addr ("host:port"), logs in and returns the file system.
func Dial(ctx context.Context, addr, user, password string, opts ...ftpclient.Option) (*FS, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	s, err := ftpclient.New(opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.Connect(ctx, host, port); err != nil {
		return nil, err
	}
	if err := s.Login(user, password); err != nil {
		_ = s.Disconnect(false)
		return nil, err
	}
	return New(s), nil
}

// Session returns the underlying session.
func (f *FS) Session() *ftpclient.Session {
	return f.s
}

// Close ends the session, sending QUIT when the server still answers.
func (f *FS) Close() error {
	if err := f.s.Disconnect(true); err != nil {
		if errors.Is(err, ftpclient.ErrNotConnected) {
			return nil
		}
		_ = f.s.Disconnect(false)
		return err
	}
	return nil
}

// ReadDir returns the entries of dir sorted by name, without "." and "..".
func (f *FS) ReadDir(dir string) ([]os.FileInfo, error) {
	listing, err := f.s.List(dir)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: dir, Err: err}
	}
	infos := make([]os.FileInfo, 0, len(listing))
	for _, e := range listing.Entries() {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		infos = append(infos, fileInfo{e})
	}
	return infos, nil
}

// Lstat describes name without following symbolic links. It lists the
// parent directory, since FTP has no portable single-file stat.
func (f *FS) Lstat(name string) (os.FileInfo, error) {
	clean := path.Clean(name)
	if clean == "/" || clean == "." {
		return fileInfo{&ftpclient.Entry{Name: clean, Type: ftpclient.EntryDir}}, nil
	}

	dir, base := path.Split(clean)
	listing, err := f.s.List(dir)
	if err != nil {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: err}
	}
	e, ok := listing[base]
	if !ok {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: fs.ErrNotExist}
	}
	return fileInfo{e}, nil
}

// Stat is Lstat, following one level of symbolic link.
func (f *FS) Stat(name string) (os.FileInfo, error) {
	fi, err := f.Lstat(name)
	if err != nil {
		return nil, err
	}
	e := fi.Sys().(*ftpclient.Entry)
	if e.Type != ftpclient.EntryLink || e.Target == "" {
		return fi, nil
	}
	target := e.Target
	if !path.IsAbs(target) {
		target = path.Join(path.Dir(path.Clean(name)), target)
	}
	return f.Lstat(target)
}

// Join implements github.com/kr/fs.FileSystem.
func (f *FS) Join(elem ...string) string {
	return path.Join(elem...)
}

// Walk returns a walker over the tree rooted at root.
//
// Example:
//
//	walker := fsys.Walk("/pub")
//	for walker.Step() {
//	    if err := walker.Err(); err != nil {
//	        continue
//	    }
//	    fmt.Println(walker.Path())
//	}
func (f *FS) Walk(root string) *krfs.Walker {
	return krfs.WalkFS(root, f)
}

// Open starts downloading name and returns its content as a stream.
// Closing the stream before the end aborts the transfer.
func (f *FS) Open(name string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	rf := &remoteFile{pr: pr, s: f.s, done: make(chan struct{})}
	go func() {
		err := f.s.Retrieve(name, pw)
		rf.mu.Lock()
		rf.err = err
		rf.mu.Unlock()
		pw.CloseWithError(err)
		close(rf.done)
	}()
	return rf, nil
}

type remoteFile struct {
	pr   *io.PipeReader
	s    *ftpclient.Session
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (r *remoteFile) Read(p []byte) (int, error) {
	return r.pr.Read(p)
}

// Close aborts an unfinished download and waits for the session to be free.
func (r *remoteFile) Close() error {
	select {
	case <-r.done:
	default:
		_ = r.s.Abort(true)
		_ = r.pr.Close()
		<-r.done
		return nil
	}
	_ = r.pr.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// fileInfo adapts a listing entry to os.FileInfo.
type fileInfo struct {
	e *ftpclient.Entry
}

func (fi fileInfo) Name() string       { return path.Base(fi.e.Name) }
func (fi fileInfo) Size() int64        { return fi.e.Size }
func (fi fileInfo) ModTime() time.Time { return fi.e.ModTime }
func (fi fileInfo) IsDir() bool        { return fi.e.Type == ftpclient.EntryDir }
func (fi fileInfo) Sys() any           { return fi.e }

func (fi fileInfo) Mode() os.FileMode {
	mode := permissions(fi.e)
	switch fi.e.Type {
	case ftpclient.EntryDir:
		mode |= os.ModeDir
	case ftpclient.EntryLink:
		mode |= os.ModeSymlink
	}
	return mode
}

// permissions reads the Unix permission bits from the entry's attributes:
// the unix.mode MLSD fact or the permission column of a Unix listing.
func permissions(e *ftpclient.Entry) os.FileMode {
	if m, ok := e.Attrs["unix.mode"]; ok {
		if v, err := strconv.ParseUint(m, 8, 32); err == nil {
			return os.FileMode(v) & os.ModePerm
		}
	}
	// MLSD also has a "perm" fact ("adfrw"), which is not a mode.
	perm := e.Attrs["perm"]
	switch {
	case len(perm) >= 10 && strings.Trim(perm[1:10], "-rwxsStTl") == "":
		var mode os.FileMode
		for i, ch := range perm[1:10] {
			if ch != '-' {
				mode |= 1 << uint(8-i)
			}
		}
		return mode
	case len(perm) >= 3 && len(perm) <= 4:
		if v, err := strconv.ParseUint(perm, 8, 32); err == nil {
			return os.FileMode(v) & os.ModePerm
		}
	}
	if e.Type == ftpclient.EntryDir {
		return 0o755
	}
	return 0o644
}
