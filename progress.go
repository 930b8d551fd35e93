package ftpclient

import "io"

// TransferListener is notified about the progress of a single transfer.
// Callbacks run on the goroutine performing the transfer.
type TransferListener interface {
	// Started is called once the data connection is open.
	Started()
	// Transferred is called after each chunk with the chunk's size in bytes.
	Transferred(n int)
	// Completed is called after the server confirmed the transfer.
	Completed()
	// Aborted is called when the transfer was cancelled with Abort.
	Aborted()
	// Failed is called when the transfer failed for any other reason.
	Failed()
}

// ListenerFuncs implements TransferListener with optional callbacks.
type ListenerFuncs struct {
	OnStarted     func()
	OnTransferred func(n int)
	OnCompleted   func()
	OnAborted     func()
	OnFailed      func()
}

func (f ListenerFuncs) Started() {
	if f.OnStarted != nil {
		f.OnStarted()
	}
}

func (f ListenerFuncs) Transferred(n int) {
	if f.OnTransferred != nil {
		f.OnTransferred(n)
	}
}

func (f ListenerFuncs) Completed() {
	if f.OnCompleted != nil {
		f.OnCompleted()
	}
}

func (f ListenerFuncs) Aborted() {
	if f.OnAborted != nil {
		f.OnAborted()
	}
}

func (f ListenerFuncs) Failed() {
	if f.OnFailed != nil {
		f.OnFailed()
	}
}

// Progress returns a listener reporting the running total of transferred
// bytes to callback.
//
// Example:
//
//	err := s.Retrieve("big.iso", f, ftpclient.WithListener(ftpclient.Progress(func(total int64) {
//	    fmt.Printf("\r%d bytes", total)
//	})))
func Progress(callback func(bytesTransferred int64)) TransferListener {
	var total int64
	return ListenerFuncs{
		OnTransferred: func(n int) {
			total += int64(n)
			callback(total)
		},
	}
}

// copyChunks copies src to dst, reporting every chunk to l.
func copyChunks(dst io.Writer, src io.Reader, l TransferListener) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			l.Transferred(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
