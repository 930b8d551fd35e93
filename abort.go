package ftpclient

import (
	"fmt"
	"sync"
)

// abortState is guarded by its own lock because Abort runs while the
// transfer goroutine holds the session lock.
type abortState struct {
	mu               sync.Mutex
	ongoing          bool
	aborted          bool
	pendingAborReply bool
	connector        DataConnector
	codec            *codec
}

func (a *abortState) begin(connector DataConnector, c *codec) {
	a.mu.Lock()
	a.ongoing = true
	a.aborted = false
	a.pendingAborReply = false
	a.connector = connector
	a.codec = c
	a.mu.Unlock()
}

// finish ends the transfer and reports whether it was aborted and whether
// the reply to ABOR is still unread.
func (a *abortState) finish() (aborted, pendingAborReply bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	aborted, pendingAborReply = a.aborted, a.pendingAborReply
	a.ongoing = false
	a.aborted = false
	a.pendingAborReply = false
	a.connector = nil
	a.codec = nil
	return aborted, pendingAborReply
}

// Abort interrupts the running data transfer. It may be called from any
// goroutine. With sendABOR the ABOR command is written to the control
// connection first; its reply is consumed by the interrupted transfer.
// The data connection is then closed and the transfer returns
// ErrTransferAborted.
//
// Abort returns ErrNoTransfer when no transfer is running.
func (s *Session) Abort(sendABOR bool) error {
	a := &s.abort
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ongoing {
		return ErrNoTransfer
	}
	if a.aborted {
		return nil
	}

	var err error
	if sendABOR {
		s.logCommand("ABOR")
		if err = a.codec.sendCommand("ABOR"); err == nil {
			a.pendingAborReply = true
		} else {
			err = fmt.Errorf("failed to send ABOR: %w", err)
		}
	}
	if a.connector != nil {
		_ = a.connector.Close()
	}
	a.aborted = true
	return err
}
