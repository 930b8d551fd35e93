package ftpclient

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when an operation needs a control connection
	// and the session has none.
	ErrNotConnected = errors.New("ftp: not connected")

	// ErrAlreadyConnected is returned by Connect on a connected session.
	ErrAlreadyConnected = errors.New("ftp: already connected")

	// ErrNotAuthenticated is returned when an operation needs a logged-in session.
	ErrNotAuthenticated = errors.New("ftp: not authenticated")

	// ErrProtocol marks malformed server output: bad reply framing, a missing
	// numeric prefix, or an unparseable PASV/PWD/MDTM payload.
	ErrProtocol = errors.New("ftp: protocol violation")

	// ErrTransferAborted is returned by a transfer cancelled with Abort.
	ErrTransferAborted = errors.New("ftp: data transfer aborted")

	// ErrSecurityNegotiation is returned by Login when the server rejects
	// both AUTH TLS and AUTH SSL.
	ErrSecurityNegotiation = errors.New("ftp: security negotiation failed")

	// ErrPasswordRequired is returned by Login when the server asks for a
	// password and none was supplied. No PASS command is sent.
	ErrPasswordRequired = errors.New("ftp: password required")

	// ErrAccountRequired is returned by Login when the server asks for an
	// account and none was supplied. No ACCT command is sent.
	ErrAccountRequired = errors.New("ftp: account required")

	// ErrCannotParse is returned by a ListingParser that does not understand
	// a listing. The dispatcher treats it as a cue to try the next parser.
	ErrCannotParse = errors.New("ftp: listing format not recognized")

	// ErrUnparsableListing is returned when no registered parser understands
	// a directory listing.
	ErrUnparsableListing = errors.New("ftp: cannot parse directory listing")

	// ErrNoTransfer is returned by Abort when no data transfer is running.
	ErrNoTransfer = errors.New("ftp: no transfer in progress")
)

// ReplyError represents a negative or unexpected server reply, with the
// command that triggered it.
type ReplyError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Code is the numeric FTP reply code (e.g., 550)
	Code int

	// Lines are the reply message lines
	Lines []string
}

func newReplyError(command string, r *Reply) *ReplyError {
	return &ReplyError{Command: command, Code: r.Code, Lines: r.Lines}
}

// Error implements the error interface.
func (e *ReplyError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, strings.Join(e.Lines, " "), e.Code)
}

// Message returns the reply message lines joined with newlines.
func (e *ReplyError) Message() string {
	return strings.Join(e.Lines, "\n")
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ReplyError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ReplyError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *ReplyError) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ReplyError) IsPermanent() bool {
	return e.Is5xx()
}
