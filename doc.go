// Package ftpclient implements an FTP (RFC 959) client session with support
// for plain and secure (FTPS) connections.
//
// # Overview
//
// A Session owns one control connection and performs at most one data
// transfer at a time. It supports:
//   - Plain FTP, explicit TLS (AUTH TLS/SSL) and implicit TLS
//   - Passive (PASV) and active (PORT) data connections
//   - Binary and textual transfers with charset and line ending conversion
//   - MODE Z compression when the server advertises it
//   - Restarted transfers (REST) and asynchronous abort
//   - Directory listings via MLSD, or LIST with automatic format detection
//     (Unix, DOS, EPLF, NetWare)
//   - Automatic NOOP keep-alive on idle connections
//
// # Basic Usage
//
//	s, err := ftpclient.New(ftpclient.WithTimeout(10 * time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := s.Connect(ctx, "ftp.example.com", 21); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Disconnect(true)
//
//	if err := s.Login("username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//
// # TLS Support
//
// Explicit TLS connects on port 21 and secures the control connection during
// Login. Data connections are protected when the server accepts PROT P:
//
//	s, err := ftpclient.New(ftpclient.WithExplicitTLS(&tls.Config{}))
//
// Implicit TLS encrypts the connection from the first byte, typically on
// port 990:
//
//	s, err := ftpclient.New(ftpclient.WithImplicitTLS(&tls.Config{}))
//
// A TLS session cache is added to the configuration so data connections can
// resume the control connection's session, which vsftpd and ProFTPD require.
//
// # File Transfers
//
//	if err := s.Store("remote.txt", file); err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Retrieve("remote.txt", &buf, ftpclient.AtOffset(1024)); err != nil {
//	    log.Fatal(err)
//	}
//
// A running transfer can be cancelled from another goroutine with Abort; the
// transfer then returns ErrTransferAborted.
//
// # Error Handling
//
// Negative server replies are returned as *ReplyError:
//
//	if err := s.ChangeDir("/missing"); err != nil {
//	    var replyErr *ftpclient.ReplyError
//	    if errors.As(err, &replyErr) && replyErr.IsPermanent() {
//	        // 5xx
//	    }
//	}
//
// Losing the control connection moves the session to StateDisconnected.
package ftpclient
