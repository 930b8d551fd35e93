package ftpclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePASV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		lines    []string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{
			name:     "standard format",
			lines:    []string{"Entering Passive Mode (192,168,1,5,17,120)"},
			wantHost: "192.168.1.5",
			wantPort: 4472,
		},
		{
			name:     "without parentheses",
			lines:    []string{"Entering Passive Mode 10,0,0,1,195,149"},
			wantHost: "10.0.0.1",
			wantPort: 50069,
		},
		{
			name:     "address on a later line",
			lines:    []string{"Entering Passive Mode", "=127,0,0,1,0,21"},
			wantHost: "127.0.0.1",
			wantPort: 21,
		},
		{
			name:    "no address",
			lines:   []string{"Entering Passive Mode"},
			wantErr: true,
		},
		{
			name:    "byte out of range",
			lines:   []string{"Entering Passive Mode (300,168,1,1,195,149)"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := parsePASV(tt.lines)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestFormatPORT(t *testing.T) {
	t.Parallel()
	got, err := formatPORT(net.ParseIP("192.168.1.100"), 50000)
	require.NoError(t, err)
	assert.Equal(t, "192,168,1,100,195,80", got)

	_, err = formatPORT(net.ParseIP("::1"), 50000)
	assert.Error(t, err)
}

func TestResolveDataAddr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ftp.example.com:4472", resolveDataAddr("0.0.0.0", 4472, "ftp.example.com"))
	assert.Equal(t, "10.0.0.1:21", resolveDataAddr("10.0.0.1", 21, "ftp.example.com"))
}

func TestListenActive_PortRange(t *testing.T) {
	t.Parallel()
	s, err := New(WithActivePortRange(40000, 40100))
	require.NoError(t, err)

	l, err := s.listenActive(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	assert.GreaterOrEqual(t, port, 40000)
	assert.LessOrEqual(t, port, 40100)
}

func TestDirectConnector_CloseBeforeOpen(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer server.Close()

	d := &directConnector{dial: func() (net.Conn, error) { return client, nil }}
	require.NoError(t, d.Close())

	_, err := d.Open()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestActiveConnector_CloseInterruptsAccept(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	a := &activeConnector{listener: l}
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Open()
		errCh <- err
	}()

	_ = a.Close()
	assert.Error(t, <-errCh)
}

func TestSession_ActiveMode(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t)
	srv.setFile("data.bin", []byte("active mode payload"))
	s := newTestSession(t, srv, WithActiveMode())

	var got []byte
	w := writerFunc(func(p []byte) (int, error) {
		got = append(got, p...)
		return len(p), nil
	})
	require.NoError(t, s.Retrieve("data.bin", w))
	assert.Equal(t, "active mode payload", string(got))
	assert.Contains(t, srv.verbs(), "PORT")
	assert.NotContains(t, srv.verbs(), "PASV")
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
