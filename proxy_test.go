package ftpfs

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startConnectProxy serves one CONNECT request. It answers with status and
// writes greeting right behind the response headers, as a tunnel to an FTP
// server would.
func startConnectProxy(t *testing.T, status int, greeting string) (string, <-chan *http.Request) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	requests := make(chan *http.Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		requests <- req
		fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n%s", status, http.StatusText(status), greeting)
		time.Sleep(200 * time.Millisecond)
	}()
	return ln.Addr().String(), requests
}

func TestNewDialer_Direct(t *testing.T) {
	t.Parallel()
	forward := &net.Dialer{}
	d, err := newDialer("", forward)
	require.NoError(t, err)
	assert.Same(t, forward, d)
}

func TestNewDialer_Invalid(t *testing.T) {
	t.Parallel()
	_, err := newDialer("gopher://proxy:70", &net.Dialer{})
	assert.Error(t, err)

	_, err = newDialer("://nope", &net.Dialer{})
	assert.Error(t, err)
}

func TestNewDialer_SOCKS5(t *testing.T) {
	t.Parallel()
	d, err := newDialer("socks5://127.0.0.1:1080", &net.Dialer{})
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestHTTPConnectDialer(t *testing.T) {
	t.Parallel()
	addr, requests := startConnectProxy(t, http.StatusOK, "220 ready\r\n")

	d, err := newDialer("http://user:pass@"+addr, &net.Dialer{Timeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", "ftp.example.com:21")
	require.NoError(t, err)
	defer conn.Close()

	req := <-requests
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "ftp.example.com:21", req.Host)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")),
		req.Header.Get("Proxy-Authorization"))

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "220 ready\r\n", line, "bytes buffered with the response are not lost")
}

func TestHTTPConnectDialer_Refused(t *testing.T) {
	t.Parallel()
	addr, _ := startConnectProxy(t, http.StatusForbidden, "")

	d, err := newDialer("http://"+addr, &net.Dialer{Timeout: time.Second})
	require.NoError(t, err)

	_, err = d.DialContext(context.Background(), "tcp", "ftp.example.com:21")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPlainDialer_ContextCancelled(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	d := plainDialer{dialFunc(func(string, string) (net.Conn, error) {
		<-block
		return nil, io.EOF
	})}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.DialContext(ctx, "tcp", "x:1")
	assert.ErrorIs(t, err, context.Canceled)
}

type dialFunc func(network, addr string) (net.Conn, error)

func (f dialFunc) Dial(network, addr string) (net.Conn, error) { return f(network, addr) }
