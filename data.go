package ftpfs

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpfs/internal/ratelimit"
	"go.uber.org/zap"
)

var (
	// 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`\((\d{1,3}(?:,\d{1,3}){5})\)`)
	// 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV returns the host:port announced in a PASV reply. The port is
// p1*256+p2.
func parsePASV(reply string) (string, error) {
	m := pasvRegex.FindStringSubmatch(reply)
	if m == nil {
		return "", fmt.Errorf("invalid PASV response: %s", reply)
	}
	var b [6]byte
	for i, part := range strings.Split(m[1], ",") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return "", fmt.Errorf("invalid PASV response: %s", reply)
		}
		b[i] = byte(n)
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := int(b[4])<<8 | int(b[5])
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

// parseEPSV returns the port announced in an EPSV reply.
func parseEPSV(reply string) (string, error) {
	m := epsvRegex.FindStringSubmatch(reply)
	if m == nil {
		return "", fmt.Errorf("invalid EPSV response: %s", reply)
	}
	if port, err := strconv.Atoi(m[1]); err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", m[1])
	}
	return m[1], nil
}

// formatPORT renders an IPv4 host:port as the six PORT numbers.
func formatPORT(addr string) (string, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return "", err
	}
	if !ap.Addr().Is4() {
		return "", fmt.Errorf("PORT requires IPv4 address, got %q", ap.Addr())
	}
	ip, port := ap.Addr().As4(), ap.Port()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff), nil
}

// formatEPRT renders host:port as |1|addr|port| or |2|addr|port| (RFC 2428).
func formatEPRT(addr string) (string, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return "", err
	}
	family := 2
	if ap.Addr().Is4() {
		family = 1
	}
	return fmt.Sprintf("|%d|%s|%d|", family, ap.Addr(), ap.Port()), nil
}

// resolveDataAddr picks the address to dial for a passive data connection.
// The announced host is replaced by the control host when skipIP is set or
// the server announced 0.0.0.0.
func resolveDataAddr(pasvAddr, controlHost string, skipIP bool) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if skipIP || host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// dataOptions are the data channel settings of one exchange.
type dataOptions struct {
	passive     bool
	skipPasvIP  bool
	disableEPSV bool
	limiter     *ratelimit.Limiter
}

// dataConnError reports that the data channel could not be established.
type dataConnError struct {
	err error
}

func (e *dataConnError) Error() string { return e.err.Error() }

func (e *dataConnError) Unwrap() error { return e.err }

// dialPassive negotiates EPSV, falling back to PASV for the rest of the
// connection once EPSV is refused, and dials the announced port.
func (c *controlConn) dialPassive(ctx context.Context, do dataOptions) (net.Conn, error) {
	var addr string
	if !do.disableEPSV && !c.epsvRefused {
		reply, err := c.send("EPSV")
		if err != nil {
			return nil, err
		}
		if reply.Code == 500 || reply.Code == 502 {
			c.epsvRefused = true
		} else if reply.Is2xx() {
			if port, err := parseEPSV(reply.String()); err == nil {
				addr = net.JoinHostPort(c.host, port)
			}
		}
	}
	if addr == "" {
		reply, err := c.expect("PASV")
		if err != nil {
			return nil, err
		}
		announced, err := parsePASV(reply.String())
		if err != nil {
			return nil, err
		}
		addr = resolveDataAddr(announced, c.host, do.skipPasvIP)
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}
	return c.secureData(ctx, conn)
}

// listenActive opens a listener on the control connection's local address
// and announces it with PORT, or EPRT when the address is not IPv4.
func (c *controlConn) listenActive() (net.Listener, error) {
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	cmd, arg := "PORT", ""
	if arg, err = formatPORT(ln.Addr().String()); err != nil {
		cmd = "EPRT"
		arg, err = formatEPRT(ln.Addr().String())
	}
	if err == nil {
		_, err = c.expect(cmd + " " + arg)
	}
	if err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// acceptActive waits for the server to connect back.
func (c *controlConn) acceptActive(ctx context.Context, ln net.Listener) (net.Conn, error) {
	if tl, ok := ln.(*net.TCPListener); ok && c.timeout > 0 {
		_ = tl.SetDeadline(time.Now().Add(c.timeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("failed to accept data connection: %w", err)
	}
	return c.secureData(ctx, conn)
}

// secureData wraps a data connection in TLS when the control connection is
// protected, then applies per-IO deadlines. The client is the TLS client in
// both modes (RFC 4217).
func (c *controlConn) secureData(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if c.tlsConfig != nil {
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}
	if c.timeout > 0 {
		return &deadlineConn{Conn: conn, timeout: c.timeout}, nil
	}
	return conn, nil
}

// cmdDataConn prepares a data connection, issues cmd and returns the
// connected data channel. done reports that the server already sent its
// final reply, so finishDataConn must not wait for another. Failures to set
// up the channel are returned as *dataConnError.
func (c *controlConn) cmdDataConn(ctx context.Context, cmd string, do dataOptions) (conn net.Conn, done bool, err error) {
	var ln net.Listener
	if do.passive {
		conn, err = c.dialPassive(ctx, do)
	} else {
		ln, err = c.listenActive()
	}
	if err != nil {
		return nil, false, &dataConnError{err: err}
	}
	abort := func() {
		if conn != nil {
			conn.Close()
		}
		if ln != nil {
			ln.Close()
		}
	}

	reply, err := c.send(cmd)
	if err != nil {
		abort()
		return nil, false, err
	}
	if reply.Code < 100 || reply.Code >= 400 {
		abort()
		return nil, false, &ProtocolError{Command: cmd, Response: reply.Message, Code: reply.Code}
	}

	if ln != nil {
		conn, err = c.acceptActive(ctx, ln)
		ln.Close()
		if err != nil {
			return nil, false, &dataConnError{err: err}
		}
	}
	return conn, reply.Is2xx(), nil
}

// finishDataConn closes the data channel and reads the completion reply.
func (c *controlConn) finishDataConn(conn net.Conn, cmd string, done bool) error {
	if err := conn.Close(); err != nil {
		c.logger.Warn("failed to close data connection", zap.Error(err))
	}
	if done {
		return nil
	}
	reply, err := c.read()
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	if !reply.Is2xx() {
		return &ProtocolError{Command: cmd, Response: reply.Message, Code: reply.Code}
	}
	return nil
}

// transfer runs one data command, copying between the channel and the
// caller with copyFn, and counts the bytes under direction.
func (c *controlConn) transfer(ctx context.Context, cmd, direction string, do dataOptions, copyFn func(net.Conn) (int64, error)) error {
	conn, done, err := c.cmdDataConn(ctx, cmd, do)
	if err != nil {
		return err
	}
	n, err := copyFn(conn)
	c.metrics.observeTransfer(direction, n)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return c.finishDataConn(conn, cmd, done)
}

// store uploads r to path with STOR.
func (c *controlConn) store(ctx context.Context, path string, r io.Reader, do dataOptions) error {
	if err := c.setType("I"); err != nil {
		return err
	}
	return c.transfer(ctx, "STOR "+path, "upload", do, func(conn net.Conn) (int64, error) {
		return io.Copy(ratelimit.NewWriter(ctx, conn, do.limiter), r)
	})
}

// retrieve downloads path into w with RETR.
func (c *controlConn) retrieve(ctx context.Context, path string, w io.Writer, do dataOptions) error {
	if err := c.setType("I"); err != nil {
		return err
	}
	return c.transfer(ctx, "RETR "+path, "download", do, func(conn net.Conn) (int64, error) {
		return io.Copy(w, ratelimit.NewReader(ctx, conn, do.limiter))
	})
}

// list runs a listing command (LIST, NLST, MLSD) in ASCII mode and copies
// its output to w.
func (c *controlConn) list(ctx context.Context, cmd string, w io.Writer, do dataOptions) error {
	if err := c.setType("A"); err != nil {
		return err
	}
	return c.transfer(ctx, cmd, "download", do, func(conn net.Conn) (int64, error) {
		return io.Copy(w, conn)
	})
}

// deadlineConn refreshes the read or write deadline before every call.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
