package ftpfs

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gonzalop/ftpfs/internal/ratelimit"
	"go.uber.org/zap"
)

// OptionKey identifies one transport setting.
type OptionKey int

const (
	// OptAddress is the "host:port" of the server (string).
	OptAddress OptionKey = iota + 1
	// OptUsername and OptPassword are the login credentials (string).
	OptUsername
	OptPassword
	// OptTLSMode selects plain, explicit or implicit FTPS (TLSMode).
	OptTLSMode
	// OptVerifyPeer and OptVerifyHost toggle certificate checks (bool).
	OptVerifyPeer
	OptVerifyHost
	// OptConnectTimeout bounds dialing and every read or write (time.Duration).
	OptConnectTimeout
	// OptPassive selects passive data connections (bool).
	OptPassive
	// OptSkipPasvIP dials the control host instead of the PASV address (bool).
	OptSkipPasvIP
	// OptDisableEPSV goes straight to PASV (bool).
	OptDisableEPSV
	// OptProxyURL routes connections through a socks5:// or http:// proxy (string).
	OptProxyURL
	// OptVerbose logs every command and reply at debug level (bool).
	OptVerbose
	// OptBandwidthLimit caps data transfers in bytes per second (int64).
	OptBandwidthLimit

	// OptCustomRequest replaces the primary exchange with a raw command
	// (string). Listing verbs read their output over a data connection.
	OptCustomRequest
	// OptPostQuote lists commands run in order after the primary exchange
	// ([]string). The first reply of 400 or above fails the exchange.
	OptPostQuote
	// OptUpload streams a reader to OptRemotePath (io.Reader).
	OptUpload
	// OptDownload streams OptRemotePath into a writer (io.Writer).
	OptDownload
	// OptRemotePath is the server path of a transfer (string).
	OptRemotePath
	// OptHeaderFunc receives every control reply line of the exchange
	// (func(string)).
	OptHeaderFunc
)

// Options maps transport settings to values.
type Options map[OptionKey]any

func (o Options) string(k OptionKey) string {
	s, _ := o[k].(string)
	return s
}

func (o Options) bool(k OptionKey) bool {
	b, _ := o[k].(bool)
	return b
}

func (o Options) duration(k OptionKey) time.Duration {
	d, _ := o[k].(time.Duration)
	return d
}

func (o Options) int64(k OptionKey) int64 {
	switch v := o[k].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func (o Options) strings(k OptionKey) []string {
	s, _ := o[k].([]string)
	return s
}

// connectKeys are the options that shape the control connection itself.
// Changing one of them through Configure drops an open connection.
var connectKeys = []OptionKey{
	OptAddress, OptUsername, OptPassword, OptTLSMode, OptVerifyPeer, OptVerifyHost,
	OptConnectTimeout, OptProxyURL,
}

// Transport owns one control connection and runs one protocol exchange per
// Execute call. The connection is dialed on first use and kept until Close
// or a network failure.
type Transport struct {
	mu       sync.Mutex
	baseline Options
	conn     *controlConn
	diag     Diagnostic
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
	metrics  *Metrics
}

// NewTransport returns an unconnected Transport with the given baseline.
func NewTransport(baseline Options, logger *zap.Logger, metrics *Metrics) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{baseline: Options{}, logger: logger, metrics: metrics}
	maps.Copy(t.baseline, baseline)
	return t
}

// Configure merges opts into the baseline. Later values for a key replace
// earlier ones.
func (t *Transport) Configure(opts Options) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, k := range connectKeys {
		if v, ok := opts[k]; ok && t.conn != nil && v != t.baseline[k] {
			t.dropLocked()
			break
		}
	}
	maps.Copy(t.baseline, opts)
}

// LastError returns the diagnostic of the most recent Execute. It is
// overwritten by the next call.
func (t *Transport) LastError() Diagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.diag
}

// Connected reports whether a control connection is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close sends QUIT and releases the connection. It is safe to call more
// than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.close()
	t.conn = nil
	return err
}

func (t *Transport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.conn.Close()
		t.conn = nil
	}
}

// Execute runs exactly one exchange with overrides applied on top of the
// baseline. The overrides are not retained.
//
// The primary exchange is chosen from the merged options: an upload, a
// listing custom request, a download, any other custom request, or a NOOP
// ping. The post-quote commands run afterwards. A listing whose output was
// not sent to OptDownload is returned as the payload.
//
// A custom control request never fails on its status code; callers read it
// through OptHeaderFunc. Everything else that does not complete turns into an
// error, and LastError describes it.
func (t *Transport) Execute(ctx context.Context, overrides Options) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	opts := make(Options, len(t.baseline)+len(overrides))
	maps.Copy(opts, t.baseline)
	maps.Copy(opts, overrides)
	t.diag = Diagnostic{}

	if t.conn == nil {
		conn, err := t.dial(ctx, opts)
		if err != nil {
			return nil, t.fail(diagFor(err, DiagCouldNotConnect), err)
		}
		t.conn = conn
	}
	c := t.conn
	c.verbose = opts.bool(OptVerbose)
	if hf, ok := opts[OptHeaderFunc].(func(string)); ok {
		c.onLine = hf
		defer func() { c.onLine = nil }()
	}

	payload, code, err := t.primary(ctx, c, opts, t.dataOptions(opts))
	if err != nil {
		return nil, t.fail(code, err)
	}

	for _, cmd := range opts.strings(OptPostQuote) {
		reply, err := c.send(cmd)
		if err != nil {
			return nil, t.fail(DiagRecvError, err)
		}
		if reply.Code >= 400 {
			return nil, t.fail(DiagQuoteError, &ProtocolError{
				Command:  cmd,
				Response: reply.Message,
				Code:     reply.Code,
			})
		}
	}
	return payload, nil
}

// dataOptions reads the data channel settings of one exchange. The bandwidth
// limiter is rebuilt only when the rate changes.
func (t *Transport) dataOptions(opts Options) dataOptions {
	if bps := opts.int64(OptBandwidthLimit); bps != t.limiter.Limit() {
		t.limiter = ratelimit.New(bps)
	}
	return dataOptions{
		passive:     opts.bool(OptPassive),
		skipPasvIP:  opts.bool(OptSkipPasvIP),
		disableEPSV: opts.bool(OptDisableEPSV),
		limiter:     t.limiter,
	}
}

func (t *Transport) primary(ctx context.Context, c *controlConn, opts Options, do dataOptions) ([]byte, DiagCode, error) {
	remote := opts.string(OptRemotePath)
	request := strings.TrimSpace(opts.string(OptCustomRequest))

	if r, ok := opts[OptUpload].(io.Reader); ok && r != nil {
		if err := c.store(ctx, remote, r, do); err != nil {
			return nil, transferDiag(err, DiagUploadFailed), err
		}
		return nil, DiagOK, nil
	}

	w, hasDownload := opts[OptDownload].(io.Writer)
	hasDownload = hasDownload && w != nil

	if request != "" && isListingVerb(verb(request)) {
		var buf bytes.Buffer
		out := io.Writer(&buf)
		if hasDownload {
			out = w
		}
		if err := c.list(ctx, request, out, do); err != nil {
			return nil, transferDiag(err, DiagDownloadFailed), err
		}
		if hasDownload {
			return nil, DiagOK, nil
		}
		return buf.Bytes(), DiagOK, nil
	}

	if hasDownload {
		if err := c.retrieve(ctx, remote, w, do); err != nil {
			return nil, transferDiag(err, DiagDownloadFailed), err
		}
		return nil, DiagOK, nil
	}

	if request != "" {
		// SIZE is refused in ASCII mode by several servers.
		if verb(request) == "SIZE" {
			if err := c.setType("I"); err != nil {
				return nil, DiagCommandFailed, err
			}
		}
		if _, err := c.send(request); err != nil {
			return nil, DiagRecvError, err
		}
		return nil, DiagOK, nil
	}

	if _, err := c.expect("NOOP"); err != nil {
		return nil, DiagCommandFailed, err
	}
	return nil, DiagOK, nil
}

// transferDiag classifies a failed transfer. Data channel setup failures are
// reported apart from failures of the transfer itself.
func transferDiag(err error, fallback DiagCode) DiagCode {
	var derr *dataConnError
	if errors.As(err, &derr) {
		return DiagDataConnFailed
	}
	return fallback
}

func isListingVerb(v string) bool {
	switch v {
	case "LIST", "NLST", "MLSD":
		return true
	}
	return false
}

// fail records the diagnostic and drops the connection unless the failure
// was a clean protocol reply, after which the channel is still in sync.
func (t *Transport) fail(code DiagCode, err error) error {
	t.diag = Diagnostic{Code: code, Message: err.Error()}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		t.diag.Message = fmt.Sprintf("%d %s", perr.Code, perr.Response)
	} else if t.conn != nil {
		t.logger.Debug("dropping ftp connection", zap.Error(err))
		t.dropLocked()
	}
	return err
}

func diagFor(err error, fallback DiagCode) DiagCode {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		switch {
		case strings.HasPrefix(perr.Command, "USER"), strings.HasPrefix(perr.Command, "PASS"):
			return DiagLoginDenied
		case strings.HasPrefix(perr.Command, "AUTH"), strings.HasPrefix(perr.Command, "PBSZ"),
			strings.HasPrefix(perr.Command, "PROT"):
			return DiagTLSFailed
		}
	}
	var terr tls.RecordHeaderError
	if errors.As(err, &terr) {
		return DiagTLSFailed
	}
	return fallback
}

// dial establishes the control connection: greeting, optional TLS, login and
// binary mode.
func (t *Transport) dial(ctx context.Context, opts Options) (*controlConn, error) {
	addr := opts.string(OptAddress)
	if addr == "" {
		return nil, errTransportNotConfigured
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	timeout := opts.duration(OptConnectTimeout)

	dialer, err := newDialer(opts.string(OptProxyURL), &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	mode, _ := opts[OptTLSMode].(TLSMode)
	var tlsConfig *tls.Config
	if mode == TLSExplicit || mode == TLSImplicit {
		tlsConfig = newTLSConfig(host, opts.bool(OptVerifyPeer), opts.bool(OptVerifyHost))
	}

	t.logger.Debug("connecting to ftp server", zap.String("addr", addr), zap.String("tls_mode", string(mode)))

	dctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	netConn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if mode == TLSImplicit {
		tlsConn := tls.Client(netConn, tlsConfig)
		if err := tlsConn.HandshakeContext(dctx); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		netConn = tlsConn
	}

	c := &controlConn{
		conn:      netConn,
		reader:    bufio.NewReader(netConn),
		host:      host,
		timeout:   timeout,
		logger:    t.logger,
		verbose:   opts.bool(OptVerbose),
		metrics:   t.metrics,
		dialer:    dialer,
		tlsConfig: tlsConfig,
	}

	if err := t.handshake(dctx, c, mode, opts); err != nil {
		netConn.Close()
		return nil, err
	}
	t.metrics.observeConnect()
	t.logger.Debug("ftp connection ready", zap.String("addr", addr))
	return c, nil
}

func (t *Transport) handshake(ctx context.Context, c *controlConn, mode TLSMode, opts Options) error {
	greeting, err := c.read()
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if greeting.Code != 220 {
		return &ProtocolError{Command: "CONNECT", Response: greeting.Message, Code: greeting.Code}
	}

	if mode == TLSExplicit {
		if _, err := c.expect("AUTH TLS", 234); err != nil {
			return err
		}
		tlsConn := tls.Client(c.conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		c.conn = tlsConn
		c.reader = bufio.NewReader(tlsConn)
	}
	if c.tlsConfig != nil {
		if _, err := c.expect("PBSZ 0"); err != nil {
			return err
		}
		if _, err := c.expect("PROT P"); err != nil {
			return err
		}
	}

	reply, err := c.expect("USER "+opts.string(OptUsername), 230, 331)
	if err != nil {
		return err
	}
	if reply.Code == 331 {
		if _, err := c.expect("PASS "+opts.string(OptPassword), 230, 202); err != nil {
			return err
		}
	}
	return c.setType("I")
}
