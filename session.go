package ftpfs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type triState int

const (
	triUnknown triState = iota
	triYes
	triNo
)

// env carries the collaborators shared by every session of a Filesystem.
type env struct {
	logger     *zap.Logger
	metrics    *Metrics
	now        func() time.Time
	visibility *VisibilityConverter
}

// Session is one logical FTP connection: a Transport plus everything learned
// about the server while connecting. A Session must not be used by more than
// one goroutine at a time.
type Session struct {
	cfg Config
	env

	transport   *Transport
	connectedAt time.Time
	pureFtpd    triState
	dialect     Dialect
	prefixer    *Prefixer
}

func newSession(cfg Config, e env) *Session {
	s := &Session{cfg: cfg, env: e}
	s.resetDialect()
	return s
}

// IsConnected reports whether the session can be used without reconnecting.
// A session older than the configured timeout counts as disconnected.
func (s *Session) IsConnected() bool {
	if s.transport == nil || !s.transport.Connected() {
		return false
	}
	return s.now().Sub(s.connectedAt) < s.cfg.timeout()
}

// EnsureConnected reconnects if needed. On return without error the server
// has answered a ping, UTF-8 mode is negotiated when enabled and the root is
// resolved.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	if s.transport != nil {
		s.logger.Debug("ftp session expired, reconnecting", zap.String("addr", s.cfg.Address()))
	}
	_ = s.Disconnect()

	t := NewTransport(s.cfg.transportOptions(), s.logger, s.metrics)
	if _, err := t.Execute(ctx, nil); err != nil {
		diag := t.LastError()
		_ = t.Close()
		return &ConnectionError{Host: s.cfg.Host, Port: s.cfg.Port, Reason: diag.Message, Err: err}
	}
	s.transport = t
	s.connectedAt = s.now()

	if err := s.negotiate(ctx); err != nil {
		_ = s.Disconnect()
		return err
	}
	s.logger.Debug("ftp session ready",
		zap.String("addr", s.cfg.Address()),
		zap.String("root", s.prefixer.Root()))
	return nil
}

func (s *Session) negotiate(ctx context.Context) error {
	if s.cfg.UTF8 {
		reply, err := s.SendCommand(ctx, "OPTS UTF8 ON")
		if err != nil {
			return s.connectionError("", err)
		}
		if reply.Code != 200 {
			return s.connectionError("could not set UTF-8 mode: "+reply.last(), nil)
		}
	}

	root, err := s.resolveRoot(ctx)
	if err != nil {
		return err
	}
	s.prefixer = NewPrefixer(root, s.cfg.UTF8)
	return nil
}

// resolveRoot changes into the configured root and asks the server where it
// ended up, so a home-directory redirect is respected.
func (s *Session) resolveRoot(ctx context.Context) (string, error) {
	if s.cfg.Root != "" {
		reply, err := s.SendCommand(ctx, "CWD "+s.cfg.Root)
		if err != nil {
			return "", s.connectionError("", err)
		}
		if reply.Code != 250 {
			return "", s.connectionError("root is invalid: "+s.cfg.Root, nil)
		}
	}

	reply, err := s.SendCommand(ctx, "PWD")
	if err != nil {
		return "", s.connectionError("", err)
	}
	root, ok := parsePWD(reply.Message)
	if reply.Code != 257 || !ok {
		return "", s.connectionError("unable to resolve root: "+reply.last(), nil)
	}
	return root, nil
}

// parsePWD extracts the quoted directory from a PWD reply such as
// `"/home/user" is the current directory`. Doubled quotes inside the name
// stand for one quote.
func parsePWD(msg string) (string, bool) {
	start := strings.Index(msg, `"`)
	end := strings.LastIndex(msg, `"`)
	if start == -1 || end <= start {
		return "", false
	}
	return strings.ReplaceAll(msg[start+1:end], `""`, `"`), true
}

func (s *Session) connectionError(reason string, err error) error {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return &ConnectionError{Host: s.cfg.Host, Port: s.cfg.Port, Reason: reason, Err: err}
}

// Disconnect closes the connection and forgets per-connection state. It is
// safe to call on a disconnected session.
func (s *Session) Disconnect() error {
	var err error
	if s.transport != nil {
		err = s.transport.Close()
		s.logger.Debug("ftp session closed", zap.String("addr", s.cfg.Address()))
	}
	s.transport = nil
	s.connectedAt = time.Time{}
	s.pureFtpd = triUnknown
	s.prefixer = nil
	s.resetDialect()
	return err
}

func (s *Session) resetDialect() {
	switch s.cfg.SystemType {
	case SystemUnix:
		s.dialect = DialectUnix
	case SystemWindows:
		s.dialect = DialectWindows
	default:
		s.dialect = DialectUnknown
	}
}

// IsPureFtpd reports whether the server identifies as Pure-FTPd in its HELP
// text. The answer is cached until the session disconnects.
func (s *Session) IsPureFtpd(ctx context.Context) (bool, error) {
	if s.pureFtpd != triUnknown {
		return s.pureFtpd == triYes, nil
	}
	reply, err := s.SendCommand(ctx, "HELP")
	if err != nil {
		return false, err
	}
	s.pureFtpd = triNo
	if strings.Contains(reply.last(), "Pure-FTPd") {
		s.pureFtpd = triYes
	}
	s.logger.Debug("ftp dialect detected", zap.Bool("pure_ftpd", s.pureFtpd == triYes))
	return s.pureFtpd == triYes, nil
}

// Root returns the resolved root directory, or "" before connecting.
func (s *Session) Root() string {
	if s.prefixer == nil {
		return ""
	}
	return s.prefixer.Root()
}

// Dialect returns the listing grammar detected so far.
func (s *Session) Dialect() Dialect { return s.dialect }

// Transport exposes the session's transport for raw exchanges.
func (s *Session) Transport() *Transport { return s.transport }

// location returns the server path of a caller path.
func (s *Session) location(path string) string {
	if s.prefixer == nil {
		return "/" + strings.TrimLeft(path, "/")
	}
	return s.prefixer.Prefix(path)
}

// escapedLocation returns the server path escaped for the server's dialect.
func (s *Session) escapedLocation(ctx context.Context, path string) (string, error) {
	pure, err := s.IsPureFtpd(ctx)
	if err != nil {
		return "", err
	}
	return Escape(s.location(path), pure), nil
}

// ListingParser returns a parser bound to this session's dialect.
func (s *Session) ListingParser() *ListingParser {
	return s.listingParser(&s.dialect)
}

func (s *Session) listingParser(dialect *Dialect) *ListingParser {
	loc := s.cfg.location()
	return &ListingParser{
		Dialect: dialect,
		Root:    s.Root(),
		Unix: &UnixParser{
			Timestamps: s.cfg.TimestampsOnUnixListings,
			Location:   loc,
			Now:        s.now,
			Visibility: s.visibility,
		},
		Windows: &DOSParser{Location: loc},
	}
}

// settleDialect sniffs the dialect from raw listing text if it is still
// unknown, so later parses of that text need no access to the session.
func (s *Session) settleDialect(raw string) Dialect {
	if s.dialect != DialectUnknown {
		return s.dialect
	}
	for line := range strings.Lines(raw) {
		line = strings.TrimSpace(line)
		if line == "" || skipLineRegex.MatchString(line) || headerLineRegex.MatchString(line) {
			continue
		}
		s.dialect = detectDialect(line)
		s.logger.Debug("ftp listing dialect detected", zap.Stringer("dialect", s.dialect))
		break
	}
	return s.dialect
}

func (s *Session) String() string {
	return fmt.Sprintf("ftp session %s root=%q", s.cfg.Address(), s.Root())
}
