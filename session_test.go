package ftpfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/ftpfs/internal/ftptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(t *testing.T, cfg Config, now func() time.Time) *Session {
	t.Helper()
	if now == nil {
		now = time.Now
	}
	s := newSession(cfg, env{
		logger:     zaptest.NewLogger(t),
		now:        now,
		visibility: NewVisibilityConverter(),
	})
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestSession_EnsureConnectedResolvesHome(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{Home: "/home/user"})
	s := newTestSession(t, testConfig(srv), nil)

	assert.False(t, s.IsConnected())
	assert.Empty(t, s.Root())
	require.NoError(t, s.EnsureConnected(context.Background()))
	assert.True(t, s.IsConnected())
	assert.Equal(t, "/home/user", s.Root())
	assert.Equal(t, "/home/user/a.txt", s.location("a.txt"))
	assert.Contains(t, s.String(), "/home/user")
	assert.Empty(t, sent(srv, "OPTS"), "UTF-8 is off by default")
}

func TestSession_RelativeRoot(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{Home: "/home/user"})
	srv.MkdirAll("/home/user/data")
	cfg := testConfig(srv)
	cfg.Root = "data"
	s := newTestSession(t, cfg, nil)

	require.NoError(t, s.EnsureConnected(context.Background()))
	assert.Equal(t, "/home/user/data", s.Root())
	assert.Equal(t, []string{"CWD data"}, sent(srv, "CWD"))
}

func TestSession_InvalidRoot(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	cfg := testConfig(srv)
	cfg.Root = "/nope"
	s := newTestSession(t, cfg, nil)

	err := s.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Contains(t, err.Error(), "root is invalid: /nope")
	assert.False(t, s.IsConnected())
}

func TestSession_UTF8(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		srv := startServer(t, ftptest.Options{})
		cfg := testConfig(srv)
		cfg.UTF8 = true
		s := newTestSession(t, cfg, nil)
		require.NoError(t, s.EnsureConnected(context.Background()))
		assert.Equal(t, []string{"OPTS UTF8 ON"}, sent(srv, "OPTS"))
	})

	t.Run("refused", func(t *testing.T) {
		srv := startServer(t, ftptest.Options{RefuseUTF8: true})
		cfg := testConfig(srv)
		cfg.UTF8 = true
		s := newTestSession(t, cfg, nil)
		err := s.EnsureConnected(context.Background())
		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, srv.Port(), cerr.Port)
		assert.Contains(t, cerr.Reason, "UTF-8")
		assert.False(t, s.IsConnected())
	})
}

func TestSession_ConnectFailure(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	cfg := testConfig(srv)
	cfg.Password = "wrong"
	s := newTestSession(t, cfg, nil)

	err := s.EnsureConnected(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Reason, "530")
	assert.Contains(t, err.Error(), "Could not connect to host: 127.0.0.1, port:")
	assert.Nil(t, s.Transport())
}

func TestSession_ReconnectsAfterTimeout(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{PureFtpd: true})
	clock := newFakeClock()
	s := newTestSession(t, testConfig(srv), clock.Now)
	ctx := context.Background()

	require.NoError(t, s.EnsureConnected(ctx))
	pure, err := s.IsPureFtpd(ctx)
	require.NoError(t, err)
	assert.True(t, pure)

	clock.Advance(4 * time.Second)
	require.NoError(t, s.EnsureConnected(ctx))
	assert.Len(t, sent(srv, "USER"), 1, "still within the timeout")

	clock.Advance(time.Second)
	assert.False(t, s.IsConnected())
	require.NoError(t, s.EnsureConnected(ctx))
	assert.True(t, s.IsConnected())
	assert.Len(t, sent(srv, "USER"), 2)

	_, err = s.IsPureFtpd(ctx)
	require.NoError(t, err)
	assert.Len(t, sent(srv, "HELP"), 2, "detection is forgotten on reconnect")
}

func TestSession_IsPureFtpdIsCached(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	s := newTestSession(t, testConfig(srv), nil)
	ctx := context.Background()
	require.NoError(t, s.EnsureConnected(ctx))

	for range 3 {
		pure, err := s.IsPureFtpd(ctx)
		require.NoError(t, err)
		assert.False(t, pure)
	}
	assert.Len(t, sent(srv, "HELP"), 1)

	loc, err := s.escapedLocation(ctx, "[a]*.txt")
	require.NoError(t, err)
	assert.Equal(t, `/[a]\*.txt`, loc)
}

func TestSession_Dialect(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})

	s := newTestSession(t, testConfig(srv), nil)
	assert.Equal(t, DialectUnknown, s.Dialect())
	assert.Equal(t, DialectWindows, s.settleDialect("total 1\n01-05-24 10:30AM <DIR> sub\n"))
	assert.Equal(t, DialectWindows, s.settleDialect("-rw-r--r-- 1 o g 1 Jan 5 10:30 a\n"))
	require.NoError(t, s.Disconnect())
	assert.Equal(t, DialectUnknown, s.Dialect())

	cfg := testConfig(srv)
	cfg.SystemType = SystemUnix
	forced := newTestSession(t, cfg, nil)
	assert.Equal(t, DialectUnix, forced.Dialect())
	assert.Equal(t, DialectUnix, forced.settleDialect("01-05-24 10:30AM <DIR> sub\n"))
	require.NoError(t, forced.Disconnect())
	assert.Equal(t, DialectUnix, forced.Dialect())
}

func TestSession_SendCommand(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{Home: `/we"ird`})
	s := newTestSession(t, testConfig(srv), nil)
	ctx := context.Background()

	_, err := s.SendCommand(ctx, "PWD")
	assert.ErrorIs(t, err, errNotConnected)

	require.NoError(t, s.EnsureConnected(ctx))
	assert.Equal(t, `/we"ird`, s.Root())

	reply, err := s.SendCommand(ctx, "HELP")
	require.NoError(t, err)
	assert.Equal(t, 214, reply.Code)
	assert.Len(t, reply.Lines, 3)

	reply, err = s.SendCommand(ctx, "DELE /missing")
	require.NoError(t, err)
	assert.Equal(t, 550, reply.Code)
}

func TestSession_SendCommandSequence(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	srv.WriteFile("/a.txt", []byte("x"))
	s := newTestSession(t, testConfig(srv), nil)
	ctx := context.Background()
	require.NoError(t, s.EnsureConnected(ctx))

	reply, err := s.SendCommandSequence(ctx, []string{"RNFR /a.txt", "RNTO /b.txt"})
	require.NoError(t, err)
	assert.Equal(t, 250, reply.Code)
	assert.True(t, srv.Exists("/b.txt"))

	reply, err = s.SendCommandSequence(ctx, []string{"RNFR /a.txt", "RNTO /c.txt"})
	require.NoError(t, err)
	assert.Equal(t, 550, reply.Code)
	assert.Empty(t, sent(srv, "RNTO /c.txt"), "RNTO is not sent after RNFR fails")
}

func TestParsePWD(t *testing.T) {
	t.Parallel()
	tests := []struct {
		msg    string
		want   string
		wantOK bool
	}{
		{msg: `"/home/user" is the current directory`, want: "/home/user", wantOK: true},
		{msg: `"/a ""quoted"" dir" is current`, want: `/a "quoted" dir`, wantOK: true},
		{msg: `"/" `, want: "/", wantOK: true},
		{msg: `no quotes here`, wantOK: false},
		{msg: `"unterminated`, wantOK: false},
	}
	for _, tt := range tests {
		got, ok := parsePWD(tt.msg)
		assert.Equal(t, tt.wantOK, ok, tt.msg)
		if tt.wantOK {
			assert.Equal(t, tt.want, got, tt.msg)
		}
	}
}
