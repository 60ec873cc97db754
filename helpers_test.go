package ftpfs

import (
	"slices"
	"strings"
	"testing"

	"github.com/gonzalop/ftpfs/internal/ftptest"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "user"
	testPassword = "pass"
)

func startServer(t *testing.T, opts ftptest.Options) *ftptest.Server {
	t.Helper()
	if opts.User == "" {
		opts.User, opts.Password = testUser, testPassword
	}
	srv, err := ftptest.Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func testConfig(srv *ftptest.Server) Config {
	cfg := DefaultConfig()
	cfg.Host = srv.Host()
	cfg.Port = srv.Port()
	cfg.Username = testUser
	cfg.Password = testPassword
	cfg.Timeout = 5
	return cfg
}

func newTestFilesystem(t *testing.T, cfg Config, opts ...Option) *Filesystem {
	t.Helper()
	f, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// sent filters the commands a server received down to those starting with
// prefix.
func sent(srv *ftptest.Server, prefix string) []string {
	return slices.DeleteFunc(srv.Commands(), func(cmd string) bool {
		return !strings.HasPrefix(cmd, prefix)
	})
}
