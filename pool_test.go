package ftpfs

import (
	"context"
	"testing"
	"time"

	"github.com/gonzalop/ftpfs/internal/ftptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(cfg Config, size int) *pool {
	return newPool(size, func() *Session {
		return newSession(cfg, env{logger: zap.NewNop(), now: time.Now, visibility: NewVisibilityConverter()})
	})
}

func TestPool_ReusesSessions(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	p := newTestPool(testConfig(srv), 2)
	defer p.close()
	ctx := context.Background()

	s1, err := p.get(ctx)
	require.NoError(t, err)
	assert.True(t, s1.IsConnected())
	p.put(s1)

	s2, err := p.get(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	p.put(s2)
	assert.Len(t, sent(srv, "USER"), 1)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	p := newTestPool(testConfig(srv), 1)
	defer p.close()

	s, err := p.get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.put(s)
	s, err = p.get(context.Background())
	require.NoError(t, err)
	p.put(s)
}

func TestPool_FailedConnectReleasesSlot(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	cfg := testConfig(srv)
	cfg.Password = "wrong"
	p := newTestPool(cfg, 1)
	defer p.close()

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := p.get(ctx)
		cancel()
		assert.ErrorIs(t, err, ErrConnection)
	}
}

func TestPool_Close(t *testing.T) {
	t.Parallel()
	srv := startServer(t, ftptest.Options{})
	p := newTestPool(testConfig(srv), 2)
	ctx := context.Background()

	idle, err := p.get(ctx)
	require.NoError(t, err)
	busy, err := p.get(ctx)
	require.NoError(t, err)
	p.put(idle)

	require.NoError(t, p.close())
	assert.False(t, idle.IsConnected())
	assert.True(t, busy.IsConnected())

	p.put(busy)
	assert.False(t, busy.IsConnected())

	_, err = p.get(ctx)
	assert.ErrorIs(t, err, errPoolClosed)
}
