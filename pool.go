package ftpfs

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var errPoolClosed = errors.New("ftp filesystem is closed")

// pool hands out sessions for exclusive use. At most size sessions exist;
// idle ones are kept connected for reuse.
type pool struct {
	sem        *semaphore.Weighted
	newSession func() *Session

	mu     sync.Mutex
	idle   []*Session
	closed bool
}

func newPool(size int, newSession func() *Session) *pool {
	return &pool{
		sem:        semaphore.NewWeighted(int64(max(size, 1))),
		newSession: newSession,
	}
}

// get returns a connected session, waiting for one to be released when the
// pool is at capacity.
func (p *pool) get(ctx context.Context) (*Session, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, errPoolClosed
	}
	var s *Session
	if n := len(p.idle); n > 0 {
		s = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if s == nil {
		s = p.newSession()
	}
	if err := s.EnsureConnected(ctx); err != nil {
		p.put(s)
		return nil, err
	}
	return s, nil
}

// put returns a session to the pool.
func (p *pool) put(s *Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Disconnect()
	} else {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// close disconnects idle sessions; sessions in use are disconnected when
// they are returned.
func (p *pool) close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		errs = append(errs, s.Disconnect())
	}
	return errors.Join(errs...)
}
