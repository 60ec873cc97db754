// Package ratelimit throttles data-connection transfers to a fixed number of
// bytes per second.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk bounds a single wait so a large buffer never asks for more tokens
// than the bucket holds.
const maxChunk = 32 * 1024

// Limiter is a token bucket shared by every transfer of one session. A nil
// *Limiter means unlimited.
type Limiter struct {
	l     *rate.Limiter
	chunk int
}

// New returns a limiter allowing bytesPerSecond with a one second burst, or
// nil when bytesPerSecond is not positive.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond || burst < 0 {
		burst = int(^uint(0) >> 1)
	}
	return &Limiter{
		l:     rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		chunk: min(burst, maxChunk),
	}
}

// Limit reports the configured rate in bytes per second. Zero means unlimited.
func (rl *Limiter) Limit() int64 {
	if rl == nil {
		return 0
	}
	return int64(rl.l.Limit())
}

func (rl *Limiter) wait(ctx context.Context, n int) error {
	return rl.l.WaitN(ctx, n)
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r throttled by limiter. If limiter is nil, r is returned
// unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > r.limiter.chunk {
		p = p[:r.limiter.chunk]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.wait(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w throttled by limiter. If limiter is nil, w is returned
// unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := min(len(p)-written, w.limiter.chunk)
		if err := w.limiter.wait(w.ctx, chunk); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
