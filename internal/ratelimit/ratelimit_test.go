package ratelimit

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"valid rate", 1024, false},
		{"zero rate is unlimited", 0, true},
		{"negative rate is unlimited", -1, true},
		{"very low rate", 1, false},
		{"high rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil {
				assert.Nil(t, limiter)
				return
			}
			require.NotNil(t, limiter)
			assert.Equal(t, tt.bytesPerSecond, limiter.Limit())
		})
	}
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	r := strings.NewReader("data")

	assert.Same(t, r, NewReader(context.Background(), r, nil))
	assert.Equal(t, io.Writer(&buf), NewWriter(context.Background(), &buf, nil))

	var nilLimiter *Limiter
	assert.Zero(t, nilLimiter.Limit())
}

func TestReaderCopiesEverything(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100*1024)
	limiter := New(1 << 30)

	var out bytes.Buffer
	n, err := io.Copy(&out, NewReader(context.Background(), bytes.NewReader(data), limiter))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())
}

func TestWriterCopiesEverything(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 100*1024)
	limiter := New(1 << 30)

	var out bytes.Buffer
	n, err := NewWriter(context.Background(), &out, limiter).Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, out.Bytes())
}

func TestWriterThrottles(t *testing.T) {
	// 2 KiB at 1 KiB/s with a 1 KiB burst needs roughly one second.
	limiter := New(1024)
	start := time.Now()

	_, err := NewWriter(context.Background(), io.Discard, limiter).Write(make([]byte, 2048))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}

func TestWriterHonoursCancellation(t *testing.T) {
	limiter := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWriter(ctx, io.Discard, limiter).Write([]byte("abc"))
	assert.Error(t, err)
}
