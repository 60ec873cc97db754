package ftpfs

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Option is a functional option for configuring a Filesystem.
type Option func(*Filesystem) error

// WithLogger sets the logger. Commands and replies are logged at debug level
// when Config.Verbose is set; the password is never logged.
//
// Example:
//
//	logger, _ := zap.NewDevelopment()
//	fsys, _ := ftpfs.New(cfg, ftpfs.WithLogger(logger))
func WithLogger(logger *zap.Logger) Option {
	return func(f *Filesystem) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		f.logger = logger
		return nil
	}
}

// WithMetrics records protocol counters into m.
func WithMetrics(m *Metrics) Option {
	return func(f *Filesystem) error {
		f.metrics = m
		return nil
	}
}

// WithClock replaces time.Now for session expiry and listing timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Filesystem) error {
		if now == nil {
			return errors.New("nil clock")
		}
		f.now = now
		return nil
	}
}

// WithVisibilityConverter replaces the default public/private mode mapping.
func WithVisibilityConverter(v *VisibilityConverter) Option {
	return func(f *Filesystem) error {
		if v == nil {
			return errors.New("nil visibility converter")
		}
		f.visibility = v
		return nil
	}
}
