package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxFileSize = 100
	defaultMaxBackups  = 30
	defaultMaxAge      = 30
	defaultCompress    = true
)

func init() {
	// lumberjack:///var/log/ftpfs.log?{"maxsize":100,"maxage":30,"maxbackups":30,"compress":true}
	_ = zap.RegisterSink("lumberjack", newLumberjackSink)
}

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error { return nil }

func newLumberjackSink(u *url.URL) (zap.Sink, error) {
	l := &lumberjack.Logger{
		MaxSize:    defaultMaxFileSize,
		MaxAge:     defaultMaxAge,
		MaxBackups: defaultMaxBackups,
		LocalTime:  true,
		Compress:   defaultCompress,
	}
	if u.RawQuery != "" {
		q, err := url.QueryUnescape(u.RawQuery)
		if err != nil {
			return nil, fmt.Errorf("lumberjack sink config invalid: %w", err)
		}
		if err := json.Unmarshal([]byte(q), l); err != nil {
			return nil, fmt.Errorf("lumberjack sink config invalid: %w", err)
		}
	}
	l.Filename = u.Path
	return lumberjackSink{l}, nil
}

// newLogger builds a console logger writing to stderr, or to a rotating file
// when logFile is set.
func newLogger(logFile string, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Development = false
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	if logFile != "" {
		out, err := lumberjackURL(logFile)
		if err != nil {
			return nil, err
		}
		cfg.OutputPaths = []string{out}
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg.Build()
}

func lumberjackURL(logFile string) (string, error) {
	abs, err := filepath.Abs(logFile)
	if err != nil {
		return "", err
	}
	bs, err := json.Marshal(&lumberjack.Logger{
		MaxSize:    defaultMaxFileSize,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAge,
		Compress:   defaultCompress,
		LocalTime:  true,
	})
	if err != nil {
		return "", fmt.Errorf("lumberjack config invalid: %w", err)
	}
	u := url.URL{Scheme: "lumberjack", Path: filepath.ToSlash(abs), RawQuery: url.QueryEscape(string(bs))}
	return u.String(), nil
}
