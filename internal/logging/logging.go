// Package logging backs log/slog with a zap core.
package logging

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Encoding is json or console.
	Encoding string
}

// New builds a slog logger writing through zap. The returned func flushes buffered entries.
func New(c Config) (*slog.Logger, func(), error) {
	level := zapcore.InfoLevel
	if c.Level != "" {
		if err := level.Set(c.Level); err != nil {
			return nil, nil, fmt.Errorf("logging: level %q: %w", c.Level, err)
		}
	}

	encoding := c.Encoding
	if encoding == "" {
		encoding = "json"
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc := zap.Config{
		Level: zap.NewAtomicLevelAt(level),
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	zl, err := zc.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("logging: build zap logger: %w", err)
	}

	l := slog.New(zapslog.NewHandler(zl.Core()))
	return l, func() { _ = zl.Sync() }, nil
}

// Setup installs the logger built from c as the slog default.
func Setup(c Config) (func(), error) {
	l, sync, err := New(c)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return sync, nil
}
