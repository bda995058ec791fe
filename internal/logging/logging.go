// Package logging builds the process logger: a zap core exposed through
// the log/slog API the library packages accept.
package logging

import (
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// Logger pairs the slog front end with the zap logger that backs it.
type Logger struct {
	*slog.Logger
	zap   *zap.Logger
	close func()
}

// New opens the output and returns a logger writing to it.
func New(cfg Config, service string) (*Logger, error) {
	sink, closeSink, err := zap.Open(output(cfg.Output))
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}

	core := zapcore.NewCore(encoder(cfg.Format), sink, parseLevel(cfg.Level))
	zl := zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))
	if service != "" {
		zl = zl.With(zap.String("service", service))
	}

	return &Logger{
		Logger: slog.New(zapslog.NewHandler(zl.Core(), zapslog.WithCaller(true))),
		zap:    zl,
		close:  closeSink,
	}, nil
}

// Zap returns the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries and releases the output.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	l.close()
	return err
}

func output(out string) string {
	if out == "" {
		return "stdout"
	}
	return out
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
