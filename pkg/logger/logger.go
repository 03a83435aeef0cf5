// Package logger reports sync progress. SyncLogger writes through zap;
// NullLogger discards everything.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	PhaseStart(phase string, totalItems int)
	PhaseComplete(phase string, processedItems int)
	Upload(localPath, target string)
	Skip(relPath, reason string)
	Delete(target string)
	Retry(operation, target string, attempt int, err error)
	Error(operation, path string, err error)
	Debug(message string)
}

// SyncLogger logs through zap. In quiet mode only uploads, deletes and
// errors are reported.
type SyncLogger struct {
	Zap      *zap.Logger
	IsDryRun bool
	IsQuiet  bool
}

// New builds a console SyncLogger at the given level ("debug", "info",
// "warn", "error"; anything else means info).
func New(level string, quiet, dryRun bool) (*SyncLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &SyncLogger{Zap: z, IsDryRun: dryRun, IsQuiet: quiet}, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func (l *SyncLogger) msg(m string) string {
	if l.IsDryRun {
		return "(dryrun) " + m
	}
	return m
}

func (l *SyncLogger) PhaseStart(phase string, totalItems int) {
	if l.IsQuiet {
		return
	}
	l.Zap.Info("phase started", zap.String("phase", phase), zap.Int("items", totalItems))
}

func (l *SyncLogger) PhaseComplete(phase string, processedItems int) {
	if l.IsQuiet {
		return
	}
	l.Zap.Info("phase complete", zap.String("phase", phase), zap.Int("processed", processedItems))
}

func (l *SyncLogger) Upload(localPath, target string) {
	l.Zap.Info(l.msg("upload"), zap.String("source", localPath), zap.String("target", target))
}

func (l *SyncLogger) Skip(relPath, reason string) {
	if l.IsQuiet {
		return
	}
	l.Zap.Debug(l.msg("skip"), zap.String("path", relPath), zap.String("reason", reason))
}

func (l *SyncLogger) Delete(target string) {
	l.Zap.Info(l.msg("delete"), zap.String("target", target))
}

func (l *SyncLogger) Retry(operation, target string, attempt int, err error) {
	l.Zap.Warn("retrying", zap.String("operation", operation), zap.String("target", target),
		zap.Int("attempt", attempt), zap.Error(err))
}

func (l *SyncLogger) Error(operation, path string, err error) {
	l.Zap.Error(operation+" failed", zap.String("path", path), zap.Error(err))
}

func (l *SyncLogger) Debug(message string) {
	l.Zap.Debug(message)
}

// Sync flushes buffered entries.
func (l *SyncLogger) Sync() error {
	return l.Zap.Sync()
}

type NullLogger struct{}

func (NullLogger) PhaseStart(phase string, totalItems int)                {}
func (NullLogger) PhaseComplete(phase string, processedItems int)         {}
func (NullLogger) Upload(localPath, target string)                        {}
func (NullLogger) Skip(relPath, reason string)                            {}
func (NullLogger) Delete(target string)                                   {}
func (NullLogger) Retry(operation, target string, attempt int, err error) {}
func (NullLogger) Error(operation, path string, err error)                {}
func (NullLogger) Debug(message string)                                   {}

// OrNull returns l, or a NullLogger when l is nil.
func OrNull(l Logger) Logger {
	if l == nil {
		return NullLogger{}
	}
	return l
}
