package o2gate

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger is what the gateway writes its session and listener events to.
// Every entry carries component=o2gate; session entries add conn and proto.
//
// Implementations must be safe for concurrent use: all sessions share one.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithAttrs(args ...any) Logger
}

type loggerHolder struct{ Logger }

var globalLogger atomic.Pointer[loggerHolder]

func init() {
	SetLogger(nil)
}

// stderrLogger writes text records to stderr at debug level. Whether debug
// records are produced at all is decided by Verbose.
func stderrLogger() Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return SlogLogger(slog.New(handler))
}

// SetLogger routes gateway logs to logger. nil restores stderr output.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = stderrLogger()
	}
	globalLogger.Store(&loggerHolder{logger.WithAttrs("component", "o2gate")})
}

// SetSlogLogger is SetLogger for a *slog.Logger
func SetSlogLogger(logger *slog.Logger) {
	SetLogger(SlogLogger(logger))
}

// SlogLogger adapts a *slog.Logger to Logger
func SlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return nil
	}
	return slogAdapter{logger: logger}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Debug(msg string, args ...any) { s.logger.Debug(msg, args...) }

func (s slogAdapter) Info(msg string, args ...any) { s.logger.Info(msg, args...) }

func (s slogAdapter) Warn(msg string, args ...any) { s.logger.Warn(msg, args...) }

func (s slogAdapter) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

func (s slogAdapter) WithAttrs(args ...any) Logger {
	return slogAdapter{logger: s.logger.With(args...)}
}

// connectionLogger tags entries with the registry id and protocol of a
// session. A negative connID is used by listeners and the credential store,
// which have no session; they get the proto attribute alone, or nothing for
// protoNone.
func connectionLogger(connID int, proto Protocol) Logger {
	logger := globalLogger.Load().Logger
	switch {
	case connID >= 0:
		return logger.WithAttrs("conn", connID, "proto", proto.String())
	case proto != protoNone:
		return logger.WithAttrs("proto", proto.String())
	}
	return logger
}

// debugLog is the protocol trace: client and remote lines, already
// redacted by the caller. Nothing is logged unless Verbose is set.
func debugLog(connID int, proto Protocol, msg string, args ...any) {
	if !Verbose {
		return
	}
	connectionLogger(connID, proto).Debug(msg, args...)
}

func infoLog(connID int, proto Protocol, msg string, args ...any) {
	connectionLogger(connID, proto).Info(msg, args...)
}

func warnLog(connID int, proto Protocol, msg string, args ...any) {
	connectionLogger(connID, proto).Warn(msg, args...)
}
