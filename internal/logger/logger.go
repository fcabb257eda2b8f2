// Package logger is the process-wide structured logger. Services and
// repositories trace their calls through the Enter/Exit helpers; anything that
// moves money also goes through Money so balance changes can be followed in
// the log stream.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

// Initialize sets up the global logger with the specified level and format
func Initialize(level, format string) {
	InitializeWithWriter(os.Stdout, level, format)
}

// InitializeWithWriter is Initialize with a custom destination.
func InitializeWithWriter(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	l := slog.New(handler).With("app", "tutor-wallet")
	current.Store(l)
	slog.SetDefault(l)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger, initialising it at info level on first use.
func Get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	Initialize("info", "text")
	return current.Load()
}

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

func Info(msg string, args ...any) { Get().Info(msg, args...) }

func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

func Error(msg string, args ...any) { Get().Error(msg, args...) }

func with(lead []any, args []any) []any {
	return append(lead, args...)
}

// EnterMethod logs method entry at debug level.
func EnterMethod(method string, args ...any) {
	Get().Debug("→ enter", with([]any{"method", method}, args)...)
}

// ExitMethod logs a successful method exit at debug level.
func ExitMethod(method string, args ...any) {
	Get().Debug("← exit", with([]any{"method", method}, args)...)
}

// ExitMethodWithError logs a method exit caused by an internal failure.
func ExitMethodWithError(method string, err error, args ...any) {
	Get().Error("← exit with error", with([]any{"method", method, "error", err}, args)...)
}

// ExitMethodRejected logs a method exit caused by the caller: validation,
// conflict or insufficient funds. These are logged at info.
func ExitMethodRejected(method string, err error, args ...any) {
	Get().Info("← rejected", with([]any{"method", method, "reason", err.Error()}, args)...)
}

// DatabaseCall logs the start of a database operation.
func DatabaseCall(operation, query string, args ...any) {
	Get().Debug("→ db", with([]any{"operation", operation, "query", query}, args)...)
}

// DatabaseResult logs the outcome of a database operation.
func DatabaseResult(operation string, rowsAffected int64, err error, args ...any) {
	lead := []any{"operation", operation, "rows_affected", rowsAffected}
	if err != nil {
		Get().Error("← db failed", with(append(lead, "error", err), args)...)
		return
	}
	Get().Debug("← db", with(lead, args)...)
}

// ExternalServiceCall logs a call to the transfer gateway or rate provider.
func ExternalServiceCall(service, operation string, args ...any) {
	Get().Debug("→ external", with([]any{"service", service, "operation", operation}, args)...)
}

// ExternalServiceResult logs the outcome of an external call. Failures are
// warnings: every caller has a retry or fallback path.
func ExternalServiceResult(service, operation string, err error, args ...any) {
	lead := []any{"service", service, "operation", operation}
	if err != nil {
		Get().Warn("← external failed", with(append(lead, "error", err), args)...)
		return
	}
	Get().Debug("← external", with(lead, args)...)
}

// Transition logs a persisted state machine move, e.g. a payout going from
// processing to failed.
func Transition(entity string, id int64, from, to string, args ...any) {
	Get().Info("state transition", with([]any{"entity", entity, "id", id, "from", from, "to", to}, args)...)
}

// Money logs a balance-affecting write at info level.
func Money(event string, args ...any) {
	Get().Info("balance change", with([]any{"money_event", event}, args)...)
}
