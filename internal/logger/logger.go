// Package logger provides structured logging with automatic redaction of
// credential-shaped fields.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var Log *slog.Logger

var redactedKeys = map[string]bool{
	"apikey":        true,
	"api_key":       true,
	"accesstoken":   true,
	"access_token":  true,
	"token":         true,
	"password":      true,
	"secret":        true,
	"authorization": true,
	"credential":    true,
	"jwt":           true,
}

// Init initializes the global logger. level is one of debug/info/warn/error;
// logFile, if non-empty, additionally receives every record.
func Init(level string, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	// A server process logs JSON for downstream aggregation, unlike the
	// CLI's human-facing text handler.
	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: redact,
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// redact blanks the value of any attribute whose key looks like it carries
// raw credential material.
func redact(groups []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

func init() {
	// Safe default so packages that log before Init (tests, early startup
	// failures) don't nil-panic.
	Log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{ReplaceAttr: redact}))
}
