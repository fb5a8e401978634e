package taskwire

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger defines logging methods used by the library. Implementations should be cheap.
// Default is ZerologLogger writing to stderr.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger creates a timestamped logger writing to w. Output is JSON when
// APP_ENV is "production" and a human-readable console format otherwise.
func NewZerologLogger(w io.Writer) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Str("component", "taskwire").Logger()
	if os.Getenv("APP_ENV") != "production" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return &ZerologLogger{zl: zl}
}

// WrapZerolog uses an existing zerolog.Logger as is.
func WrapZerolog(zl zerolog.Logger) *ZerologLogger { return &ZerologLogger{zl: zl} }

func (l *ZerologLogger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *ZerologLogger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *ZerologLogger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *ZerologLogger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}
