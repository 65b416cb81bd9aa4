package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var LevelIds = map[Level][]string{
	Debug: {"debug"},
	Info:  {"info"},
	Warn:  {"warn", "warning"},
	Error: {"error"},
}

type Config struct {
	Level  Level
	Output io.Writer // defaults to os.Stderr
}

type Logger struct {
	zl zerolog.Logger
}

func NewLogger(c Config) *Logger {
	var w io.Writer = os.Stderr
	if c.Output != nil {
		w = c.Output
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(c.Level.zerolog())
	return &Logger{zl: zl}
}

// NewNoop returns a logger that drops everything.
func NewNoop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger carrying the given key/value as a field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// Zerolog exposes the underlying logger for adapters (SQL logging).
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *Logger) Debugf(f string, a ...any) {
	l.zl.Debug().Msgf(f, a...)
}

func (l *Logger) Infof(f string, a ...any) {
	l.zl.Info().Msgf(f, a...)
}

func (l *Logger) Warnf(f string, a ...any) {
	l.zl.Warn().Msgf(f, a...)
}

func (l *Logger) Errorf(f string, a ...any) {
	l.zl.Error().Msgf(f, a...)
}
