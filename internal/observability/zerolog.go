package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologConfig controls construction of the process logger.
type ZerologConfig struct {
	// Level is the minimum level emitted: debug, info, warn, error.
	Level string
	// Console enables human-readable console output instead of JSON.
	Console bool
	// Service is stamped on every entry.
	Service string
}

// NewZerolog builds a Logger backed by rs/zerolog writing to w.
// A nil writer defaults to stdout.
func NewZerolog(cfg ZerologConfig, w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level := parseLevel(cfg.Level)
	service := cfg.Service
	if service == "" {
		service = "tapewire"
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Str("service", service).Logger()
	return &zerologAdapter{zl: zl}
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type zerologAdapter struct {
	zl zerolog.Logger
}

func (a *zerologAdapter) Debug(msg string, fields ...Field) { emit(a.zl.Debug(), msg, fields) }
func (a *zerologAdapter) Info(msg string, fields ...Field)  { emit(a.zl.Info(), msg, fields) }
func (a *zerologAdapter) Warn(msg string, fields ...Field)  { emit(a.zl.Warn(), msg, fields) }
func (a *zerologAdapter) Error(msg string, fields ...Field) { emit(a.zl.Error(), msg, fields) }

func emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case error:
			ev = ev.AnErr(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case int64:
			ev = ev.Int64(f.Key, v)
		case uint64:
			ev = ev.Uint64(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}
