// logging.go - Structured logging for the shielded pool.
//
// An application logger (console and optional rotating file) and a separate
// audit logger that records every operation state transition.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the loggers.
type Options struct {
	Level      string
	File       string
	AuditFile  string
	Console    bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// GnarkLevel controls gnark's own compile/prove logs ("disabled" silences them).
	GnarkLevel string
}

// Loggers bundles the application and audit loggers with the files behind them.
type Loggers struct {
	App   zerolog.Logger
	Audit zerolog.Logger

	closers []io.Closer
}

// New builds the loggers described by opts.
func New(opts Options) (*Loggers, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Loggers{}
	var writers []io.Writer
	if opts.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if opts.File != "" {
		w, err := l.rotating(opts.File, opts)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	l.App = zerolog.New(out).Level(level).With().Timestamp().Logger()

	l.Audit = zerolog.Nop()
	if opts.AuditFile != "" {
		w, err := l.rotating(opts.AuditFile, opts)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.Audit = zerolog.New(w).With().Timestamp().Str("log", "audit").Logger()
	}

	gnarkLevel, err := zerolog.ParseLevel(opts.GnarkLevel)
	if err != nil || opts.GnarkLevel == "" {
		gnarkLevel = zerolog.Disabled
	}
	if gnarkLevel == zerolog.Disabled {
		gnarklogger.Disable()
	} else {
		gnarklogger.Set(l.App.With().Str("component", "gnark").Logger().Level(gnarkLevel))
	}
	return l, nil
}

func (l *Loggers) rotating(path string, opts Options) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 30),
		Compress:   true,
	}
	l.closers = append(l.closers, lj)
	return lj, nil
}

// Close flushes and closes the log files.
func (l *Loggers) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}

// Nop returns loggers that discard everything.
func Nop() *Loggers {
	return &Loggers{App: zerolog.Nop(), Audit: zerolog.Nop()}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
