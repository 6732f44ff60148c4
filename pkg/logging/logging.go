// Package logging configures the global zerolog logger for the chatsync binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Settings mirrors the logging section of the config file.
type Settings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	WithCaller bool   `yaml:"with_caller"`
	// MaxSizeMB rotates the log file once it grows past this size. Zero means 10.
	MaxSizeMB int `yaml:"max_size_mb"`
	// Quiet drops terminal output entirely; the TUI uses it when no file is configured.
	Quiet bool `yaml:"-"`
}

// Init replaces log.Logger. Console output when stderr is a terminal, JSON otherwise. When a
// file is set, logs go only to the file, rotated by size. The returned closer releases it.
func Init(s Settings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch {
	case s.File != "":
		size := s.MaxSizeMB
		if size <= 0 {
			size = 10
		}
		lj := &lumberjack.Logger{Filename: s.File, MaxSize: size, MaxBackups: 3}
		// Open eagerly so a bad path fails here and not on the first log line.
		if _, err := lj.Write(nil); err != nil {
			return nil, errors.Wrapf(err, "open log file %s", s.File)
		}
		w, closer = lj, lj
	case s.Quiet:
		w = io.Discard
	case isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()):
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	default:
		w = os.Stderr
	}

	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
