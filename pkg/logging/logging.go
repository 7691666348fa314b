// Package logging configures the global zerolog logger and bridges it to
// watermill.
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
)

type Settings struct {
	Level string `yaml:"level" env:"INGESTGW_LOG_LEVEL"`
	// Format is "console", "json" or "auto" (console when stderr is a terminal).
	Format string `yaml:"format" env:"INGESTGW_LOG_FORMAT"`
}

// Setup installs the global logger described by s and returns it.
func Setup(s Settings) (zerolog.Logger, error) {
	return SetupWriter(s, os.Stderr)
}

func SetupWriter(s Settings, out io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "log level %q", s.Level)
		}
		level = l
	}

	var w io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "auto":
		w = out
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
	case "console", "text":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: !isTerminal(out)}
	case "json":
		w = out
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", s.Format)
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)
	log.Logger = logger
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
