// Package logging builds the trace logger. Logs only ever go to a file so
// they never interleave with the conversation on the terminal.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meanwhile131/deepseek-cli/config"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFile is used when tracing is requested without a configured path.
const DefaultFile = "trace.log"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger for cfg. With no path configured and trace off, the
// logger discards everything. trace forces debug level.
func New(cfg config.Log, trace bool) (zerolog.Logger, io.Closer, error) {
	path := cfg.Path
	if path == "" {
		if !trace {
			return zerolog.Nop(), nopCloser{}, nil
		}
		path = filepath.Join(config.DirName, DefaultFile)
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, errors.Wrapf(err, "invalid log level '%s'", cfg.Level)
		}
		level = parsed
	}
	if trace {
		level = zerolog.DebugLevel
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zerolog.Nop(), nil, errors.Wrapf(err, "could not create log directory")
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	log := zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Info().Str("path", path).Str("level", level.String()).Time("started", time.Now()).Msg("logging started")
	return log, w, nil
}
