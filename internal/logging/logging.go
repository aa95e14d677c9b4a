// Package logging builds the logrus loggers used across the subsystem.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"

	defaultFormat = FormatText
	defaultLevel  = logrus.InfoLevel
)

// Field names shared by all log entries.
const (
	FieldFD         = "fd"
	FieldCmd        = "cmd"
	FieldMapType    = "map_type"
	FieldProgram    = "program"
	FieldTracepoint = "tracepoint"
	FieldSymbol     = "symbol"
	FieldAddr       = "addr"
)

// DefaultLogger is used by components that aren't handed a logger. It is
// separate from the logrus standard logger so that importing this module
// doesn't change what the host application prints.
var DefaultLogger = mustNew(Options{})

// Options configure a logger. Zero values select the text format at info
// level on stderr.
type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

// New returns a logger configured by opts.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	formatter, err := getFormatter(opts.Format)
	if err != nil {
		return nil, err
	}
	logger.SetFormatter(formatter)

	level := defaultLevel
	if opts.Level != "" {
		level, err = logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
	}
	logger.SetLevel(level)

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, nil
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func mustNew(opts Options) *logrus.Logger {
	logger, err := New(opts)
	if err != nil {
		panic(err)
	}
	return logger
}

func getFormatter(format Format) (logrus.Formatter, error) {
	switch format {
	case "", FormatText:
		return &logrus.TextFormatter{
			DisableColors: true,
		}, nil
	case FormatJSON:
		return &logrus.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("invalid log format '%s'", string(format))
	}
}
