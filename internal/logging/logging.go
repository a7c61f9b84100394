// Package logging builds the apex/log logger used across mprview.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/natefinch/lumberjack"
)

// Options mirrors the log section of the configuration.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxAge     int
	MaxBackups int
}

// New creates a logger writing to stderr, or to a rotating log file when
// opts.File is set. The returned closer releases the file.
func New(opts Options) (*log.Logger, io.Closer, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSize, // megabytes
			MaxAge:     opts.MaxAge,  // days
			MaxBackups: opts.MaxBackups,
		}
		w = rotating
		closer = rotating
	}

	var handler log.Handler
	switch opts.Format {
	case "", "text":
		handler = text.New(w)
	case "json":
		handler = json.New(w)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return &log.Logger{Handler: handler, Level: level}, closer, nil
}

// OrDefault returns l, or the package-level apex logger when l is nil.
func OrDefault(l log.Interface) log.Interface {
	if l == nil {
		return log.Log
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
