// Package logging hands out the prefixed loggers every component takes in
// its config and decides where their output goes.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File, when set, receives logs instead of stderr and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Quiet discards everything.
	Quiet bool
}

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
	closer io.Closer
)

// Setup routes loggers created afterwards to the destination in opts. The
// returned function closes a rotated log file.
func Setup(opts Options) func() error {
	mu.Lock()
	defer mu.Unlock()

	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
	switch {
	case opts.Quiet:
		output = io.Discard
	case opts.File != "":
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		output = lj
		closer = lj
	default:
		output = os.Stderr
	}
	return func() error {
		mu.Lock()
		defer mu.Unlock()
		if closer == nil {
			return nil
		}
		err := closer.Close()
		closer = nil
		output = os.Stderr
		return err
	}
}

// Output returns the current destination.
func Output() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

// New returns a logger writing "[prefix] " lines to the current
// destination.
func New(prefix string) *log.Logger {
	return log.New(Output(), "["+prefix+"] ", log.LstdFlags)
}
