// Package kfmt provides the kernel's logging and panic facilities.
//
// All output goes through a single zerolog logger. Until an output sink is
// attached via SetOutputSink, output is captured by an in-memory ring buffer
// so that messages logged during early boot are not lost.
package kfmt

import (
	"io"

	"kmem/kernel/sync"

	"github.com/rs/zerolog"
)

var (
	sinkLock sync.Spinlock

	// earlyPrintBuffer captures output until a sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the active log destination. It is only accessed while
	// holding sinkLock.
	outputSink io.Writer = &earlyPrintBuffer

	rootLogger = zerolog.New(lockedSink{}).With().Timestamp().Logger()
)

// lockedSink serializes writes to the active output sink.
type lockedSink struct{}

func (lockedSink) Write(p []byte) (int, error) {
	sinkLock.Acquire()
	defer sinkLock.Release()
	return outputSink.Write(p)
}

// SetOutputSink sets the default target for all log output. Any output
// captured by the early ring buffer is flushed to w first. Passing a nil
// writer re-attaches the early ring buffer.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	if w == nil {
		outputSink = &earlyPrintBuffer
		return
	}

	_, _ = earlyPrintBuffer.WriteTo(w)
	outputSink = w
}

// SetLevel sets the minimum level of messages emitted by every kernel
// logger.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel converts a level name (trace, debug, info, warn, error) into a
// zerolog level.
func ParseLevel(name string) (zerolog.Level, error) {
	return zerolog.ParseLevel(name)
}

// Logger returns a logger that tags every message with the given module
// name.
func Logger(module string) *zerolog.Logger {
	l := rootLogger.With().Str("module", module).Logger()
	return &l
}
