package kfmt

import (
	"kmem/kernel"
	"kmem/kernel/cpu"

	"github.com/rs/zerolog"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	panicLog = Logger("kfmt")
)

// Panic outputs the supplied error (if not nil) to the log and halts the
// CPU. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	event := panicLog.WithLevel(zerolog.PanicLevel)
	if err != nil {
		event = event.Str("source", err.Module).Str("error", err.Message)
	} else {
		err = errRuntimePanic
	}
	event.Msg("kernel panic: system halted")

	cpuHaltFn(err)
}
