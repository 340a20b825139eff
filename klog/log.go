// Package klog is the kernel's one logging sink. Every subsystem logs
// through a Component logger rather than calling fmt.Println/log.Print
// directly.
//
// Log lines are always appended to an in-memory ring buffer (so the kernel
// monitor can dump recent history even if nothing is watching stdout) and,
// if SetOutputSink has been called, mirrored to an io.Writer as well —
// output is never lost just because nothing was attached yet when it was
// produced.
package klog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"exokernel/circbuf"
)

const ringSize = 64 * 1024

var (
	mu        sync.Mutex
	ring      = circbuf.New(ringSize)
	sink      io.Writer
	haltAllFn = func() {} // overridden by the platform HAL at boot; mocked in tests
	nowFn     = time.Now
)

// SetOutputSink directs future log lines to w in addition to the ring
// buffer. Passing nil disables mirroring.
func SetOutputSink(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
}

// SetHaltAll installs the function Fatalf calls after logging a fatal
// message. The boot harness installs hal.HaltAllFn over its cores; tests
// install a no-op or a flag-setting stub.
func SetHaltAll(fn func()) {
	mu.Lock()
	defer mu.Unlock()
	haltAllFn = fn
}

// History returns every log line currently retained in the ring buffer.
func History() string {
	mu.Lock()
	defer mu.Unlock()
	return string(ring.ReadAll())
}

// Logger logs on behalf of one named kernel component, e.g. "sched" or
// "ksys", tagging every line with that name so interleaved output from
// several components stays attributable.
type Logger struct {
	component string
}

// Component returns a Logger for the named component.
func Component(name string) Logger {
	return Logger{component: name}
}

func (l Logger) emit(level, format string, args ...interface{}) {
	ts := nowFn().Format("15:04:05.000")
	line := fmt.Sprintf("%s [%s] %-5s %s\n", ts, l.component, level, fmt.Sprintf(format, args...))
	mu.Lock()
	ring.Write([]byte(line))
	s := sink
	mu.Unlock()
	if s != nil {
		io.WriteString(s, line)
	}
}

// Infof logs a routine informational message.
func (l Logger) Infof(format string, args ...interface{}) { l.emit("info", format, args...) }

// Warnf logs a recoverable anomaly.
func (l Logger) Warnf(format string, args ...interface{}) { l.emit("warn", format, args...) }

// Errorf logs an error that a caller will observe via a return code.
func (l Logger) Errorf(format string, args ...interface{}) { l.emit("error", format, args...) }

// Fatalf logs an unrecoverable kernel-mode invariant violation, calls the
// function installed with SetHaltAll, and then returns to its caller. It
// does not terminate the Go process — tests install a HaltAll stub via
// SetHaltAll and assert it was invoked.
func (l Logger) Fatalf(format string, args ...interface{}) {
	l.emit("panic", format, args...)
	mu.Lock()
	fn := haltAllFn
	mu.Unlock()
	fn()
}
