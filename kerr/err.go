// Package kerr defines the wire-stable syscall error codes.
//
// Every kernel primitive that can fail returns one of these as a negative
// int32 value in the syscall return-value register; in Go, the same value
// is also an error so callers inside the kernel can use the usual idioms.
package kerr

import "fmt"

// Code is a wire-stable negative syscall error code.
type Code int32

// The six error codes named in the wire interface. Values are negative so
// that a successful call (>= 0) and a failed one (< 0) can share one
// register without an out-of-band status flag.
const (
	Ok          Code = 0
	BadEnv      Code = -1
	Inval       Code = -2
	NoMem       Code = -3
	NoFreeEnv   Code = -4
	IpcNotRecv  Code = -5
	Fault       Code = -6
)

var names = map[Code]string{
	Ok:         "ok",
	BadEnv:     "bad environment id",
	Inval:      "invalid argument",
	NoMem:      "out of memory",
	NoFreeEnv:  "no free environment",
	IpcNotRecv: "destination not receiving",
	Fault:      "fault",
}

// Error implements the error interface so a Code can be returned directly
// wherever Go code, as opposed to a raw syscall register, wants one.
func (c Code) Error() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("kerr: unknown code %d", int32(c))
}

// Int32 returns the wire-stable register value for c.
func (c Code) Int32() int32 { return int32(c) }

// FromInt32 recovers a Code from a syscall return value. Positive values
// are not errors; ok reports whether v corresponds to one of the named
// codes, Ok (0) included.
func FromInt32(v int32) (c Code, ok bool) {
	c = Code(v)
	_, ok = names[c]
	return c, ok
}

// AsError returns nil for Ok and otherwise returns c as an error, so
// call sites can write `if err := kerr.AsError(code); err != nil`.
func AsError(c Code) error {
	if c == Ok {
		return nil
	}
	return c
}
