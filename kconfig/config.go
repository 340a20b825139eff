// Package kconfig holds the page size, table sizes, and address-space
// layout constants threaded through the rest of the kernel as one
// immutable struct, rather than free-floating package globals.
package kconfig

import "exokernel/util"

// Config is the set of compile-time kernel parameters. The zero value is
// not valid; use Default.
type Config struct {
	// PageSize is the size in bytes of one physical/virtual page.
	PageSize uint32

	// NENV is the size of the environment table. Must be a power of two.
	NENV uint32

	// NCPU is the number of simulated CPUs.
	NCPU uint32

	// UTOP is the top of the user-mappable address region.
	UTOP uint32
	// USTACKTOP is the top of the normal user stack, below UTOP.
	USTACKTOP uint32
	// UXSTACKTOP is the top of the user exception stack, which occupies
	// the page directly below it.
	UXSTACKTOP uint32
	// UTEXT is the low bound of user text.
	UTEXT uint32
}

// Default returns the wire-stable defaults: a 4KiB page, 1024 environment
// slots, 4 simulated CPUs, and the standard address-space layout.
// UXSTACKTOP sits at UTOP with the one-page exception stack directly
// below it; USTACKTOP sits two pages lower, leaving a one-page unmapped
// guard between the normal and exception stacks, so a stack overflow
// running into the exception stack is detectable rather than silently
// corrupting it.
func Default() Config {
	const pgsize = 4096
	utop := uint32(0xeec00000)
	return Config{
		PageSize:   pgsize,
		NENV:       1024,
		NCPU:       4,
		UTOP:       utop,
		USTACKTOP:  utop - 2*pgsize,
		UXSTACKTOP: utop,
		UTEXT:      0x00800000,
	}
}

// PageAligned reports whether va is a multiple of the configured page size.
func (c Config) PageAligned(va uint32) bool {
	return util.Rounddown(va, c.PageSize) == va
}

// UserVA reports whether va lies in the user-mappable region, i.e.
// va < UTOP; the boundary itself (va == UTOP) is invalid.
func (c Config) UserVA(va uint32) bool {
	return va < c.UTOP
}
