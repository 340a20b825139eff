// Package pgfault implements the kernel side of user page-fault upcall
// delivery, the mechanism that makes user-level copy-on-write possible. A
// fault that reaches a user environment with a registered handler is not
// fatal — it is turned into an ordinary (from the environment's point of
// view) function call on its own exception stack. The handler itself,
// which actually resolves the fault, runs in user space; see package
// ulib's Fixup.
package pgfault

import (
	"bytes"
	"encoding/binary"

	"exokernel/env"
	"exokernel/kconfig"
	"exokernel/kerr"
	"exokernel/klog"
	"exokernel/kstats"
)

var log = klog.Component("pgfault")

// Page-fault error-code bits, delivered to the handler alongside the
// faulting address: FECPresent distinguishes a protection violation from
// a fault on a not-present page, FECWrite marks a write access, FECUser
// marks a fault that occurred in user mode.
const (
	FECPresent uint32 = 1 << 0
	FECWrite   uint32 = 1 << 1
	FECUser    uint32 = 1 << 2
)

// UTrapframe is the fixed-layout record pushed onto a user environment's
// exception stack to deliver a fault: general registers, then fault
// address, error code, eip, eflags, esp.
type UTrapframe struct {
	Regs    [8]uint32
	FaultVA uint32
	ErrCode uint32
	EIP     uint32
	EFlags  uint32
	ESP     uint32
}

func (u UTrapframe) encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, u)
	return buf.Bytes()
}

// Size is the on-the-wire size of one UTrapframe, in bytes.
var Size = len(UTrapframe{}.encode())

// Deliver handles a page fault at faultVA against e, which has just
// trapped from user mode with errCode and its saved register state
// already copied into e.Tf. If e has no registered upcall, or writing the
// UTrapframe to the exception stack fails, e is destroyed; otherwise
// e.Tf.EIP and e.Tf.ESP are redirected to the upcall and the UTrapframe
// address, leaving e ready to resume running its own handler.
func Deliver(e *env.Env, faultVA, errCode uint32, cfg kconfig.Config) error {
	kstats.Global.PageFaults.Inc()

	if e.PgFaultUpcall == env.NoUpcall {
		log.Warnf("env %08x: page fault at %#x with no upcall registered, destroying", e.ID, faultVA)
		e.Status = env.StatusDying
		return kerr.Fault
	}

	utf := UTrapframe{
		Regs:    e.Tf.Regs,
		FaultVA: faultVA,
		ErrCode: errCode,
		EIP:     e.Tf.EIP,
		EFlags:  e.Tf.EFlags,
		ESP:     e.Tf.ESP,
	}

	dst := destination(e.Tf.ESP, cfg)
	if err := e.AddrSpace.WriteBytes(dst, utf.encode()); err != nil {
		log.Warnf("env %08x: exception stack unwritable at %#x, destroying", e.ID, dst)
		e.Status = env.StatusDying
		return kerr.Fault
	}

	e.Tf.EIP = e.PgFaultUpcall
	e.Tf.ESP = dst
	return nil
}

// destination computes where the new UTrapframe goes: a fault whose
// saved esp already lies on the exception stack page is itself a fault
// inside the upcall handler (recursive), and gets a fresh frame placed
// below the current one with a one-word gap reserved for the return
// trampoline's scratch slot; any other fault gets the frame at the top
// of the exception stack.
func destination(esp uint32, cfg kconfig.Config) uint32 {
	stackBase := cfg.UXSTACKTOP - cfg.PageSize
	if esp >= stackBase && esp < cfg.UXSTACKTOP {
		return esp - uint32(Size) - 4
	}
	return cfg.UXSTACKTOP - uint32(Size)
}
