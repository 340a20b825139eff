// Package accnt accumulates per-environment CPU time, attached to each
// env.Env rather than to a Unix process.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates one environment's user- and system-mode runtime, in
// nanoseconds. The embedded mutex lets a caller take a consistent
// snapshot across both counters when reporting.
type Accnt struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt) Now() int64 {
	return time.Now().UnixNano()
}

// IoTime removes time spent waiting for I/O from the system-time counter,
// given the nanosecond timestamp when the wait began.
func (a *Accnt) IoTime(since int64) {
	a.Systadd(int(-(a.Now() - since)))
}

// SleepTime removes time spent blocked in ipc_recv from the system-time
// counter, given the nanosecond timestamp when the block began.
func (a *Accnt) SleepTime(since int64) {
	a.Systadd(int(-(a.Now() - since)))
}

// Finish adds the time elapsed since inttime to the system-time counter.
func (a *Accnt) Finish(inttime int64) {
	a.Systadd(int(a.Now() - inttime))
}

// Add merges another environment's accounting record into this one.
func (a *Accnt) Add(n *Accnt) {
	a.Lock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
	a.Unlock()
}
