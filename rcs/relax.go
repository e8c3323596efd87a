// relax.go — spin-wait hint for fence loops.
//
// Fence spins are cold (bounded by critical-section length, O(ns)), so a
// portable hint is enough here; the fence escalates to Gosched on long waits.

package rcs

import "sync/atomic"

var relaxSink atomic.Uint64

// cpuRelax burns a few cycles with a serializing load so a spinning fence
// does not starve the hyperthread sibling running the critical section it
// is waiting on.
//
//go:nosplit
//go:inline
func cpuRelax() {
	relaxSink.Load()
}
