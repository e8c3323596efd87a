// affinity_stub.go - CPU affinity no-op for unsupported platforms.
//
// Maintains an identical API surface so higher-level code needs no
// conditional compilation; the workers simply float where the scheduler
// puts them.

//go:build !linux || tinygo

package rcs

// SetAffinity is a no-op where sched_setaffinity(2) is unavailable.
//
//go:nosplit
//go:inline
func SetAffinity(cpu int) {}
