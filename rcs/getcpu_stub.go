// ============================================================================
// CROSS-PLATFORM COMPATIBILITY STUB SYSTEM
// ============================================================================
//
// getcpu_stub.go - Virtual CPU id without getcpu(2)
//
// On platforms without a cheap CPU-id syscall the scheduler slot of the
// calling goroutine stands in for the CPU id. It has the properties the slab
// needs from a virtual id: it is stable while the thread keeps running, it
// is always smaller than the CPU count the binding was sized for, and two
// threads rarely share one concurrently.

//go:build !linux || tinygo

package rcs

// CurrentCPU returns the scheduler-slot id standing in for the CPU id.
//
//go:nosplit
func CurrentCPU() int32 {
	return procID()
}
