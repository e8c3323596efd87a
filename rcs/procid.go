// procid.go — scheduler-slot identity via runtime pinning.
//
// The pin/unpin pair is the cheapest stable processor-slot probe the runtime
// exposes; the id is only advisory by the time it is returned, which is the
// same contract a raw CPU-id read has.

package rcs

import (
	_ "unsafe"
)

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()

//go:nosplit
func procID() int32 {
	pid := runtime_procPin()
	runtime_procUnpin()
	if pid >= numCPU {
		pid %= numCPU
	}
	return int32(pid)
}
