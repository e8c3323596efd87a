// getcpu_linux.go - Virtual CPU id via getcpu(2)

//go:build linux && !tinygo

package rcs

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// CurrentCPU returns the CPU the calling thread is executing on.
//
// The id comes from a raw getcpu(2) syscall, which never fails in
// practice; if it does fail, or a restricted affinity mask reports an id
// outside the range the binding was sized for, the scheduler-slot fallback
// keeps the id in bounds.
//
//go:nosplit
func CurrentCPU() int32 {
	var cpu uint32
	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), 0, 0)
	if errno != 0 || cpu >= uint32(numCPU) {
		return procID()
	}
	return int32(cpu)
}
