// affinity_linux.go - CPU affinity via sched_setaffinity(2)

//go:build linux && !tinygo

package rcs

import (
	"golang.org/x/sys/unix"
)

// SetAffinity pins the calling thread to one CPU. Callers are expected to
// hold runtime.LockOSThread for the pin to mean anything.
func SetAffinity(cpu int) {
	if cpu < 0 || cpu >= numCPU {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
