// race_on.go — race-detector annotations for cross-CPU object handoff.
//
// The cells live in raw memory the detector cannot see, so the
// happens-before edge a push/pop pair creates for the *object* is asserted
// explicitly: release before the item becomes reachable from other CPUs,
// acquire when it comes back out.

//go:build race

package slab

import (
	"runtime"
	"unsafe"
)

func raceRelease(p unsafe.Pointer) {
	runtime.RaceRelease(p)
}

func raceAcquire(p unsafe.Pointer) {
	runtime.RaceAcquire(p)
}

func raceReleaseBatch(batch []unsafe.Pointer) {
	for _, p := range batch {
		if p != nil {
			runtime.RaceRelease(p)
		}
	}
}

func raceAcquireBatch(batch []unsafe.Pointer) {
	for _, p := range batch {
		if p != nil {
			runtime.RaceAcquire(p)
		}
	}
}
