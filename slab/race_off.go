// race_off.go — no-op annotation shims for non-race builds.

//go:build !race

package slab

import "unsafe"

//go:nosplit
//go:inline
func raceRelease(p unsafe.Pointer) {}

//go:nosplit
//go:inline
func raceAcquire(p unsafe.Pointer) {}

//go:nosplit
//go:inline
func raceReleaseBatch(batch []unsafe.Pointer) {}

//go:nosplit
//go:inline
func raceAcquireBatch(batch []unsafe.Pointer) {}
