// ============================================================================
// SLABS RESIZE
// ============================================================================
//
// Rebuilds the entire slab array in a new region with a new shift, in four
// phases:
//
//	1. Stop every CPU and lay out headers in the new region for the CPUs
//	   already populated, then fence so no critical section straddles the
//	   switch.
//	2. Drain every populated CPU's old region into the caller's handler.
//	3. Atomically rebind (slabs, shift) and recompute the shared begins
//	   array for the new geometry.
//	4. Restart every CPU with release ordering.
//
// The old region is returned, not freed: the caller decommits it, and any
// straggler thread still holding a stale cached pointer reads zero-fill
// from a mapping that stays valid.
// ============================================================================

package slab

import (
	"unsafe"

	"percpuslab/constants"
	"percpuslab/rcs"
)

// ResizeInfo identifies the retired region after a resize.
type ResizeInfo struct {
	OldSlabs     unsafe.Pointer
	OldSlabsSize uintptr
}

// ResizeSlabs switches the cache to newSlabs with newShift. newSlabs must
// be page-aligned and sized SlabsAllocSize(newShift, NumCPUs). capacity and
// populated describe the current geometry; every cached pointer on a
// populated CPU flows through drain exactly once.
//
// The caller guarantees no concurrent InitCpu, ShrinkOtherCache, or Drain.
// Fast-path traffic is tolerated: stopped CPUs lock it out and the primer
// aborts while the resize is in flight.
func (s *Slab) ResizeSlabs(newShift uint8, newSlabs unsafe.Pointer, capacity CapacityFunc, populated PopulatedFunc, drain DrainHandler) ResizeInfo {
	oldSlabs, oldShift := s.slabsAndShiftPair()
	if newShift == oldShift {
		panic("slab: resize to same shift")
	}
	if newShift < constants.MinShift || newShift > constants.MaxShift {
		panic("slab: shift out of range")
	}
	if uintptr(newSlabs)&(constants.PageBytes-1) != 0 {
		panic("slab: region must be page aligned")
	}
	s.resizing.Store(true)

	// Phase 1: stop the world and prepare the new region for every CPU
	// that already has live headers in the old one.
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		if s.stoppedAt(cpu).Load() != 0 {
			panic("slab: cpu already stopped")
		}
		s.stoppedAt(cpu).Store(1)
		if populated(cpu) {
			s.initCpuImpl(uintptr(newSlabs), newShift, cpu, false, capacity)
		}
	}
	rcs.FenceAllCpus()

	// Phase 2: hand every old-region pointer back through the caller.
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		if !populated(cpu) {
			continue
		}
		s.drainCpu(oldSlabs, oldShift, cpu, drain)
	}

	// Phase 3: rebind and recompute window bases for the new geometry.
	s.slabsAndShift.Store(uintptr(newSlabs) | uintptr(newShift))
	s.initCpuImpl(uintptr(newSlabs), newShift, 0, true, capacity)

	// Phase 4: restart.
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		s.stoppedAt(cpu).Store(0)
	}
	s.resizing.Store(false)

	return ResizeInfo{
		OldSlabs:     unsafe.Pointer(oldSlabs),
		OldSlabsSize: SlabsAllocSize(oldShift, s.numCPUs),
	}
}
