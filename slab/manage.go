// ============================================================================
// CAPACITY MANAGEMENT AND DRAIN
// ============================================================================
//
// Grow runs on the CPU it targets and loads and commits the header inside
// one critical section, so a migration costs nothing but a retry at the
// caller. GrowOtherCache / ShrinkOtherCache / Drain run from
// arbitrary CPUs against a stopped target; with the headers locked and the
// fence drained, the stop holder is the single writer and plain full-width
// stores are enough.
//
// Locked headers report end=0, so capacity math inside a stop scope runs on
// the endCopy shadow and the shared begins array rather than the clobbered
// {begin, end} half.
// ============================================================================

package slab

import (
	"unsafe"

	"percpuslab/constants"
	"percpuslab/rcs"
)

// ============================================================================
// GROW (on-CPU)
// ============================================================================

// Grow raises (cpu, sizeClass)'s capacity by up to len cells, bounded by
// maxCapacity(shift), and returns the increment applied. cpu must be the
// CPU the calling thread is running on; a migration before the commit
// returns 0 with no effect. Never reduces occupancy.
func (s *Slab) Grow(t *rcs.Thread, cpu int, sizeClass uint, len uint, maxCapacity MaxCapacityFunc) uint {
	if sizeClass == 0 {
		panic("slab: size class 0 is reserved")
	}
	slabs, shift := s.slabsAndShiftPair()
	maxCap := maxCapacity(shift)
	hdrp := headerAt(slabs, shift, cpu, sizeClass)
	// Load and commit inside one section so a Push/Pop from another thread
	// on cpu cannot commit in between and be overwritten.
	if !rcs.Enter(t, int32(cpu)) {
		return 0
	}
	defer rcs.Exit(int32(cpu))
	if t.SlabCache()&constants.CachedSlabsMask == 0 {
		return 0
	}
	hdr := loadHeader(hdrp)
	if hdr.locked() {
		return 0
	}
	have := int(maxCap) - int(hdr.end-hdr.begin)
	if have <= 0 {
		return 0
	}
	n := len
	if n > uint(have) {
		n = uint(have)
	}
	hdr.end += uint16(n)
	hdr.endCopy += uint16(n)
	storeHeader(hdrp, hdr)
	return n
}

// ============================================================================
// CROSS-CPU CAPACITY
// ============================================================================

// effectiveEnd returns the class's end offset, recovering it from the
// shadow when a lock has zeroed the real field.
//
//go:nosplit
//go:inline
func effectiveEnd(hdr header) uint16 {
	if hdr.locked() {
		return hdr.endCopy
	}
	return hdr.end
}

// GrowOtherCache mirrors Grow for a stopped cpu and writes unconditionally.
// Requires the target stopped (headers locked + fenced).
func (s *Slab) GrowOtherCache(cpu int, sizeClass uint, len uint, maxCapacity MaxCapacityFunc) uint {
	if sizeClass == 0 {
		panic("slab: size class 0 is reserved")
	}
	if s.stoppedAt(cpu).Load() == 0 {
		panic("slab: GrowOtherCache on running cpu")
	}
	slabs, shift := s.slabsAndShiftPair()
	maxCap := maxCapacity(shift)
	hdrp := headerAt(slabs, shift, cpu, sizeClass)
	hdr := loadHeader(hdrp)
	begin := uint16(s.beginAt(sizeClass).Load())
	end := effectiveEnd(hdr)
	have := int(maxCap) - int(end-begin)
	if have <= 0 {
		return 0
	}
	n := len
	if n > uint(have) {
		n = uint(have)
	}
	end += uint16(n)
	storeHeader(hdrp, header{
		current: hdr.current,
		endCopy: end,
		begin:   begin,
		end:     end,
	})
	return n
}

// ShrinkOtherCache lowers (cpu, sizeClass)'s capacity by up to len cells
// and returns the decrement applied. If the unused tail is short, it first
// pops occupied items into the shrink handler to free the difference. The
// net decrement equals popped plus trimmed free tail.
// Requires the target stopped (headers locked + fenced); len > 0.
func (s *Slab) ShrinkOtherCache(cpu int, sizeClass uint, len uint, shrink ShrinkHandler) uint {
	if sizeClass == 0 {
		panic("slab: size class 0 is reserved")
	}
	if len == 0 {
		panic("slab: zero shrink")
	}
	if s.stoppedAt(cpu).Load() == 0 {
		panic("slab: ShrinkOtherCache on running cpu")
	}
	slabs, shift := s.slabsAndShiftPair()
	base := cpuMemoryStart(slabs, shift, cpu)
	hdrp := headerAt(slabs, shift, cpu, sizeClass)
	hdr := loadHeader(hdrp)
	begin := uint16(s.beginAt(sizeClass).Load())
	end := effectiveEnd(hdr)
	current := hdr.current

	unused := uint(end - current)
	if unused < len && current != begin {
		pop := len - unused
		if pop > uint(current-begin) {
			pop = uint(current - begin)
		}
		batch := unsafe.Slice((*unsafe.Pointer)(unsafe.Pointer(cellAt(base, current-uint16(pop)))), pop)
		raceAcquireBatch(batch)
		shrink(sizeClass, batch)
		current -= uint16(pop)
	}

	toShrink := len
	if toShrink > uint(end-current) {
		toShrink = uint(end - current)
	}
	end -= uint16(toShrink)
	storeHeader(hdrp, header{
		current: current,
		endCopy: end,
		begin:   begin,
		end:     end,
	})
	return toShrink
}

// ============================================================================
// DRAIN
// ============================================================================

// Drain removes every cached object of every class on cpu, hands each
// class's contents to the drain handler, and zeroes length and capacity.
// Concurrent Drain for the same CPU is invalid; fast-path traffic on the
// same CPU is tolerated and simply misses for the duration.
func (s *Slab) Drain(cpu int, drain DrainHandler) {
	s.StopCpu(cpu)
	slabs, shift := s.slabsAndShiftPair()
	s.drainCpu(slabs, shift, cpu, drain)
	s.StartCpu(cpu)
}

// drainCpu enumerates one CPU's classes against an already-stopped region.
// Window bases come from the shared begins array: the header begin fields
// were clobbered when the stop locked them. Capacity comes from the endCopy
// shadow for the same reason.
func (s *Slab) drainCpu(slabs uintptr, shift uint8, cpu int, drain DrainHandler) {
	if s.stoppedAt(cpu).Load() == 0 {
		panic("slab: drain on running cpu")
	}
	base := cpuMemoryStart(slabs, shift, cpu)
	for sizeClass := uint(1); sizeClass < s.numClasses; sizeClass++ {
		hdrp := headerAt(slabs, shift, cpu, sizeClass)
		hdr := loadHeader(hdrp)
		if hdr.current == 0 {
			continue // class never initialized on this cpu
		}
		begin := uint16(s.beginAt(sizeClass).Load())
		size := uint(hdr.current - begin)
		cap := uint(effectiveEnd(hdr) - begin)
		if size == 0 && cap == 0 {
			continue // nothing cached and no capacity credit to hand back
		}

		batch := unsafe.Slice((*unsafe.Pointer)(unsafe.Pointer(cellAt(base, begin))), size)
		raceAcquireBatch(batch)
		drain(cpu, sizeClass, batch, cap)

		storeHeader(hdrp, header{
			current: begin,
			endCopy: begin,
			begin:   begin,
			end:     begin,
		})
	}
}
