// ============================================================================
// FAST PATH: PUSH / POP / BATCHES / SLAB POINTER CACHING
// ============================================================================
//
// Every operation here is one critical section against the executing CPU:
// load the thread's cached window base, bounds-check against the packed
// header, commit a single current-half store. Any failure mode — unarmed
// cache word, contended section, observed migration, bounds miss — comes
// back as false/nil/0 with no visible state change, and the caller decides
// between retrying, priming the cache, or escalating to the central
// freelist.
//
// Performance characteristics:
//   - No allocation, no locks, no blocking; a miss is a single CAS plus a
//     handful of loads.
//   - Pop issues a speculative read of the cell below the one it returns.
//     The begin mark below each window keeps that read on valid memory, so the
//     next allocation's object line is already warming while the caller
//     still owns this one.
// ============================================================================

package slab

import (
	"sync/atomic"
	"unsafe"

	"percpuslab/constants"
	"percpuslab/rcs"
)

// prefetchSink keeps the speculative object touch from being optimized out.
// An atomic so concurrent poppers do not race on the sink itself.
var prefetchSink atomic.Uint32

// prefetchNextObject touches the first byte of the object Pop expects to
// hand out next. A stall here, with no dependent instructions, beats a
// stall at the allocation site that needs the data.
//
//go:nosplit
//go:inline
func prefetchNextObject(p uintptr) {
	if p != 0 {
		prefetchSink.Store(uint32(*(*byte)(unsafe.Pointer(p &^ 1))))
	}
}

// ============================================================================
// PUSH / POP
// ============================================================================

// Push adds item to the current CPU's sizeClass slab. Returns true iff the
// item was installed; false covers an unarmed cache word, a migration, a
// locked header, and a full slab alike — the caller distinguishes by
// priming the cache or calling Grow before retrying, and otherwise routes
// the item to the central freelist.
//
//go:nosplit
func (s *Slab) Push(t *rcs.Thread, sizeClass uint, item unsafe.Pointer) bool {
	if sizeClass == 0 {
		panic("slab: size class 0 is reserved")
	}
	if item == nil {
		panic("slab: nil item")
	}
	// Annotate the handoff before the critical section: a successful push
	// makes item visible to poppers on other CPUs the instant the commit
	// lands, possibly before this function returns.
	raceRelease(item)

	if t.SlabCache()&constants.CachedSlabsMask == 0 {
		return false
	}
	cpu := t.CPU()
	if !rcs.Enter(t, cpu) {
		return false
	}
	// Re-read the cached word inside the section: a fence that disarmed it
	// (stop, resize) must not let this push land in a retired region.
	cached := t.SlabCache()
	if cached&constants.CachedSlabsMask == 0 {
		rcs.Exit(cpu)
		return false
	}
	base := cached &^ constants.CachedSlabsMask
	hdrp := headerAtBase(base, sizeClass)
	hdr := loadHeader(hdrp)
	if hdr.current >= hdr.end {
		rcs.Exit(cpu)
		return false
	}
	*cellAt(base, hdr.current) = uintptr(item)
	storeCurrentHalf(hdrp, hdr.current+1, hdr.endCopy)
	rcs.Exit(cpu)
	return true
}

// Pop removes the most recently pushed item from the current CPU's
// sizeClass slab. Returns nil on an unarmed cache word, migration, locked
// header, or empty slab; an underflow return guarantees the header was
// never mutated.
//
//go:nosplit
func (s *Slab) Pop(t *rcs.Thread, sizeClass uint) unsafe.Pointer {
	if sizeClass == 0 {
		panic("slab: size class 0 is reserved")
	}
	if t.SlabCache()&constants.CachedSlabsMask == 0 {
		return nil
	}
	cpu := t.CPU()
	if !rcs.Enter(t, cpu) {
		return nil
	}
	cached := t.SlabCache()
	if cached&constants.CachedSlabsMask == 0 {
		rcs.Exit(cpu)
		return nil
	}
	base := cached &^ constants.CachedSlabsMask
	hdrp := headerAtBase(base, sizeClass)
	hdr := loadHeader(hdrp)
	if hdr.current <= hdr.begin {
		rcs.Exit(cpu)
		return nil
	}
	result := *cellAt(base, hdr.current-1)
	// cell[current-2] is safe to read even when this pop empties the class:
	// it is then the begin mark, which sits just below the window.
	prefetch := *cellAt(base, hdr.current-2)
	storeCurrentHalf(hdrp, hdr.current-1, hdr.endCopy)
	rcs.Exit(cpu)

	raceAcquire(unsafe.Pointer(result))
	prefetchNextObject(prefetch)
	return unsafe.Pointer(result)
}

// ============================================================================
// BATCH TRANSFERS
// ============================================================================

// PushBatch moves up to len(batch) pointers from batch into the current
// CPU's sizeClass slab within one critical section and returns the count
// moved. Items are taken from the back of batch; items not moved remain at
// the front. A migration moves nothing.
func (s *Slab) PushBatch(t *rcs.Thread, sizeClass uint, batch []unsafe.Pointer) uint {
	if sizeClass == 0 {
		panic("slab: size class 0 is reserved")
	}
	if len(batch) == 0 {
		panic("slab: empty batch")
	}
	// Annotate every candidate before the section: the commit may publish
	// any prefix of them. Oversynchronizes on partial success, which is the
	// cheap direction.
	raceReleaseBatch(batch)

	if t.SlabCache()&constants.CachedSlabsMask == 0 {
		return 0
	}
	cpu := t.CPU()
	if !rcs.Enter(t, cpu) {
		return 0
	}
	cached := t.SlabCache()
	if cached&constants.CachedSlabsMask == 0 {
		rcs.Exit(cpu)
		return 0
	}
	base := cached &^ constants.CachedSlabsMask
	hdrp := headerAtBase(base, sizeClass)
	hdr := loadHeader(hdrp)
	n := uint(0)
	if hdr.current < hdr.end {
		n = uint(hdr.end - hdr.current)
		if n > uint(len(batch)) {
			n = uint(len(batch))
		}
		src := uint(len(batch)) - n
		for i := uint(0); i < n; i++ {
			*cellAt(base, hdr.current+uint16(i)) = uintptr(batch[src+i])
		}
		storeCurrentHalf(hdrp, hdr.current+uint16(n), hdr.endCopy)
	}
	rcs.Exit(cpu)
	return n
}

// PopBatch moves up to len(batch) pointers from the current CPU's sizeClass
// slab into batch within one critical section and returns the count moved.
// The returned prefix of batch is initialized; the remainder is untouched.
// A migration moves nothing.
func (s *Slab) PopBatch(t *rcs.Thread, sizeClass uint, batch []unsafe.Pointer) uint {
	if sizeClass == 0 {
		panic("slab: size class 0 is reserved")
	}
	if len(batch) == 0 {
		panic("slab: empty batch")
	}
	if t.SlabCache()&constants.CachedSlabsMask == 0 {
		return 0
	}
	cpu := t.CPU()
	if !rcs.Enter(t, cpu) {
		return 0
	}
	cached := t.SlabCache()
	if cached&constants.CachedSlabsMask == 0 {
		rcs.Exit(cpu)
		return 0
	}
	base := cached &^ constants.CachedSlabsMask
	hdrp := headerAtBase(base, sizeClass)
	hdr := loadHeader(hdrp)
	n := uint(0)
	if !hdr.locked() && hdr.current > hdr.begin {
		n = uint(hdr.current - hdr.begin)
		if n > uint(len(batch)) {
			n = uint(len(batch))
		}
		low := hdr.current - uint16(n)
		for i := uint(0); i < n; i++ {
			batch[i] = unsafe.Pointer(*cellAt(base, low+uint16(i)))
		}
		storeCurrentHalf(hdrp, low, hdr.endCopy)
	}
	rcs.Exit(cpu)

	raceAcquireBatch(batch[:n])
	return n
}

// ============================================================================
// SLAB POINTER CACHING
// ============================================================================

// CacheCpuSlab arms t's cached slab word for the current CPU if it was not
// armed already. Returns the CPU and whether the word was previously
// uncached; (-1, true) means the CPU is stopped or a resize is in flight
// and the caller must fall back to the central freelist.
func (s *Slab) CacheCpuSlab(t *rcs.Thread) (int, bool) {
	cpu := rcs.CurrentCPU()
	if t.SlabCache()&constants.CachedSlabsMask != 0 {
		// Already armed: the preceding miss really was overflow/underflow.
		return int(cpu), false
	}
	if !rcs.Available() {
		// No binding: permanent-miss mode, nothing to arm.
		return int(cpu), false
	}
	return s.cacheCpuSlabSlow(t)
}

// cacheCpuSlabSlow re-arms the cache word after a migration (or first use).
// The loop commits the window base with a conditional store that fails if
// the thread moved between reading the CPU id and publishing, so the armed
// word always matches the CPU it was computed for.
func (s *Slab) cacheCpuSlabSlow(t *rcs.Thread) (int, bool) {
	if s.resizing.Load() {
		return -1, true
	}
	var cpu int32
	for {
		if !rcs.Available() {
			t.SetSlabCache(0)
			return int(rcs.CurrentCPU()), false
		}
		t.SetSlabCache(constants.CachedSlabsMask)
		cpu = rcs.CurrentCPU()
		slabs, shift := s.slabsAndShiftPair()
		start := cpuMemoryStart(slabs, shift, int(cpu))
		t.SetCPU(cpu)
		if rcs.StoreCurrentCpu(t, t.SlabCacheWord(), start|constants.CachedSlabsMask, cpu) {
			break
		}
	}
	// If the CPU was stopped while the cache was being primed, the armed
	// word may pair a new region base with a stale view. The stop setter
	// ordered its flag before fencing, so this acquire load closes the
	// window: observe stopped, disarm, fall back.
	if s.stoppedAt(int(cpu)).Load() != 0 {
		t.SetSlabCache(0)
		return -1, true
	}
	return int(cpu), true
}

// UncacheCpuSlab disarms t's cached slab word unconditionally; the next
// Push/Pop misses even without a migration.
func (s *Slab) UncacheCpuSlab(t *rcs.Thread) {
	t.SetSlabCache(0)
}
