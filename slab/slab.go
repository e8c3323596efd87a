// ============================================================================
// PER-CPU SLAB CACHE CORE
// ============================================================================
//
// A collection of bounded LIFO slab caches, one per logical CPU and per
// object size class, backed by a single contiguous region of raw memory.
// The region is split into NumCPUs power-of-2 windows; the first numClasses
// 64-bit words of each window are packed slab headers (class 0 reserved),
// and the rest is the cell array the headers index into.
//
//	struct cpuRegion {          // 1<<shift bytes, one per CPU
//	    header [numClasses]atomic.Uint64
//	    cells  []uintptr
//	}
//
// Architecture overview:
//   - Fast paths (Push/Pop/batches) run in per-CPU critical sections from
//     the rcs binding and touch only the executing CPU's window.
//   - Maintenance (Drain, GrowOther, ShrinkOther, Resize) runs from
//     arbitrary CPUs and takes ownership via the stop protocol: stopped
//     flag, header locks, then an rcs fence.
//   - The region pointer and the shift travel together in one atomic word
//     (low 8 bits shift, rest pointer) so a concurrent resize can never
//     split the observed pair.
//
// Safety model:
//   - The region is raw, non-GC memory; cells hold opaque pointers the
//     cache does not own. Callers keep the referenced objects alive.
//   - Recoverable conditions are boolean/numeric returns; violated
//     preconditions panic.
// ============================================================================

package slab

import (
	"sync/atomic"
	"unsafe"

	"percpuslab/arena"
	"percpuslab/constants"
	"percpuslab/rcs"
)

// beginMark tags the sentinel cell placed just below each non-empty class
// window: a self-pointer with the low bit set. It keeps Pop's speculative
// read of cell[current-2] inside valid memory when the slab is empty, and a
// conservative reader can recognize it by the bit.
const beginMark = 1

// ============================================================================
// CALLBACK CONTRACTS
// ============================================================================

// AllocFunc returns zeroed memory for metadata arrays. align is a power of
// two. The cache never frees through any other path than the FreeFunc handed
// to Destroy.
type AllocFunc func(size, align uintptr) unsafe.Pointer

// FreeFunc releases memory obtained from the paired AllocFunc.
type FreeFunc func(p unsafe.Pointer, size, align uintptr)

// CapacityFunc returns the maximum cell count for a size class. Must be
// stable across a single Init.
type CapacityFunc func(sizeClass uint) uint

// MaxCapacityFunc returns the maximum cell count for one size class at the
// given shift. Must agree with the CapacityFunc passed to Init for that
// shift; it takes the shift explicitly so the caller observes the value the
// operation actually used.
type MaxCapacityFunc func(shift uint8) uint

// PopulatedFunc reports whether a CPU has been initialized in the current
// region.
type PopulatedFunc func(cpu int) bool

// DrainHandler takes ownership of the size pointers in batch. cap is the
// capacity the class had before the drain zeroed it.
type DrainHandler func(cpu int, sizeClass uint, batch []unsafe.Pointer, cap uint)

// ShrinkHandler takes ownership of the pointers popped to make room for a
// capacity shrink.
type ShrinkHandler func(sizeClass uint, batch []unsafe.Pointer)

// MetadataState reports the memory footprint of the cache.
type MetadataState struct {
	VirtualSize  uintptr
	ResidentSize uintptr
}

// ============================================================================
// SLAB TYPE
// ============================================================================

// Slab is the per-CPU cache. The zero value is inert; Init must run before
// any other method.
type Slab struct {
	numClasses uint
	numCPUs    int

	// Region pointer and shift in one word; low 8 bits are the shift. The
	// region is page-aligned so the pointer bits are untouched by the or.
	slabsAndShift atomic.Uintptr

	// stopped is one uint32 flag per CPU (cache-line-aligned array from the
	// injected allocator). Set under the stop protocol; checked by the
	// cache primer with acquire ordering.
	stopped unsafe.Pointer

	// begins is one uint32 cell offset per size class, computed once per
	// region geometry. Authoritative for window bases: header begin fields
	// are clobbered by locks.
	begins unsafe.Pointer

	// resizing makes the cache primer fail fast while ResizeSlabs runs.
	resizing atomic.Bool
}

// SlabsAllocSize returns the byte size of the slabs region for a shift and
// CPU count.
func SlabsAllocSize(shift uint8, numCPUs int) uintptr {
	return uintptr(numCPUs) << shift
}

// ============================================================================
// GEOMETRY
// ============================================================================

//go:nosplit
//go:inline
func (s *Slab) slabsAndShiftPair() (uintptr, uint8) {
	w := s.slabsAndShift.Load()
	return w &^ 0xFF, uint8(w)
}

// GetShift returns the current shift. Intended for the thread coordinating
// ResizeSlabs.
func (s *Slab) GetShift() uint8 {
	_, shift := s.slabsAndShiftPair()
	return shift
}

// cpuMemoryStart returns the base address of cpu's window.
//
//go:nosplit
//go:inline
func cpuMemoryStart(slabs uintptr, shift uint8, cpu int) uintptr {
	return slabs + uintptr(cpu)<<shift
}

// headerAt returns the header word for (cpu, sizeClass).
//
//go:nosplit
//go:inline
func headerAt(slabs uintptr, shift uint8, cpu int, sizeClass uint) *atomic.Uint64 {
	base := cpuMemoryStart(slabs, shift, cpu)
	return (*atomic.Uint64)(unsafe.Pointer(base + uintptr(sizeClass)*constants.CellBytes))
}

// headerAtBase is headerAt for a pre-resolved window base (the fast path's
// cached pointer).
//
//go:nosplit
//go:inline
func headerAtBase(base uintptr, sizeClass uint) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(base + uintptr(sizeClass)*constants.CellBytes))
}

// cellAt returns cell off of the window at base.
//
//go:nosplit
//go:inline
func cellAt(base uintptr, off uint16) *uintptr {
	return (*uintptr)(unsafe.Pointer(base + uintptr(off)*constants.CellBytes))
}

//go:nosplit
//go:inline
func (s *Slab) stoppedAt(cpu int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(uintptr(s.stopped) + uintptr(cpu)*4))
}

//go:nosplit
//go:inline
func (s *Slab) beginAt(sizeClass uint) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(uintptr(s.begins) + uintptr(sizeClass)*4))
}

// ============================================================================
// INITIALIZATION
// ============================================================================

// Init fixes the class count, allocates the stopped and begins arrays,
// publishes (slabs, shift), and computes the shared per-class window bases.
// slabs must be a page-aligned region of SlabsAllocSize(shift, NumCPUs)
// bytes. Initial capacity is 0 for every class; Grow opens it up.
//
// Must be called once, before any other method.
func (s *Slab) Init(numClasses uint, alloc AllocFunc, slabs unsafe.Pointer, capacity CapacityFunc, shift uint8) {
	if s.numClasses != 0 || numClasses == 0 {
		panic("slab: bad Init")
	}
	if shift < constants.MinShift || shift > constants.MaxShift {
		panic("slab: shift out of range")
	}
	if uintptr(slabs)&(constants.PageBytes-1) != 0 {
		panic("slab: region must be page aligned")
	}
	s.numClasses = numClasses
	s.numCPUs = rcs.NumCPUs()

	s.stopped = alloc(uintptr(s.numCPUs)*4, constants.CacheLine)
	if s.stopped == nil {
		panic("slab: stopped alloc failed")
	}
	for cpu := s.numCPUs - 1; cpu >= 0; cpu-- {
		s.stoppedAt(cpu).Store(0)
	}

	s.begins = alloc(uintptr(numClasses)*4, constants.CacheLine)
	if s.begins == nil {
		panic("slab: begins alloc failed")
	}

	s.slabsAndShift.Store(uintptr(slabs) | uintptr(shift))
	s.initCpuImpl(uintptr(slabs), shift, 0, true, capacity)
}

// InitCpu lazily initializes one CPU's headers, run on first touch of that
// CPU. No concurrent maintenance for the same CPU is permitted.
func (s *Slab) InitCpu(cpu int, capacity CapacityFunc) {
	s.StopCpu(cpu)
	slabs, shift := s.slabsAndShiftPair()
	s.initCpuImpl(slabs, shift, cpu, false, capacity)
	s.StartCpu(cpu)
}

// initCpuImpl walks the class windows of one CPU region. In initBegins mode
// it only records each class's begin offset into the shared begins array
// (cpu is then just an address convenience); otherwise it writes begin
// marks and fresh zero-capacity headers for the target CPU.
func (s *Slab) initCpuImpl(slabs uintptr, shift uint8, cpu int, initBegins bool, capacity CapacityFunc) {
	if !initBegins && s.stoppedAt(cpu).Load() == 0 {
		panic("slab: InitCpu on running cpu")
	}

	base := cpuMemoryStart(slabs, shift, cpu)
	elems := base + uintptr(s.numClasses)*constants.CellBytes
	prevEmpty := false
	for sizeClass := uint(1); sizeClass < s.numClasses; sizeClass++ {
		cap := capacity(sizeClass)
		if cap > constants.MaxCapacity {
			panic("slab: class capacity exceeds uint16")
		}

		// The cell below each non-empty window serves both as the begin
		// marker and as a prefetch-safe target for Pop's speculative read.
		// Adjacent empty classes share a single mark.
		if !prevEmpty {
			if !initBegins {
				*(*uintptr)(unsafe.Pointer(elems)) = elems | beginMark
			}
			elems += constants.CellBytes
		}
		prevEmpty = cap == 0

		off := uint16((elems - base) / constants.CellBytes)
		if initBegins {
			s.beginAt(sizeClass).Store(uint32(off))
		} else {
			storeHeader(headerAt(slabs, shift, cpu, sizeClass), header{
				current: off,
				endCopy: off,
				begin:   off,
				end:     off,
			})
		}

		elems += uintptr(cap) * constants.CellBytes
		if elems-base > uintptr(1)<<shift {
			panic("slab: per-CPU memory exceeded")
		}
	}
}

// ============================================================================
// STOP PROTOCOL
// ============================================================================

// StopCpu freezes cpu: the stopped flag blocks new cache primings, the
// header locks fail any Push/Pop that still observes a cached pointer, and
// the fence waits out every critical section already in flight. On return
// the caller is the only writer of cpu's headers.
func (s *Slab) StopCpu(cpu int) {
	if cpu < 0 || cpu >= s.numCPUs {
		panic("slab: cpu out of range")
	}
	if s.stoppedAt(cpu).Load() != 0 {
		panic("slab: cpu already stopped")
	}
	s.stoppedAt(cpu).Store(1)
	slabs, shift := s.slabsAndShiftPair()
	for sizeClass := uint(1); sizeClass < s.numClasses; sizeClass++ {
		lockHeader(headerAt(slabs, shift, cpu, sizeClass))
	}
	rcs.FenceCpu(int32(cpu))
}

// StartCpu releases a stopped cpu. Headers still locked (classes the stop
// holder did not rewrite) are restored from the begins array and the endCopy
// shadow, which is how capacity survives the lock's zeroing of end.
func (s *Slab) StartCpu(cpu int) {
	if s.stoppedAt(cpu).Load() == 0 {
		panic("slab: cpu not stopped")
	}
	slabs, shift := s.slabsAndShiftPair()
	for sizeClass := uint(1); sizeClass < s.numClasses; sizeClass++ {
		hdrp := headerAt(slabs, shift, cpu, sizeClass)
		hdr := loadHeader(hdrp)
		if hdr.current == 0 || !hdr.locked() {
			continue // never initialized, or already rewritten
		}
		begin := uint16(s.beginAt(sizeClass).Load())
		storeHeader(hdrp, header{
			current: hdr.current,
			endCopy: hdr.endCopy,
			begin:   begin,
			end:     hdr.endCopy,
		})
	}
	s.stoppedAt(cpu).Store(0)
}

// ============================================================================
// READ-ONLY VIEWS
// ============================================================================

// Length returns the number of cached objects in (cpu, sizeClass).
func (s *Slab) Length(cpu int, sizeClass uint) uint {
	slabs, shift := s.slabsAndShiftPair()
	hdr := loadHeader(headerAt(slabs, shift, cpu, sizeClass))
	if hdr.locked() {
		return 0
	}
	return uint(hdr.current - hdr.begin)
}

// Capacity returns the number of cells currently allowed for
// (cpu, sizeClass).
func (s *Slab) Capacity(cpu int, sizeClass uint) uint {
	slabs, shift := s.slabsAndShiftPair()
	hdr := loadHeader(headerAt(slabs, shift, cpu, sizeClass))
	if hdr.locked() {
		return 0
	}
	return uint(hdr.end - hdr.begin)
}

// MetadataMemoryUsage reports the virtual footprint of the region plus
// metadata arrays, and the resident share of the region. Header pages are
// touched eagerly; body pages fault in lazily, which is the point of
// probing instead of assuming.
func (s *Slab) MetadataMemoryUsage() MetadataState {
	slabs, shift := s.slabsAndShiftPair()
	slabsSize := SlabsAllocSize(shift, s.numCPUs)
	stoppedSize := uintptr(s.numCPUs) * 4
	beginsSize := uintptr(s.numClasses) * 4
	return MetadataState{
		VirtualSize:  stoppedSize + slabsSize + beginsSize,
		ResidentSize: arena.Residence(unsafe.Pointer(slabs), slabsSize),
	}
}

// ============================================================================
// TEARDOWN
// ============================================================================

// Destroy frees the metadata arrays through free, clears the slabs word,
// and returns the region pointer for the caller to release. No concurrent
// operations are permitted, and none afterward.
func (s *Slab) Destroy(free FreeFunc) unsafe.Pointer {
	slabs, _ := s.slabsAndShiftPair()
	free(s.stopped, uintptr(s.numCPUs)*4, constants.CacheLine)
	s.stopped = nil
	free(s.begins, uintptr(s.numClasses)*4, constants.CacheLine)
	s.begins = nil
	s.slabsAndShift.Store(0)
	return unsafe.Pointer(slabs)
}
