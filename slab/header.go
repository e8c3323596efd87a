// ============================================================================
// PACKED SLAB HEADER
// ============================================================================
//
// One 64-bit record per (cpu, size class), living at the front of the CPU's
// region. Four little-endian 16-bit fields:
//
//	bits  0..15  current   first free cell above the occupied range
//	bits 16..31  endCopy   shadow of end; survives a lock, recovers capacity
//	bits 32..47  begin     first cell of the class's allocation window
//	bits 48..63  end       one past the last cell
//
// Occupied slots are [begin, current); free capacity is [current, end).
//
// Update protocol (the reason the record is bit-packed rather than four
// fields):
//   - Readers load all 64 bits in one atomic load and always observe a
//     coherent {current, endCopy, begin, end}.
//   - The fast path commits only the low 32-bit half {current, endCopy}.
//   - Lock overwrites only the high 32-bit half {begin, end}, freezing the
//     class without touching occupancy.
//
// The two half-word writers touch disjoint halves, so they compose without a
// read-modify-write cycle; a concurrent full-width store (Grow, Drain, init)
// is only ever issued by a writer that has excluded the others via the
// critical-section or stop protocol.
//
// Safety model:
//   - Mixed-size atomics on one word assume a little-endian target, same as
//     the layout above. The supported targets (amd64, arm64) qualify.
// ============================================================================

package slab

import (
	"sync/atomic"
	"unsafe"

	"percpuslab/constants"
)

// header is the unpacked view of one slab header word.
type header struct {
	current uint16
	endCopy uint16
	begin   uint16
	end     uint16
}

// pack folds the four fields into the wire word.
//
//go:nosplit
//go:inline
func (h header) pack() uint64 {
	return uint64(h.current) |
		uint64(h.endCopy)<<16 |
		uint64(h.begin)<<32 |
		uint64(h.end)<<48
}

// unpackHeader is the inverse of pack.
//
//go:nosplit
//go:inline
func unpackHeader(v uint64) header {
	return header{
		current: uint16(v),
		endCopy: uint16(v >> 16),
		begin:   uint16(v >> 32),
		end:     uint16(v >> 48),
	}
}

// locked reports whether the header has been frozen by lockHeader (or has
// been zeroed wholesale, e.g. a decommitted region — such slabs are locked
// for any practical purpose).
//
//go:nosplit
//go:inline
func (h header) locked() bool { return h.end == 0 }

// initialized reports whether the header has ever been written for this
// class. Initialization never leaves begin and end simultaneously zero (the
// window sits above the header array), and a lock writes begin=0xFFFF, so
// the high half doubles as the initialized flag.
//
//go:nosplit
//go:inline
func (h header) initialized() bool {
	return uint32(h.begin)|uint32(h.end)<<16 != 0
}

// loadHeader reads a coherent header snapshot.
//
//go:nosplit
//go:inline
func loadHeader(p *atomic.Uint64) header {
	return unpackHeader(p.Load())
}

// storeHeader publishes a full header. Callers must hold either the CPU's
// critical section or its stop scope.
//
//go:nosplit
//go:inline
func storeHeader(p *atomic.Uint64, h header) {
	p.Store(h.pack())
}

// storeCurrentHalf commits the fast-path half {current, endCopy} without
// touching {begin, end}. This is the only store Push/Pop ever issue, which
// is what lets lockHeader freeze a class out from under them.
//
//go:nosplit
//go:inline
func storeCurrentHalf(p *atomic.Uint64, current, endCopy uint16) {
	lo := (*atomic.Uint32)(unsafe.Pointer(p))
	lo.Store(uint32(current) | uint32(endCopy)<<16)
}

// lockHeader freezes the class with a single half-word store: begin=0xFFFF
// makes every Pop read current <= begin, end=0 makes every Push read
// current >= end. current and endCopy are left intact so the stop holder can
// still enumerate occupancy and recover capacity. Unlock is implicit: the
// next full storeHeader writes a fresh record.
//
//go:nosplit
//go:inline
func lockHeader(p *atomic.Uint64) {
	hi := (*atomic.Uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + 4))
	hi.Store(uint32(constants.LockedBegin) | uint32(constants.LockedEnd)<<16)
}
