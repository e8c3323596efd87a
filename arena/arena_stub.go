// ============================================================================
// SLAB REGION MEMORY - PORTABLE BACKEND
// ============================================================================
//
// arena_stub.go - heap-backed fallback for platforms without mmap/mincore.
//
// Allocations are over-sized Go slices aligned up to the base page. A
// registry keeps the backing slices reachable so the collector never frees
// a region the slab still addresses through raw pointers. Residency is
// reported as the full size: without mincore there is nothing to probe.

//go:build !linux || tinygo

package arena

import (
	"sync"
	"unsafe"

	"percpuslab/constants"
)

var (
	liveMu sync.Mutex
	live   = make(map[uintptr][]byte)
)

// Alloc returns size bytes of zeroed memory aligned to the base page.
func Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+constants.PageBytes)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + constants.PageBytes - 1) &^ uintptr(constants.PageBytes-1)
	liveMu.Lock()
	live[aligned] = buf
	liveMu.Unlock()
	return unsafe.Pointer(aligned)
}

// Release drops the registry reference; the collector reclaims the backing
// slice once nothing else holds it.
func Release(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}
	liveMu.Lock()
	delete(live, uintptr(p))
	liveMu.Unlock()
}

// Decommit zeroes the range. The memory stays committed; matching the mmap
// backend's read-after-decommit behavior is what callers rely on.
func Decommit(p unsafe.Pointer, size uintptr) {
	if p == nil || size == 0 {
		return
	}
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = 0
	}
}

// Residence reports the full size; heap memory is always resident.
func Residence(p unsafe.Pointer, size uintptr) uintptr {
	if p == nil {
		return 0
	}
	return size
}
