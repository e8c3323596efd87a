// ============================================================================
// SLAB REGION MEMORY - LINUX BACKEND
// ============================================================================
//
// Raw memory for slab regions and metadata arrays. Regions are mapped
// anonymous and private, so they are page-aligned, lazily faulted, and can be
// handed back to the kernel with madvise(MADV_DONTNEED) without unmapping —
// a retired region stays readable as zero-fill for any straggler thread
// still holding a stale cached pointer into it.
//
// Residency is probed with mincore(2): only the pages actually faulted in
// (headers, touched slab cells) count against the process.

//go:build linux && !tinygo

package arena

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"percpuslab/constants"
)

// Alloc maps size bytes of zeroed, page-aligned memory. Returns nil on
// failure; callers treat that as a fatal precondition.
func Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// Release unmaps a region previously returned by Alloc.
func Release(p unsafe.Pointer, size uintptr) {
	if p == nil || size == 0 {
		return
	}
	_ = unix.Munmap(unsafe.Slice((*byte)(p), size))
}

// Decommit returns a region's pages to the kernel while keeping the mapping
// valid. Reads after decommit observe zero-fill.
func Decommit(p unsafe.Pointer, size uintptr) {
	if p == nil || size == 0 {
		return
	}
	_ = unix.Madvise(unsafe.Slice((*byte)(p), size), unix.MADV_DONTNEED)
}

// Residence reports how many bytes of [p, p+size) are resident in memory,
// rounded to whole pages.
func Residence(p unsafe.Pointer, size uintptr) uintptr {
	if p == nil || size == 0 {
		return 0
	}
	pages := (size + constants.PageBytes - 1) / constants.PageBytes
	vec := make([]byte, pages)
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(p), size, uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return 0
	}
	var resident uintptr
	for _, v := range vec {
		if v&1 != 0 {
			resident += constants.PageBytes
		}
	}
	return resident
}
