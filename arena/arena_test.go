// ============================================================================
// REGION MEMORY VALIDATION
// ============================================================================

package arena

import (
	"testing"
	"unsafe"

	"percpuslab/constants"
)

func TestAllocAlignmentAndZeroFill(t *testing.T) {
	const size = 4 * constants.PageBytes
	p := Alloc(size)
	if p == nil {
		t.Fatal("Alloc returned nil")
	}
	defer Release(p, size)

	if uintptr(p)&(constants.PageBytes-1) != 0 {
		t.Fatalf("allocation not page aligned: %p", p)
	}
	b := unsafe.Slice((*byte)(p), size)
	for i := 0; i < size; i += constants.PageBytes / 2 {
		if b[i] != 0 {
			t.Fatalf("byte %d not zero", i)
		}
	}
}

func TestAllocZeroSize(t *testing.T) {
	if Alloc(0) != nil {
		t.Fatal("Alloc(0) returned memory")
	}
	Release(nil, 0) // must not fault
	Decommit(nil, 0)
	if Residence(nil, 0) != 0 {
		t.Fatal("Residence(nil) nonzero")
	}
}

func TestResidenceTracksTouchedPages(t *testing.T) {
	const size = 8 * constants.PageBytes
	p := Alloc(size)
	if p == nil {
		t.Fatal("Alloc returned nil")
	}
	defer Release(p, size)

	b := unsafe.Slice((*byte)(p), size)
	b[0] = 1
	b[constants.PageBytes] = 1

	res := Residence(p, size)
	if res < 2*constants.PageBytes || res > size {
		t.Fatalf("Residence = %d, want within [%d, %d]", res, 2*constants.PageBytes, size)
	}
}

func TestDecommitKeepsMappingReadable(t *testing.T) {
	const size = 2 * constants.PageBytes
	p := Alloc(size)
	if p == nil {
		t.Fatal("Alloc returned nil")
	}
	defer Release(p, size)

	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = 0xAA
	}
	Decommit(p, size)

	// A decommitted region must stay addressable and read as zero-fill:
	// stale cached pointers may still touch it after a resize.
	for i := 0; i < size; i += constants.PageBytes {
		if b[i] != 0 {
			t.Fatalf("byte %d = %#x after decommit, want 0", i, b[i])
		}
	}
}
