// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Global slab-cache tunables (OPTIMIZED)
//
// Purpose:
//   - Defines the geometry limits shared by the rcs, arena and slab packages.
//   - All values are compile-time resolvable; no runtime logic lives here.
//
// Notes:
//   - The per-CPU region is a power-of-2 byte window addressed by a shift.
//   - Offsets inside a region are 16-bit cell indices, which caps the region
//     at (1<<16) eight-byte cells and therefore the shift at 19. The cache
//     deliberately stays below that at MaxShift=18 to keep headroom for the
//     header array at the front of each region.
//
// ⚠️ No runtime logic here — all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Region Geometry ──────────────────────────────

const (
	// MinShift is the smallest supported log2 of bytes per CPU region (4 KiB).
	MinShift = 12

	// MaxShift is the largest supported log2 of bytes per CPU region (256 KiB).
	MaxShift = 18

	// CellBytes is the size of one slab cell. Every offset stored in a slab
	// header is a count of cells from the start of the owning CPU region.
	CellBytes = 8

	// MaxCapacity bounds a single size class: header offsets are uint16.
	MaxCapacity = 0xFFFF
)

// ──────────────────────────── Cached Slab Word ──────────────────────────────

const (
	// CachedSlabsBit is the tag bit of the per-thread cached slab word.
	// When set, the remaining bits hold the base address of the current
	// CPU's region. The top bit is chosen so validity is a single bit test
	// and the tagged value can never alias a canonical user-space pointer.
	CachedSlabsBit = 63

	// CachedSlabsMask isolates the tag bit.
	CachedSlabsMask = uintptr(1) << CachedSlabsBit
)

// ─────────────────────────── Header Lock Protocol ───────────────────────────

const (
	// LockedBegin is the begin offset written by a header lock. Any Pop sees
	// current <= begin and fails.
	LockedBegin = 0xFFFF

	// LockedEnd is the end offset written by a header lock. Any Push sees
	// current >= end and fails, and IsLocked is exactly end == 0.
	LockedEnd = 0
)

// ─────────────────────────── Memory Guardrails ──────────────────────────────

const (
	// CacheLine is the assumed cache line size for metadata array alignment.
	CacheLine = 64

	// PageBytes is the base page size the slab region is aligned to. The
	// region is deliberately NOT huge-page aligned so it can sit in the tail
	// of an arena block without forcing resident pages.
	PageBytes = 4096
)
