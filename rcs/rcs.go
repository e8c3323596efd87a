// ============================================================================
// RESTARTABLE CRITICAL SECTION RUNTIME BINDING
// ============================================================================
//
// Process-wide binding that the slab cache builds its fast paths on. It
// exposes four contracts:
//
//   - Virtual CPU id: a cheap read of the CPU the calling thread runs on.
//   - Critical sections: per-CPU, single-writer sections entered with a
//     single CAS. A section that cannot be entered, or whose thread is
//     observed off its CPU, reports failure with no visible side effects —
//     the same outcome as a kernel-restarted sequence.
//   - Conditional stores: publish a value only if the executing thread is
//     still on the expected CPU and its cached slab word is still armed.
//   - Fences: wait until every in-flight section on the target CPU(s) has
//     exited, invalidating the cached slab words of threads bound there.
//
// Architecture overview:
//   - One cache-line-padded ownership word per CPU; CAS 0→1 to enter,
//     release store to exit. No section ever blocks: contention is reported
//     as a miss and the caller escalates to its slow path.
//   - Thread identity is an explicit *Thread handle registered here. The
//     handle carries the tagged cached-slab word and the CPU it refers to.
//   - The thread registry is a copy-on-write slice behind an atomic pointer
//     so fences can walk it without taking locks.
//
// Safety model:
//   - Mutual exclusion is per ownership word, not per physical core. A
//     thread migrated mid-section keeps exclusive ownership of the region it
//     entered for; invariants hold, affinity is best-effort.
//   - Migration observed at section entry invalidates the thread's cached
//     slab word, mirroring the kernel runtime clearing it on reschedule.
// ============================================================================

package rcs

import (
	"runtime"
	"sync"
	"sync/atomic"

	"percpuslab/constants"
)

// ============================================================================
// THREAD HANDLES
// ============================================================================

// Thread is the per-thread state the kernel runtime would keep alongside its
// CPU id field: the tagged cached-slab word plus the CPU that word refers to.
// Callers obtain one via Register and use it from a single goroutine, ideally
// locked to an OS thread and pinned with SetAffinity.
//
//go:align 64
type Thread struct {
	slabCache atomic.Uintptr // region base | CachedSlabsMask when armed
	cpu       atomic.Int32   // CPU the cached word was primed for
	_         [constants.CacheLine - 12]byte
}

// SlabCache returns the thread's cached slab word.
//
//go:nosplit
//go:inline
func (t *Thread) SlabCache() uintptr { return t.slabCache.Load() }

// SetSlabCache overwrites the cached slab word. Unconditional; used by the
// priming slow path and by explicit uncache requests.
//
//go:nosplit
//go:inline
func (t *Thread) SetSlabCache(v uintptr) { t.slabCache.Store(v) }

// SlabCacheWord exposes the cached slab word for conditional stores.
//
//go:nosplit
//go:inline
func (t *Thread) SlabCacheWord() *atomic.Uintptr { return &t.slabCache }

// CPU returns the CPU the cached slab word was primed for. Meaningless while
// the cache word is unarmed.
//
//go:nosplit
//go:inline
func (t *Thread) CPU() int32 { return t.cpu.Load() }

// SetCPU records the CPU a cache priming is targeting.
//
//go:nosplit
//go:inline
func (t *Thread) SetCPU(cpu int32) { t.cpu.Store(cpu) }

// ============================================================================
// PROCESS-WIDE STATE
// ============================================================================

// ownerSlot is one CPU's critical-section ownership word, padded so
// neighboring CPUs never share a cache line.
type ownerSlot struct {
	word atomic.Uintptr
	_    [constants.CacheLine - 8]byte
}

var (
	numCPU = runtime.NumCPU()
	owners = make([]ownerSlot, runtime.NumCPU())

	// registry is a copy-on-write snapshot of every registered thread.
	registry   atomic.Pointer[[]*Thread]
	registryMu sync.Mutex

	// available gates the whole binding. Cleared only by tests exercising
	// the no-RCS fallback, where the slab degrades to a zero-capacity cache.
	available atomic.Bool
)

func init() {
	empty := make([]*Thread, 0)
	registry.Store(&empty)
	available.Store(true)
}

// NumCPUs reports the CPU count the binding was sized for. Fixed at process
// start; the slab sizes its regions and flag arrays off this value.
func NumCPUs() int { return numCPU }

// Available reports whether the binding is live. When false every section
// entry fails and Push/Pop degrade to permanent misses.
func Available() bool { return available.Load() }

// SetAvailable toggles the binding. Test hook for the fallback mode; never
// called on production paths.
func SetAvailable(on bool) { available.Store(on) }

// ============================================================================
// REGISTRATION
// ============================================================================

// Register allocates a Thread handle and adds it to the fence registry.
func Register() *Thread {
	t := &Thread{}
	registryMu.Lock()
	old := *registry.Load()
	next := make([]*Thread, len(old)+1)
	copy(next, old)
	next[len(old)] = t
	registry.Store(&next)
	registryMu.Unlock()
	return t
}

// Unregister removes a Thread from the fence registry and disarms it.
func Unregister(t *Thread) {
	t.slabCache.Store(0)
	registryMu.Lock()
	old := *registry.Load()
	next := make([]*Thread, 0, len(old))
	for _, cur := range old {
		if cur != t {
			next = append(next, cur)
		}
	}
	registry.Store(&next)
	registryMu.Unlock()
}

// ============================================================================
// CRITICAL SECTIONS
// ============================================================================

// Enter opens a critical section bound to cpu on behalf of t.
//
// The call never blocks. It fails when the binding is down, the slot is
// contended, or the thread is observed off cpu. The migration case also
// invalidates t's cached slab word — the caller's next operation misses and
// re-primes, exactly as after a kernel restart on a migrated thread.
//
//go:nosplit
func Enter(t *Thread, cpu int32) bool {
	if !available.Load() || uint32(cpu) >= uint32(len(owners)) {
		return false
	}
	if !owners[cpu].word.CompareAndSwap(0, 1) {
		return false
	}
	if CurrentCPU() != cpu {
		t.slabCache.Store(0)
		owners[cpu].word.Store(0)
		return false
	}
	return true
}

// Exit closes the critical section for cpu.
//
//go:nosplit
//go:inline
func Exit(cpu int32) {
	owners[cpu].word.Store(0)
}

// StoreCurrentCpu publishes v to p iff t is still running on cpu and its
// cached slab word is still armed. On failure nothing is stored; an
// observed migration additionally disarms the cached word, as Enter does.
func StoreCurrentCpu(t *Thread, p *atomic.Uintptr, v uintptr, cpu int32) bool {
	if !available.Load() || uint32(cpu) >= uint32(len(owners)) {
		return false
	}
	if !owners[cpu].word.CompareAndSwap(0, 1) {
		return false
	}
	ok := false
	if CurrentCPU() != cpu {
		t.slabCache.Store(0)
	} else if t.slabCache.Load()&constants.CachedSlabsMask != 0 {
		p.Store(v)
		ok = true
	}
	owners[cpu].word.Store(0)
	return ok
}

// StoreHeaderCurrentCpu is the 64-bit variant of StoreCurrentCpu, for
// committing a full header word under the same conditions.
func StoreHeaderCurrentCpu(t *Thread, p *atomic.Uint64, v uint64, cpu int32) bool {
	if !available.Load() || uint32(cpu) >= uint32(len(owners)) {
		return false
	}
	if !owners[cpu].word.CompareAndSwap(0, 1) {
		return false
	}
	ok := false
	if CurrentCPU() != cpu {
		t.slabCache.Store(0)
	} else if t.slabCache.Load()&constants.CachedSlabsMask != 0 {
		p.Store(v)
		ok = true
	}
	owners[cpu].word.Store(0)
	return ok
}

// ============================================================================
// FENCES
// ============================================================================

// FenceCpu returns once every critical section in flight on cpu has exited.
// Threads whose cached slab word refers to cpu are disarmed first, so no new
// section can start against it without re-priming (which the caller blocks
// via its stopped flag).
func FenceCpu(cpu int32) {
	if uint32(cpu) >= uint32(len(owners)) {
		return
	}
	for _, t := range *registry.Load() {
		if t.cpu.Load() == cpu {
			t.slabCache.Store(0)
		}
	}
	for spins := 0; owners[cpu].word.Load() != 0; spins++ {
		cpuRelax()
		if spins&0xFF == 0xFF {
			runtime.Gosched()
		}
	}
}

// FenceAllCpus fences every CPU in turn. On return no critical section that
// started before the call is still live anywhere.
func FenceAllCpus() {
	for c := range owners {
		FenceCpu(int32(c))
	}
}
