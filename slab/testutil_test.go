// ============================================================================
// TEST SCAFFOLDING
// ============================================================================
//
// Shared helpers for the slab suites. Operations that can legitimately miss
// (migration, contention) are wrapped in bounded retry helpers that re-prime
// the cache, so the tests assert semantics rather than scheduler luck. A
// miss with the cache still armed is a real overflow/underflow and is never
// retried.

package slab

import (
	"runtime"
	"testing"
	"unsafe"

	"percpuslab/arena"
	"percpuslab/constants"
	"percpuslab/rcs"
)

const retryBudget = 10000

func allocCB(size, align uintptr) unsafe.Pointer { return arena.Alloc(size) }

func freeCB(p unsafe.Pointer, size, align uintptr) { arena.Release(p, size) }

// testEnv owns one slab instance plus a registered thread handle.
type testEnv struct {
	s         *Slab
	th        *rcs.Thread
	caps      []uint
	shift     uint8
	capf      CapacityFunc
	populated map[int]bool
}

func newTestSlab(t *testing.T, caps []uint, shift uint8) *testEnv {
	t.Helper()
	// Pin the test goroutine so the deterministic suites stay on one CPU;
	// the retry helpers still tolerate the pin being best-effort.
	runtime.LockOSThread()
	rcs.SetAffinity(0)
	t.Cleanup(runtime.UnlockOSThread)

	s := &Slab{}
	region := arena.Alloc(SlabsAllocSize(shift, rcs.NumCPUs()))
	if region == nil {
		t.Fatal("region alloc failed")
	}
	e := &testEnv{
		s:         s,
		caps:      caps,
		shift:     shift,
		populated: make(map[int]bool),
	}
	e.capf = func(c uint) uint { return e.caps[c] }
	s.Init(uint(len(caps)), allocCB, region, e.capf, shift)
	e.th = rcs.Register()

	t.Cleanup(func() {
		rcs.Unregister(e.th)
		size := SlabsAllocSize(s.GetShift(), rcs.NumCPUs())
		p := s.Destroy(freeCB)
		arena.Release(p, size)
	})
	return e
}

// maxCapOf adapts the env's capacity table to the Grow callback shape.
func (e *testEnv) maxCapOf(class uint) MaxCapacityFunc {
	return func(shift uint8) uint { return e.caps[class] }
}

// primeOnce arms the thread's cache word and returns the CPU it landed on,
// initializing that CPU's headers on first touch. Priming and InitCpu can
// invalidate each other (InitCpu fences the CPU it initializes), so the
// loop runs until an armed word survives on a populated CPU.
func (e *testEnv) primeOnce(t *testing.T) int {
	t.Helper()
	for i := 0; i < retryBudget; i++ {
		e.s.CacheCpuSlab(e.th)
		if e.th.SlabCache()&constants.CachedSlabsMask == 0 {
			continue
		}
		// The armed word is authoritative for which CPU ops will act on.
		cpu := int(e.th.CPU())
		if e.populated[cpu] {
			return cpu
		}
		e.s.InitCpu(cpu, e.capf)
		e.populated[cpu] = true
	}
	t.Fatal("could not prime slab cache")
	return -1
}

// armed reports whether the thread still holds a valid cached slab word.
func (e *testEnv) armed() bool {
	return e.th.SlabCache()&constants.CachedSlabsMask != 0
}

// mustGrow grows class capacity by n on the current CPU, retrying
// migrations, and returns the CPU the growth landed on.
func (e *testEnv) mustGrow(t *testing.T, class, n uint) int {
	t.Helper()
	for i := 0; i < retryBudget; i++ {
		cpu := e.primeOnce(t)
		got := e.s.Grow(e.th, cpu, class, n, e.maxCapOf(class))
		if got == n {
			return cpu
		}
		if got != 0 {
			t.Fatalf("Grow = %d, want %d", got, n)
		}
		if e.armed() {
			t.Fatalf("Grow = 0 with armed cache (class %d full?)", class)
		}
	}
	t.Fatal("could not grow past migrations")
	return -1
}

// mustPush pushes p, retrying migrations; an overflow is fatal.
func (e *testEnv) mustPush(t *testing.T, class uint, p unsafe.Pointer) int {
	t.Helper()
	for i := 0; i < retryBudget; i++ {
		cpu := e.primeOnce(t)
		if e.s.Push(e.th, class, p) {
			return cpu
		}
		if e.armed() {
			t.Fatalf("Push overflow on class %d", class)
		}
	}
	t.Fatal("could not push past migrations")
	return -1
}

// pushExpectOverflow asserts that a push fails with the cache armed.
func (e *testEnv) pushExpectOverflow(t *testing.T, class uint, p unsafe.Pointer) {
	t.Helper()
	for i := 0; i < retryBudget; i++ {
		e.primeOnce(t)
		if e.s.Push(e.th, class, p) {
			t.Fatalf("Push succeeded, want overflow on class %d", class)
		}
		if e.armed() {
			return // armed miss == genuine overflow
		}
	}
	t.Fatal("could not observe overflow past migrations")
}

// mustPop pops an item, retrying migrations; an underflow is fatal.
func (e *testEnv) mustPop(t *testing.T, class uint) unsafe.Pointer {
	t.Helper()
	for i := 0; i < retryBudget; i++ {
		e.primeOnce(t)
		if p := e.s.Pop(e.th, class); p != nil {
			return p
		}
		if e.armed() {
			t.Fatalf("Pop underflow on class %d", class)
		}
	}
	t.Fatal("could not pop past migrations")
	return nil
}

// popExpectUnderflow asserts that a pop fails with the cache armed.
func (e *testEnv) popExpectUnderflow(t *testing.T, class uint) {
	t.Helper()
	for i := 0; i < retryBudget; i++ {
		e.primeOnce(t)
		if p := e.s.Pop(e.th, class); p != nil {
			t.Fatalf("Pop = %p, want underflow on class %d", p, class)
		}
		if e.armed() {
			return
		}
	}
	t.Fatal("could not observe underflow past migrations")
}

// testObjects returns n distinct heap pointers the race detector can track.
func testObjects(n int) []unsafe.Pointer {
	out := make([]unsafe.Pointer, n)
	for i := range out {
		out[i] = unsafe.Pointer(new([8]byte))
	}
	return out
}
