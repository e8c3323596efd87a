// ============================================================================
// CAPACITY MANAGEMENT AND DRAIN VALIDATION
// ============================================================================

package slab

import (
	"testing"
	"unsafe"
)

func TestGrowRespectsMaxCapacity(t *testing.T) {
	// P9: the applied delta never exceeds len or the remaining headroom,
	// and capacity moves by exactly the return value.
	e := newTestSlab(t, []uint{0, 4}, 12)

	cpu := e.mustGrow(t, 1, 3)
	if got := e.s.Capacity(cpu, 1); got != 3 {
		t.Fatalf("Capacity = %d, want 3", got)
	}

	// Asking for more than the remaining headroom applies only the rest.
	var got uint
	for i := 0; i < retryBudget; i++ {
		cpu = e.primeOnce(t)
		got = e.s.Grow(e.th, cpu, 1, 10, e.maxCapOf(1))
		if got != 0 || e.armed() {
			break
		}
	}
	if got != 1 {
		t.Fatalf("Grow past max = %d, want 1", got)
	}
	if c := e.s.Capacity(cpu, 1); c != 4 {
		t.Fatalf("Capacity = %d, want 4", c)
	}

	// At max capacity every further grow is a no-op.
	for i := 0; i < retryBudget; i++ {
		cpu = e.primeOnce(t)
		got = e.s.Grow(e.th, cpu, 1, 1, e.maxCapOf(1))
		if e.armed() {
			break
		}
	}
	if got != 0 {
		t.Fatalf("Grow at max = %d, want 0", got)
	}
}

func TestGrowNeverReducesOccupancy(t *testing.T) {
	e := newTestSlab(t, []uint{0, 8}, 12)
	e.mustGrow(t, 1, 4)
	objs := testObjects(3)
	for _, p := range objs {
		e.mustPush(t, 1, p)
	}
	cpu := e.mustGrow(t, 1, 4)
	if got := e.s.Length(cpu, 1); got != 3 {
		t.Fatalf("Length = %d after grow, want 3", got)
	}
	if got := e.s.Capacity(cpu, 1); got != 8 {
		t.Fatalf("Capacity = %d after grow, want 8", got)
	}
}

func TestGrowOtherCacheOnStoppedCpu(t *testing.T) {
	e := newTestSlab(t, []uint{0, 6}, 12)
	cpu := e.mustGrow(t, 1, 2)

	e.s.StopCpu(cpu)
	if got := e.s.GrowOtherCache(cpu, 1, 3, e.maxCapOf(1)); got != 3 {
		t.Fatalf("GrowOtherCache = %d, want 3", got)
	}
	// Headroom clamp applies across the lock: cap was 2+3, max 6.
	if got := e.s.GrowOtherCache(cpu, 1, 5, e.maxCapOf(1)); got != 1 {
		t.Fatalf("GrowOtherCache past max = %d, want 1", got)
	}
	e.s.StartCpu(cpu)

	if got := e.s.Capacity(cpu, 1); got != 6 {
		t.Fatalf("Capacity = %d, want 6", got)
	}
}

func TestShrinkOtherCachePopsOverflow(t *testing.T) {
	// Reference scenario 5: cap=4 with 3 cached items, shrink by 10. The
	// handler receives the 3 items, the return value is 4 (P10: the full
	// end delta), and capacity lands at 0.
	e := newTestSlab(t, []uint{0, 4}, 18)
	e.mustGrow(t, 1, 4)
	objs := testObjects(3)
	for _, p := range objs {
		e.mustPush(t, 1, p)
	}
	cpu := int(e.th.CPU())

	var received []unsafe.Pointer
	e.s.StopCpu(cpu)
	got := e.s.ShrinkOtherCache(cpu, 1, 10, func(sizeClass uint, batch []unsafe.Pointer) {
		if sizeClass != 1 {
			t.Errorf("shrink handler class = %d, want 1", sizeClass)
		}
		received = append(received, batch...)
	})
	e.s.StartCpu(cpu)

	if got != 4 {
		t.Fatalf("ShrinkOtherCache = %d, want 4", got)
	}
	if len(received) != 3 {
		t.Fatalf("handler received %d items, want 3", len(received))
	}
	for i, p := range objs {
		if received[i] != p {
			t.Errorf("received[%d] = %p, want %p", i, received[i], p)
		}
	}
	if c := e.s.Capacity(cpu, 1); c != 0 {
		t.Fatalf("Capacity = %d after shrink, want 0", c)
	}
	if l := e.s.Length(cpu, 1); l != 0 {
		t.Fatalf("Length = %d after shrink, want 0", l)
	}
}

func TestShrinkOtherCacheTrimsFreeTailFirst(t *testing.T) {
	// With enough unused capacity no items are popped at all.
	e := newTestSlab(t, []uint{0, 8}, 12)
	e.mustGrow(t, 1, 8)
	objs := testObjects(2)
	for _, p := range objs {
		e.mustPush(t, 1, p)
	}
	cpu := int(e.th.CPU())

	e.s.StopCpu(cpu)
	got := e.s.ShrinkOtherCache(cpu, 1, 4, func(uint, []unsafe.Pointer) {
		t.Error("handler invoked with unused capacity available")
	})
	e.s.StartCpu(cpu)

	if got != 4 {
		t.Fatalf("ShrinkOtherCache = %d, want 4", got)
	}
	if c := e.s.Capacity(cpu, 1); c != 4 {
		t.Fatalf("Capacity = %d, want 4", c)
	}
	if l := e.s.Length(cpu, 1); l != 2 {
		t.Fatalf("Length = %d, want 2", l)
	}
}

func TestDrainHandsBackContentsAndCapacity(t *testing.T) {
	// Reference scenario 3: two items in class 1 (cap 4), one in class 2
	// (cap 2). The handler fires once per non-empty class; afterwards both
	// length and capacity read zero for every class (P7).
	e := newTestSlab(t, []uint{0, 4, 2, 8}, 18)
	e.mustGrow(t, 1, 4)
	e.mustGrow(t, 2, 2)
	objs := testObjects(3)
	e.mustPush(t, 1, objs[0])
	e.mustPush(t, 1, objs[1])
	e.mustPush(t, 2, objs[2])
	cpu := int(e.th.CPU())

	type drained struct {
		class uint
		size  int
		cap   uint
	}
	var calls []drained
	e.s.Drain(cpu, func(gotCpu int, sizeClass uint, batch []unsafe.Pointer, cap uint) {
		if gotCpu != cpu {
			t.Errorf("drain cpu = %d, want %d", gotCpu, cpu)
		}
		calls = append(calls, drained{sizeClass, len(batch), cap})
	})

	want := []drained{{1, 2, 4}, {2, 1, 2}}
	if len(calls) != len(want) {
		t.Fatalf("handler invoked %d times, want %d: %+v", len(calls), len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
	for class := uint(1); class < 4; class++ {
		if l := e.s.Length(cpu, class); l != 0 {
			t.Errorf("Length(class %d) = %d after drain, want 0", class, l)
		}
		if c := e.s.Capacity(cpu, class); c != 0 {
			t.Errorf("Capacity(class %d) = %d after drain, want 0", class, c)
		}
	}
}

func TestDrainThenGrowReopensClass(t *testing.T) {
	e := newTestSlab(t, []uint{0, 4}, 12)
	e.mustGrow(t, 1, 4)
	objs := testObjects(2)
	e.mustPush(t, 1, objs[0])
	e.mustPush(t, 1, objs[1])
	cpu := int(e.th.CPU())

	e.s.Drain(cpu, func(int, uint, []unsafe.Pointer, uint) {})

	e.mustGrow(t, 1, 2)
	e.mustPush(t, 1, objs[0])
	if got := e.mustPop(t, 1); got != objs[0] {
		t.Fatalf("Pop after drain+grow = %p, want %p", got, objs[0])
	}
}

func TestConcurrentPushPopMissOnLockedHeader(t *testing.T) {
	// P6: while a header is locked, Push reports overflow and Pop reports
	// underflow even though the thread's cache word is armed.
	e := newTestSlab(t, []uint{0, 4}, 12)
	e.mustGrow(t, 1, 4)
	objs := testObjects(2)
	e.mustPush(t, 1, objs[0])
	cpu := int(e.th.CPU())

	slabs, shift := e.s.slabsAndShiftPair()
	lockHeader(headerAt(slabs, shift, cpu, 1))

	if e.s.Push(e.th, 1, objs[1]) {
		t.Error("Push succeeded on locked header")
	}
	if p := e.s.Pop(e.th, 1); p != nil {
		t.Errorf("Pop = %p on locked header, want nil", p)
	}

	// Restore via a fresh header store, the protocol's implicit unlock.
	begin := uint16(e.s.beginAt(1).Load())
	storeHeader(headerAt(slabs, shift, cpu, 1), header{
		current: begin + 1,
		endCopy: begin + 4,
		begin:   begin,
		end:     begin + 4,
	})
	if got := e.mustPop(t, 1); got != objs[0] {
		t.Fatalf("Pop after unlock = %p, want %p", got, objs[0])
	}
}
