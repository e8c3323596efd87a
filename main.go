// ============================================================================
// SLABBENCH - PER-CPU SLAB CACHE STRESS HARNESS
// ============================================================================
//
// Drives the full public surface of the slab cache the way its host
// allocator would: pinned worker threads hammer Push/Pop/batches with
// Grow-on-overflow, a maintainer drains CPUs and performs a mid-run region
// resize, and a sampler snapshots throughput and residency.
//
// Phases:
//   - Phase 0: config load, region allocation, slab init, CPU population
//   - Phase 1: pinned workers + maintainer + sampler until the deadline
//   - Phase 2: final drain, pointer-conservation check, report + SQLite dump
//
// The conservation check folds every pointer that entered the cache and
// every pointer that left it (pops, drains) into sum/xor accumulators; the
// run fingerprint is a BLAKE2b digest over those totals, so two runs that
// moved the same multiset of pointers agree.
// ============================================================================

package main

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sugawarayuuta/sonnet"

	"percpuslab/arena"
	"percpuslab/debug"
	"percpuslab/rcs"
	"percpuslab/slab"
	"percpuslab/utils"
)

// ═══════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════

// Config is the harness tuning surface, optionally loaded from
// slabbench.json in the working directory.
type Config struct {
	Workers    int    `json:"workers"`     // pinned worker threads
	Shift      uint8  `json:"shift"`       // log2 bytes per CPU region
	NumClasses uint   `json:"num_classes"` // size classes incl. reserved 0
	ClassCap   uint   `json:"class_cap"`   // max cells per class
	DurationMs int    `json:"duration_ms"` // run length
	SampleMs   int    `json:"sample_ms"`   // sampler interval
	DBPath     string `json:"db_path"`     // SQLite sample sink ("" = off)
	BatchSize  int    `json:"batch_size"`  // batch op width
}

func defaultConfig() Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return Config{
		Workers:    workers,
		Shift:      16,
		NumClasses: 6,
		ClassCap:   64,
		DurationMs: 2000,
		SampleMs:   100,
		DBPath:     "slabbench.db",
		BatchSize:  8,
	}
}

func loadConfig(path string) Config {
	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg // defaults are the config
	}
	if err := sonnet.Unmarshal(raw, &cfg); err != nil {
		debug.DropError("CONFIG", err)
		return defaultConfig()
	}
	return cfg
}

// ═══════════════════════════════════════════════════════════════════════════
// SHARED RUN STATE
// ═══════════════════════════════════════════════════════════════════════════

// counters aggregates fast-path outcomes across all workers.
type counters struct {
	pushes atomic.Int64
	pops   atomic.Int64
	misses atomic.Int64
	grows  atomic.Int64
	drains atomic.Int64
}

// flowAccum folds a pointer stream into order-independent accumulators.
type flowAccum struct {
	count uint64
	sum   uint64
	xor   uint64
}

func (a *flowAccum) add(p unsafe.Pointer) {
	a.count++
	a.sum += uint64(uintptr(p))
	a.xor ^= uint64(uintptr(p))
}

func (a *flowAccum) merge(b flowAccum) {
	a.count += b.count
	a.sum += b.sum
	a.xor ^= b.xor
}

// ═══════════════════════════════════════════════════════════════════════════
// MAIN ORCHESTRATION
// ═══════════════════════════════════════════════════════════════════════════

func main() {
	cfg := loadConfig("slabbench.json")
	debug.DropMessage("INIT", "slabbench: "+utils.Itoa(cfg.Workers)+" workers, shift "+utils.Itoa(int(cfg.Shift)))

	numCPUs := rcs.NumCPUs()
	capf := func(sizeClass uint) uint { return cfg.ClassCap }
	maxCapf := func(shift uint8) uint { return cfg.ClassCap }

	// Phase 0: region + slab init, then populate every CPU up front so the
	// run never races InitCpu against Drain or ResizeSlabs.
	regionSize := slab.SlabsAllocSize(cfg.Shift, numCPUs)
	region := arena.Alloc(regionSize)
	if region == nil {
		debug.DropMessage("FATAL", "region allocation failed")
		os.Exit(1)
	}
	s := &slab.Slab{}
	s.Init(cfg.NumClasses, func(size, align uintptr) unsafe.Pointer {
		return arena.Alloc(size)
	}, region, capf, cfg.Shift)
	for cpu := 0; cpu < numCPUs; cpu++ {
		s.InitCpu(cpu, capf)
	}
	debug.DropMessage("READY", utils.Itoa(numCPUs)+" cpus populated, region "+utils.Utoa(uint64(regionSize))+" bytes")

	var (
		ctrs     counters
		stop     atomic.Bool
		inFlow   flowAccum // pointers that entered the cache
		outFlow  flowAccum // pointers that left it (pops + drains)
		flowMu   sync.Mutex
		drainMu  sync.Mutex // serializes Drain against ResizeSlabs
		deadline = time.Now().Add(time.Duration(cfg.DurationMs) * time.Millisecond)
	)

	// Phase 1: pinned workers.
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			in, out := runWorker(id, s, cfg, maxCapf, &ctrs, deadline)
			flowMu.Lock()
			inFlow.merge(in)
			outFlow.merge(out)
			flowMu.Unlock()
		}(w)
	}

	// Maintainer: periodic drains plus one mid-run resize.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runMaintainer(s, cfg, capf, &ctrs, &outFlow, &flowMu, &drainMu, &stop, deadline)
	}()

	// Sampler: throughput and residency snapshots for the report and DB.
	samples := make([]Sample, 0, 64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		tick := time.Duration(cfg.SampleMs) * time.Millisecond
		for seq := 0; !stop.Load(); seq++ {
			time.Sleep(tick)
			st := s.MetadataMemoryUsage()
			samples = append(samples, Sample{
				Seq:           seq,
				ElapsedMs:     time.Since(start).Milliseconds(),
				Pushes:        ctrs.pushes.Load(),
				Pops:          ctrs.pops.Load(),
				Misses:        ctrs.misses.Load(),
				Grows:         ctrs.grows.Load(),
				Drains:        ctrs.drains.Load(),
				ResidentBytes: uint64(st.ResidentSize),
			})
		}
	}()

	// Workers run to the deadline; the maintainer and sampler follow.
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stop.Store(true)
	wg.Wait()

	// Phase 2: flush every remaining cached pointer through a final drain
	// and close the conservation ledger.
	drainMu.Lock()
	for cpu := 0; cpu < numCPUs; cpu++ {
		s.Drain(cpu, func(_ int, _ uint, batch []unsafe.Pointer, _ uint) {
			flowMu.Lock()
			for _, p := range batch {
				outFlow.add(p)
			}
			flowMu.Unlock()
		})
	}
	drainMu.Unlock()

	report := buildReport(cfg, &ctrs, inFlow, outFlow, len(samples))
	if !report.Conserved {
		debug.DropMessage("FATAL", "pointer conservation broken")
	}
	if cfg.DBPath != "" {
		if err := recordRun(cfg.DBPath, report, samples); err != nil {
			debug.DropError("DB", err)
		}
	}
	printReport(report)

	// Teardown mirrors the allocator's shutdown path: destroy, then release
	// the region the slab handed back.
	size := slab.SlabsAllocSize(s.GetShift(), numCPUs)
	old := s.Destroy(func(p unsafe.Pointer, sz, align uintptr) {
		arena.Release(p, sz)
	})
	arena.Release(old, size)

	if !report.Conserved {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// WORKERS
// ═══════════════════════════════════════════════════════════════════════════

// runWorker hammers the fast path from one pinned OS thread until the
// deadline and returns its pointer-flow accumulators.
func runWorker(id int, s *slab.Slab, cfg Config, maxCapf slab.MaxCapacityFunc, ctrs *counters, deadline time.Time) (in, out flowAccum) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	rcs.SetAffinity(id % runtime.NumCPU())

	th := rcs.Register()
	defer rcs.Unregister(th)

	// The worker's private object pool stands in for the host allocator's
	// objects: pushes take from it, pops return to it.
	pool := make([]unsafe.Pointer, 0, 256)
	for i := 0; i < 128; i++ {
		pool = append(pool, unsafe.Pointer(new([128]byte)))
	}
	batch := make([]unsafe.Pointer, cfg.BatchSize)
	rng := uint64(0x9E3779B97F4A7C15 * uint64(id+1))

	for i := 0; ; i++ {
		if i&1023 == 0 && !time.Now().Before(deadline) {
			return in, out
		}
		cpu, _ := s.CacheCpuSlab(th)
		if cpu < 0 {
			ctrs.misses.Add(1)
			continue // stopped or resizing: central-freelist territory
		}

		rng = rng*6364136223846793005 + 1442695040888963407
		class := uint(1) + uint(rng>>33)%(cfg.NumClasses-1)
		switch (rng >> 60) & 7 {
		case 0, 1, 2: // push
			if len(pool) == 0 {
				continue
			}
			p := pool[len(pool)-1]
			if s.Push(th, class, p) {
				pool = pool[:len(pool)-1]
				in.add(p)
				ctrs.pushes.Add(1)
			} else {
				ctrs.misses.Add(1)
				if n := s.Grow(th, int(th.CPU()), class, 8, maxCapf); n > 0 {
					ctrs.grows.Add(1)
				}
			}
		case 3, 4, 5: // pop
			if p := s.Pop(th, class); p != nil {
				pool = append(pool, p)
				out.add(p)
				ctrs.pops.Add(1)
			} else {
				ctrs.misses.Add(1)
			}
		case 6: // push batch
			n := len(batch)
			if len(pool) < n {
				continue
			}
			moved := s.PushBatch(th, class, pool[len(pool)-n:])
			for j := uint(0); j < moved; j++ {
				in.add(pool[uint(len(pool))-moved+j])
			}
			pool = pool[:uint(len(pool))-moved]
			ctrs.pushes.Add(int64(moved))
		case 7: // pop batch
			moved := s.PopBatch(th, class, batch)
			for j := uint(0); j < moved; j++ {
				out.add(batch[j])
				pool = append(pool, batch[j])
			}
			ctrs.pops.Add(int64(moved))
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// MAINTAINER
// ═══════════════════════════════════════════════════════════════════════════

// runMaintainer drains CPUs round-robin while traffic is live and performs
// one region resize halfway through the run.
func runMaintainer(s *slab.Slab, cfg Config, capf slab.CapacityFunc, ctrs *counters, outFlow *flowAccum, flowMu, drainMu *sync.Mutex, stop *atomic.Bool, deadline time.Time) {
	numCPUs := rcs.NumCPUs()
	resizeAt := deadline.Add(-time.Duration(cfg.DurationMs/2) * time.Millisecond)
	resized := false

	drainHandler := func(_ int, _ uint, batch []unsafe.Pointer, _ uint) {
		flowMu.Lock()
		for _, p := range batch {
			outFlow.add(p)
		}
		flowMu.Unlock()
		ctrs.drains.Add(int64(len(batch)))
	}

	for cpu := 0; !stop.Load(); cpu = (cpu + 1) % numCPUs {
		time.Sleep(25 * time.Millisecond)

		if !resized && time.Now().After(resizeAt) {
			resized = true
			newShift := cfg.Shift + 1
			if newShift > 18 {
				newShift = cfg.Shift - 1
			}
			newRegion := arena.Alloc(slab.SlabsAllocSize(newShift, numCPUs))
			if newRegion == nil {
				debug.DropMessage("RESIZE", "allocation failed, skipping")
				continue
			}
			drainMu.Lock()
			info := s.ResizeSlabs(newShift, newRegion, capf,
				func(int) bool { return true }, drainHandler)
			drainMu.Unlock()
			arena.Decommit(info.OldSlabs, info.OldSlabsSize)
			arena.Release(info.OldSlabs, info.OldSlabsSize)
			debug.DropMessage("RESIZE", "rebound to shift "+utils.Itoa(int(newShift)))
			continue
		}

		drainMu.Lock()
		s.Drain(cpu, drainHandler)
		drainMu.Unlock()
	}
}
