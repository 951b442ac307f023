// Package memoryocc implements MemoryOccupier (spec.md §4.5): a control
// loop that grows or shrinks a resident allocation toward a target
// percentage of RAM, touching pages periodically so the OS keeps them
// resident without stressing the memory subsystem. Grounded on
// original_source/loadshaper.py's mem_nurse_thread grow/shrink/touch loop.
package memoryocc

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const touchStrideBytes = 4096

// Config bundles the memory-occupier options.
type Config struct {
	TargetPct     float64
	StopPct       float64
	HysteresisPct float64
	MinFreeMB     int
	StepMB        int
	TouchInterval time.Duration
}

// Occupier owns the append-only list of allocated buffers.
type Occupier struct {
	cfg     Config
	buffers [][]byte

	loadGateHot atomic.Bool
}

// New creates an Occupier.
func New(cfg Config) *Occupier {
	return &Occupier{cfg: cfg}
}

// SetLoadGateHot lets the coordinator's safety gate pause growth (spec.md
// §4.5 "pauses growth when load-average gate is hot"). Single-writer
// (Coordinator) / single-reader (the occupier's own Step), so a plain
// atomic.Bool is enough — no channel needed.
func (o *Occupier) SetLoadGateHot(hot bool) {
	o.loadGateHot.Store(hot)
}

// Dormant reports whether the occupier has no work to do (spec.md §4.5:
// "if the target is 0 ... the occupier is dormant").
func (o *Occupier) Dormant() bool {
	return o.cfg.TargetPct <= 0
}

// Step runs one control-loop iteration: grow, shrink, or hold, then touch
// resident pages if the touch interval has elapsed.
func (o *Occupier) Step(now time.Time, lastTouch time.Time) (nextLastTouch time.Time) {
	if o.Dormant() {
		return lastTouch
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("[memoryocc] WARN reading memory stats: %v", err)
		return lastTouch
	}

	currentPct := 100 * float64(vm.Total-vm.Available) / float64(vm.Total)
	freeMB := int(vm.Available / (1024 * 1024))

	switch {
	case currentPct > o.cfg.StopPct:
		o.releaseOne()
	case currentPct < o.cfg.TargetPct-o.cfg.HysteresisPct:
		if freeMB > o.cfg.MinFreeMB && !o.loadGateHot.Load() {
			o.growOne()
		}
	case currentPct > o.cfg.TargetPct+o.cfg.HysteresisPct || freeMB < o.cfg.MinFreeMB:
		o.releaseOne()
	}

	if now.Sub(lastTouch) >= o.cfg.TouchInterval {
		o.touchAll()
		return now
	}
	return lastTouch
}

func (o *Occupier) growOne() {
	buf := make([]byte, o.cfg.StepMB<<20)
	touch(buf)
	o.buffers = append(o.buffers, buf)
}

func (o *Occupier) releaseOne() {
	n := len(o.buffers)
	if n == 0 {
		return
	}
	o.buffers = o.buffers[:n-1]
}

// touchAll walks every allocated buffer and writes one byte per
// touchStrideBytes stride, matching spec.md §4.5's "write one byte per
// page so the OS keeps them resident". Go slices are not guaranteed
// page-aligned without cgo mmap, so this strides by an assumed 4096-byte
// page size rather than relying on alignment (documented deviation, see
// SPEC_FULL.md §4.5).
func (o *Occupier) touchAll() {
	for _, buf := range o.buffers {
		touch(buf)
	}
}

func touch(buf []byte) {
	for i := 0; i < len(buf); i += touchStrideBytes {
		buf[i] = 1
	}
}

// ResidentMB reports how much memory the occupier currently holds resident,
// for telemetry.
func (o *Occupier) ResidentMB() int {
	total := 0
	for _, b := range o.buffers {
		total += len(b)
	}
	return total / (1024 * 1024)
}

// Run drives Step on a ticker until ctx is cancelled — the occupier's own
// suspension context per spec.md §5 ("one context for the MemoryOccupier's
// page-touching").
func (o *Occupier) Run(ctx context.Context, stepInterval time.Duration) {
	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()

	lastTouch := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			lastTouch = o.Step(now, lastTouch)
		}
	}
}
