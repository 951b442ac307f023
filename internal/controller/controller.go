// Package controller implements P95Controller (spec.md §4.3): the
// slot-quantized exceedance-budget state machine that drives CPU workers
// to land the 7-day p95 inside a target band. The state enum follows the
// iota+String() shape used for
// itskum47-FluxForge/control_plane/scheduler/circuit_breaker.go's
// CircuitState.
package controller

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dkasprzak/freetierd/internal/metricsstore"
	"github.com/dkasprzak/freetierd/internal/ring"
)

// State is one of the three exceedance-budget states (spec.md §4.3).
type State int

const (
	Building State = iota
	Maintaining
	Reducing
)

func (s State) String() string {
	switch s {
	case Building:
		return "BUILDING"
	case Maintaining:
		return "MAINTAINING"
	case Reducing:
		return "REDUCING"
	default:
		return "UNKNOWN"
	}
}

// deadbandPct is the excursion, in p95 percentage points, required to flip
// state. spec.md leaves the exact value open ("state-dependent deadband");
// freetierd uses a single deadband for all four transitions, the
// medium-hysteresis figure from the original implementation's adaptive
// scheme (see DESIGN.md).
const deadbandPct = 1.0

// safetyScaleRangeAboveThreshold is how far load-average per core must
// climb past LoadThreshold before the load gate's proportional scaling
// bottoms out at zero. Grounded on original_source/loadshaper.py's
// SAFETY_SCALE_FULL (0.8) sitting 0.2 above its default LOAD_THRESHOLD
// (0.6); loadshaper.py scales between the slot's normal intensity and its
// baseline and never reaches zero, but spec.md §4.3 step 4 calls for the
// load gate to force baseline and then keep scaling down, and §8 scenario
// 3 has intensity hit exactly zero once load rises far enough — so the
// window here scales from BaselineIntensityPct down to zero instead.
const safetyScaleRangeAboveThreshold = 0.2

// Telemetry mirrors the per-tick publication spec.md §4.3 requires, plus
// the forced/voluntary/high slot counters loadshaper.py tracks for its own
// diagnostics (SPEC_FULL.md §9 supplemented feature).
type Telemetry struct {
	State          State
	CachedP95      float64
	P95Known       bool
	CurrentRatio   float64
	TargetRatioPct float64
	IntensityNow   float64

	ForcedBaseline    uint64
	VoluntaryBaseline uint64
	HighSlots         uint64
}

// Config bundles the options the controller needs, sourced from
// internal/config.Config.
type Config struct {
	P95Min                 float64
	P95Max                 float64
	TargetRatioPct         float64
	HighIntensityPct       float64
	BaselineIntensityPct   float64
	SlotDurationSec        int
	MaxConsecutiveBaseline int
	CPUStopPct             float64
	LoadThreshold          float64
	LoadResumeThreshold    float64
	RingFlushEverySlots    int
	RingPath               string
}

// Controller is the P95Controller.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	ring  *ring.Ring
	store *metricsstore.Store

	state State

	currentSlotIndex     int64
	currentSlotStartTS   int64
	currentSlotWantedHigh bool
	currentSlotAnyForced bool
	haveOpenSlot         bool

	loadGateTripped bool

	slotsSinceFlush int

	forcedBaseline    uint64
	voluntaryBaseline uint64
	highSlots         uint64
}

// New creates a Controller. r must already be loaded (or fresh) before
// being handed to the controller; the caller owns Load/persistence
// bootstrapping so tests can inject a pre-seeded ring (spec.md §8 scenario 2).
func New(cfg Config, r *ring.Ring, store *metricsstore.Store) *Controller {
	return &Controller{
		cfg:              cfg,
		ring:             r,
		store:            store,
		state:            Building,
		currentSlotIndex: -1,
	}
}

// Tick runs one coordinator tick's worth of controller logic: it updates
// the state machine from the cached p95, advances the slot engine if a
// slot boundary was crossed, applies safety gating for the current
// instant, and returns the intensity to program into CPUWorkers this tick
// plus a telemetry snapshot.
func (c *Controller) Tick(now time.Time, cpuPct float64, cpuKnown bool, loadPerCore float64, loadKnown bool) Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()

	p95, p95OK := c.store.P95(metricsstore.KindCPU, now, 7*24*time.Hour)
	c.updateState(p95, p95OK)

	slotIdx := ring.SlotIndexForTime(now.Unix(), c.cfg.SlotDurationSec)

	if !c.haveOpenSlot {
		c.openSlot(slotIdx, now.Unix())
	} else if slotIdx != c.currentSlotIndex {
		c.finalizeSlot()
		c.openSlot(slotIdx, now.Unix())
	}

	intensity := c.applyGatingLocked(loadPerCore, loadKnown, cpuPct, cpuKnown)

	ratio, _ := c.ring.ExceedanceRatio()

	return Telemetry{
		State:             c.state,
		CachedP95:         p95,
		P95Known:          p95OK,
		CurrentRatio:      ratio * 100,
		TargetRatioPct:    c.cfg.TargetRatioPct,
		IntensityNow:      intensity,
		ForcedBaseline:    c.forcedBaseline,
		VoluntaryBaseline: c.voluntaryBaseline,
		HighSlots:         c.highSlots,
	}
}

// updateState applies spec.md §4.3's transition table. An unknown p95
// leaves the state unchanged: if p95 has never been known, the controller
// remains in its initial BUILDING state; once it has been known, the state
// last reached from a known p95 is kept.
func (c *Controller) updateState(p95 float64, p95OK bool) {
	if !p95OK {
		return
	}
	switch c.state {
	case Building:
		if p95 >= c.cfg.P95Min+deadbandPct {
			c.state = Maintaining
		}
	case Maintaining:
		if p95 > c.cfg.P95Max+deadbandPct {
			c.state = Reducing
		} else if p95 < c.cfg.P95Min-deadbandPct {
			c.state = Building
		}
	case Reducing:
		if p95 <= c.cfg.P95Max-deadbandPct {
			c.state = Maintaining
		}
	}
}

// targetRatioForState computes the ratio the controller aims for given its
// state: BUILDING raises it above target, REDUCING lowers it below,
// MAINTAINING sits at target (spec.md §4.3 step 2).
func (c *Controller) targetRatioForState() float64 {
	target := c.cfg.TargetRatioPct / 100
	switch c.state {
	case Building:
		return target * 1.5
	case Reducing:
		return target * 0.5
	default:
		return target
	}
}

// openSlot decides the new slot's wanted intensity (spec.md §4.3 steps
// 1-3, plus step 7's forced-high override).
func (c *Controller) openSlot(slotIdx int64, startTS int64) {
	c.currentSlotIndex = slotIdx
	c.currentSlotStartTS = startTS
	c.currentSlotAnyForced = false
	c.haveOpenSlot = true

	ratio, _ := c.ring.ExceedanceRatio()
	target := c.targetRatioForState()
	wanted := ratio < target

	p95, p95OK := c.store.P95(metricsstore.KindCPU, time.Unix(startTS, 0), 7*24*time.Hour)
	if p95OK && p95 < c.cfg.P95Min && c.cfg.MaxConsecutiveBaseline > 0 {
		if c.ring.ConsecutiveBaselineSinceHigh() >= c.cfg.MaxConsecutiveBaseline {
			wanted = true
		}
	}

	c.currentSlotWantedHigh = wanted
}

// finalizeSlot appends the just-ended slot's final (post-gating) decision
// to the ring — never the originally wanted decision — per spec.md §4.3
// step 5 and §9's "exceedance budget vs forced gating" note.
func (c *Controller) finalizeSlot() {
	finalHigh := c.currentSlotWantedHigh && !c.currentSlotAnyForced

	if err := c.ring.RecordSlot(c.currentSlotIndex, c.currentSlotStartTS, finalHigh); err != nil {
		log.Printf("[controller] WARN recording slot: %v", err)
	}

	if finalHigh {
		c.highSlots++
	} else if c.currentSlotAnyForced {
		c.forcedBaseline++
	} else {
		c.voluntaryBaseline++
	}

	c.slotsSinceFlush++
	if c.cfg.RingFlushEverySlots > 0 && c.slotsSinceFlush >= c.cfg.RingFlushEverySlots {
		if err := c.ring.Save(c.cfg.RingPath, fmt.Sprintf("g%d", c.currentSlotIndex)); err != nil {
			log.Printf("[controller] WARN flushing ring: %v", err)
		}
		c.slotsSinceFlush = 0
	}
}

// applyGatingLocked applies the safety gate (spec.md §4.3 step 4) and
// returns the instantaneous intensity to program this tick. It also marks
// currentSlotAnyForced so finalizeSlot records what actually ran.
func (c *Controller) applyGatingLocked(loadPerCore float64, loadKnown bool, cpuPct float64, cpuKnown bool) float64 {
	if loadKnown {
		if !c.loadGateTripped && loadPerCore > c.cfg.LoadThreshold {
			c.loadGateTripped = true
		} else if c.loadGateTripped && loadPerCore < c.cfg.LoadResumeThreshold {
			c.loadGateTripped = false
		}
	}

	intensity := c.cfg.BaselineIntensityPct
	if c.currentSlotWantedHigh {
		intensity = c.cfg.HighIntensityPct
	}

	if c.loadGateTripped {
		c.currentSlotAnyForced = true
		intensity = c.safetyScaledIntensity(loadPerCore)
	}

	if cpuKnown && cpuPct >= c.cfg.CPUStopPct {
		c.currentSlotAnyForced = true
		return 0
	}

	return intensity
}

// safetyScaledIntensity implements the load gate's proportional scale-down
// (spec.md §4.3 step 4): baseline at LoadThreshold, falling linearly to
// zero at LoadThreshold+safetyScaleRangeAboveThreshold, mirroring the
// linear-interpolation shape of loadshaper.py's
// _calculate_safety_scaled_intensity.
func (c *Controller) safetyScaledIntensity(loadPerCore float64) float64 {
	full := c.cfg.LoadThreshold + safetyScaleRangeAboveThreshold
	if loadPerCore >= full {
		return 0
	}
	if loadPerCore <= c.cfg.LoadThreshold || full <= c.cfg.LoadThreshold {
		return c.cfg.BaselineIntensityPct
	}
	progress := (loadPerCore - c.cfg.LoadThreshold) / (full - c.cfg.LoadThreshold)
	return c.cfg.BaselineIntensityPct * (1 - progress)
}

// FlushFinal performs the shutdown-time ring flush spec.md §5 requires
// ("shutdown ... flushes the ring buffer"). It finalizes any open slot
// first so a slot in progress at shutdown is recorded with whatever gating
// applied so far.
func (c *Controller) FlushFinal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveOpenSlot {
		c.finalizeSlot()
	}
	return c.ring.Save(c.cfg.RingPath, "shutdown")
}

// State returns the controller's current state (for telemetry/tests).
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
