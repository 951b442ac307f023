// Package telemetry implements the structured per-tick logging and the
// machine-readable snapshot exposed over the admin surface (spec.md
// §4.9), collapsed from the teacher's per-package ad hoc logging into a
// single snapshot the Coordinator refreshes every tick.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/dkasprzak/freetierd/internal/controller"
	"github.com/dkasprzak/freetierd/internal/netgen"
)

// Snapshot is the coordinator's view of the world at the last tick.
type Snapshot struct {
	Timestamp         time.Time         `json:"timestamp"`
	ControllerState   string            `json:"controller_state"`
	CachedP95         float64           `json:"cached_p95"`
	P95Known          bool              `json:"p95_known"`
	CurrentRatio      float64           `json:"current_ratio"`
	TargetRatioPct    float64           `json:"target_ratio_pct"`
	IntensityNow      float64           `json:"intensity_now"`
	ForcedBaseline    uint64            `json:"forced_baseline_slots"`
	VoluntaryBaseline uint64            `json:"voluntary_baseline_slots"`
	HighSlots         uint64            `json:"high_slots"`
	MemResidentMB     int               `json:"mem_resident_mb"`
	NetFallbackActive bool              `json:"net_fallback_active"`
	NetGenState       string            `json:"net_gen_state"`
	MetricsDegraded   bool              `json:"metrics_degraded"`
}

// Recorder holds the latest snapshot behind a mutex; the admin server
// reads it, the coordinator writes it once per tick.
type Recorder struct {
	mu   sync.RWMutex
	last Snapshot
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish stores the given snapshot and emits the per-tick log line
// (spec.md §4.9 format).
func (r *Recorder) Publish(s Snapshot) {
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()

	log.Printf("[coordinator] tick=%s state=%s p95=%.2f ratio=%.3f target=%.3f intensity=%.1f net=%s mem=%dMB degraded=%t",
		s.Timestamp.Format(time.RFC3339), s.ControllerState, s.CachedP95, s.CurrentRatio,
		s.TargetRatioPct, s.IntensityNow, s.NetGenState, s.MemResidentMB, s.MetricsDegraded)
}

// Latest returns the most recently published snapshot.
func (r *Recorder) Latest() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// FromController builds the controller-derived fields of a Snapshot.
func FromController(now time.Time, t controller.Telemetry) Snapshot {
	return Snapshot{
		Timestamp:         now,
		ControllerState:   t.State.String(),
		CachedP95:         t.CachedP95,
		P95Known:          t.P95Known,
		CurrentRatio:      t.CurrentRatio,
		TargetRatioPct:    t.TargetRatioPct,
		IntensityNow:      t.IntensityNow,
		ForcedBaseline:    t.ForcedBaseline,
		VoluntaryBaseline: t.VoluntaryBaseline,
		HighSlots:         t.HighSlots,
	}
}

// NetGenStateString adapts netgen.State to a plain string without this
// package needing to depend on netgen internals beyond the Stringer.
func NetGenStateString(s netgen.State) string {
	return s.String()
}
