// Package coordinator wires Sensors, MetricsStore, P95Controller,
// CPUWorkers, MemoryOccupier, NetFallbackState, and NetGenerator into a
// single tick loop, mirroring original_source/loadshaper.py's main()
// loop structure and vesaaa-opentalon/main.go's signal-driven shutdown
// (generalized from os.Interrupt-only to SIGINT+SIGTERM via
// signal.NotifyContext, since freetierd targets Linux systemd units that
// send SIGTERM).
package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/dkasprzak/freetierd/internal/config"
	"github.com/dkasprzak/freetierd/internal/controller"
	"github.com/dkasprzak/freetierd/internal/cpuworkers"
	"github.com/dkasprzak/freetierd/internal/memoryocc"
	"github.com/dkasprzak/freetierd/internal/metricsstore"
	"github.com/dkasprzak/freetierd/internal/netfallback"
	"github.com/dkasprzak/freetierd/internal/netgen"
	"github.com/dkasprzak/freetierd/internal/sensors"
	"github.com/dkasprzak/freetierd/internal/telemetry"
)

// Coordinator owns every subsystem and the shared tick loop.
type Coordinator struct {
	cfg *config.Config

	sensors    *sensors.Sensors
	store      *metricsstore.Store
	controller *controller.Controller
	workers    *cpuworkers.Pool
	memocc     *memoryocc.Occupier
	netfb      *netfallback.State
	netg       *netgen.Generator
	recorder   *telemetry.Recorder

	lastTxBytes uint64
	haveTx      bool
	loadGateHot bool
}

// New builds a Coordinator from a fully validated Config and its
// already-constructed subsystems. Wiring subsystems here (rather than
// letting Coordinator build them) keeps construction order — lock,
// store, ring, controller — explicit in cmd/freetierd's main.go.
func New(cfg *config.Config, s *sensors.Sensors, store *metricsstore.Store, ctrl *controller.Controller, workers *cpuworkers.Pool, memocc *memoryocc.Occupier, netfb *netfallback.State, netg *netgen.Generator, rec *telemetry.Recorder) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		sensors:    s,
		store:      store,
		controller: ctrl,
		workers:    workers,
		memocc:     memocc,
		netfb:      netfb,
		netg:       netg,
		recorder:   rec,
	}
}

// Run drives the tick loop until ctx is cancelled, then performs the
// graceful shutdown sequence spec.md §5 requires: finish the in-flight
// tick, pause workers, flush the ring, and return.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := time.Duration(c.cfg.TickIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.workers.Start(ctx)
	if !c.memocc.Dormant() {
		go c.memocc.Run(ctx, time.Duration(c.cfg.MemTouchIntervalSec*float64(time.Second)))
	}
	// NetGenerator runs on its own execution context, admitting packets on
	// its own short tick instead of once per Coordinator tick, so it can
	// actually approach net_target_rate_mbps (spec.md §5 "one context for
	// the NetGenerator's emitter"). The Coordinator only steers
	// Activate/SetTargetRate/Deactivate from stepNetworking.
	go c.netg.Run(ctx, netgen.DefaultEmitTickInterval)

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case now := <-ticker.C:
			c.tick(ctx, now)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, now time.Time) {
	reading, err := c.sensors.Read()
	if err != nil {
		log.Printf("[coordinator] WARN sensor read failed: %v", err)
		return
	}

	if reading.CPUKnown {
		if err := c.store.Record(metricsstore.KindCPU, reading.CPUPct, now); err != nil {
			log.Printf("[coordinator] WARN recording cpu sample: %v", err)
		}
	}
	if reading.MemKnown {
		_ = c.store.Record(metricsstore.KindMem, reading.MemPct, now)
	}
	if reading.NetKnown {
		_ = c.store.Record(metricsstore.KindNet, reading.NetPct, now)
	}
	if reading.LoadKnown {
		_ = c.store.Record(metricsstore.KindLoad, reading.Load1Min, now)
	}

	ct := c.controller.Tick(now, reading.CPUPct, reading.CPUKnown, reading.Load1Min, reading.LoadKnown)
	c.workers.SetIntensity(ct.IntensityNow)
	if ct.IntensityNow == 0 {
		c.workers.Pause()
	} else {
		c.workers.Resume()
	}

	c.loadGateHot = reading.LoadKnown && reading.Load1Min > c.cfg.LoadThreshold
	c.memocc.SetLoadGateHot(c.loadGateHot)

	c.stepNetworking(ctx, now, reading)

	snap := telemetry.FromController(now, ct)
	snap.MemResidentMB = c.memocc.ResidentMB()
	snap.MetricsDegraded = c.store.Health() != metricsstore.HealthAvailable
	snap.NetFallbackActive = c.netfb.Active()
	snap.NetGenState = c.netg.State().String()
	c.recorder.Publish(snap)
}

func (c *Coordinator) stepNetworking(ctx context.Context, now time.Time, reading sensors.Reading) {
	cpuP95, cpuP95OK := c.store.P95(metricsstore.KindCPU, now, 7*24*time.Hour)

	// NetFallbackState reasons over the instantaneous net/mem readings the
	// same tick already gathered, mirroring the original's EMA-smoothed
	// but still short-horizon net_avg/mem_avg (a multi-tick EMA is not
	// worth the extra state here since the predicate is already debounced).
	active := c.netfb.ShouldActivate(now, cpuP95, cpuP95OK, reading.NetPct, reading.NetKnown, reading.MemPct, reading.MemKnown)

	if active {
		c.netg.Activate(ctx)
		target := c.netfb.RampedTarget(now, 0, c.cfg.NetTargetRateMbps)
		c.netg.SetTargetRate(target)
	} else {
		c.netg.Deactivate()
	}

	// Real per-tick NIC counters feed the generator's own k-consecutive-
	// failure bookkeeping: RecordTxObservation decrements the last-used
	// peer's reputation and advances the UDP -> TCP fallback chain once
	// the shortfall persists, rather than just logging a warning.
	if reading.TxBytesOK {
		if c.haveTx && active {
			c.netg.RecordTxObservation(c.lastTxBytes, reading.TxBytes)
		}
		c.lastTxBytes = reading.TxBytes
		c.haveTx = true
	}
}

func (c *Coordinator) shutdown() error {
	log.Println("[coordinator] shutting down")
	c.workers.Pause()
	c.netg.Deactivate()
	if err := c.controller.FlushFinal(); err != nil {
		log.Printf("[coordinator] WARN final ring flush: %v", err)
	}
	c.workers.Wait()
	return nil
}
