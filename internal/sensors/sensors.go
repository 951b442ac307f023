// Package sensors reads instantaneous CPU, memory, network, and load
// readings (spec.md §4.2). It reuses gopsutil/v4, the same library the
// teacher's collector uses, but computes CPU% from raw cumulative-jiffy
// deltas rather than gopsutil's blocking cpu.Percent sampler, because the
// controller needs a non-blocking delta-since-last-tick figure and needs
// to be able to see "no prior sample yet" explicitly (spec.md §4.2 "first
// tick after startup yields unknown").
package sensors

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Reading is one tick's worth of sensor output (spec.md §4.2).
type Reading struct {
	CPUPct     float64
	CPUKnown   bool
	MemPct     float64
	MemKnown   bool
	NetPct     float64
	NetKnown   bool
	Load1Min   float64
	LoadKnown  bool
	TxBytes    uint64
	TxBytesOK  bool
}

// Sensors holds the delta state needed across ticks for CPU-jiffy and
// network-byte-counter deltas, mirroring the mutex-protected delta pattern
// in vesaaa-opentalon/internal/agent/collector.go's netBandwidth.
type Sensors struct {
	mu sync.Mutex

	ifaceName         string
	linkBandwidthMbps float64

	prevCPUTotal float64
	prevCPUIdle  float64
	cpuInit      bool

	prevTxBytes uint64
	prevTxTime  time.Time
	netInit     bool

	numCores int
}

// New creates a Sensors reader. ifaceName selects one network interface;
// empty means "first non-loopback interface with counters". linkBandwidthMbps
// is the configured cap used to turn a tx byte-rate into a percentage.
func New(ifaceName string, linkBandwidthMbps float64) *Sensors {
	return &Sensors{
		ifaceName:         ifaceName,
		linkBandwidthMbps: linkBandwidthMbps,
		numCores:          runtime.NumCPU(),
	}
}

// Read gathers one Reading. Each field's *Known flag follows spec.md §4.2:
// unavailable or first-tick-unknown fields must not be fabricated.
func (s *Sensors) Read() (Reading, error) {
	var r Reading

	if pct, ok, err := s.readCPU(); err != nil {
		return r, fmt.Errorf("reading cpu: %w", err)
	} else {
		r.CPUPct, r.CPUKnown = pct, ok
	}

	if pct, ok := s.readMem(); ok {
		r.MemPct, r.MemKnown = pct, true
	}

	if pct, pctKnown, tx, ok := s.readNet(); ok {
		r.NetPct, r.NetKnown = pct, pctKnown
		r.TxBytes, r.TxBytesOK = tx, true
	}

	if l1, ok := s.readLoad(); ok {
		r.Load1Min, r.LoadKnown = l1/float64(s.numCores), true
	}

	return r, nil
}

// readCPU computes %busy from cumulative jiffy deltas: (totalDelta -
// idleDelta) / totalDelta * 100. The first call has no prior reading and
// reports unknown.
func (s *Sensors) readCPU() (pct float64, ok bool, err error) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0, false, err
	}
	t := times[0]
	idle := t.Idle + t.Iowait
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cpuInit {
		s.prevCPUTotal, s.prevCPUIdle = total, idle
		s.cpuInit = true
		return 0, false, nil
	}

	totalDelta := total - s.prevCPUTotal
	idleDelta := idle - s.prevCPUIdle
	s.prevCPUTotal, s.prevCPUIdle = total, idle

	if totalDelta <= 0 {
		return 0, false, nil
	}
	busy := (totalDelta - idleDelta) / totalDelta * 100
	if busy < 0 {
		busy = 0
	}
	if busy > 100 {
		busy = 100
	}
	return busy, true, nil
}

// readMem uses VirtualMemory().Available, which on Linux already excludes
// reclaimable page cache (spec.md §4.2: "the 20% policy depends on this
// definition"). A zero/unreported figure is treated as unavailable rather
// than guessed.
func (s *Sensors) readMem() (pct float64, ok bool) {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 || vm.Available == 0 {
		return 0, false
	}
	usedPct := 100 * float64(vm.Total-vm.Available) / float64(vm.Total)
	return usedPct, true
}

func (s *Sensors) readNet() (pct float64, pctKnown bool, txBytes uint64, ok bool) {
	stats, err := psnet.IOCounters(true)
	if err != nil || len(stats) == 0 {
		return 0, false, 0, false
	}

	var tx uint64
	found := false
	for _, st := range stats {
		if s.ifaceName != "" {
			if st.Name == s.ifaceName {
				tx = st.BytesSent
				found = true
				break
			}
			continue
		}
		if st.Name == "lo" || st.Name == "lo0" {
			continue
		}
		tx = st.BytesSent
		found = true
		break
	}
	if !found {
		return 0, false, 0, false
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.netInit {
		s.prevTxBytes, s.prevTxTime = tx, now
		s.netInit = true
		return 0, false, tx, true
	}

	dt := now.Sub(s.prevTxTime).Seconds()
	delta := tx - s.prevTxBytes
	s.prevTxBytes, s.prevTxTime = tx, now
	if dt <= 0 || s.linkBandwidthMbps <= 0 {
		return 0, false, tx, true
	}

	bps := float64(delta) / dt
	capBps := s.linkBandwidthMbps * 1e6 / 8
	pct = bps / capBps * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true, tx, true
}

func (s *Sensors) readLoad() (float64, bool) {
	avg, err := load.Avg()
	if err != nil {
		return 0, false
	}
	return avg.Load1, true
}
