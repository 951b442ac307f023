// Package ring implements the slot-quantized ring buffer that backs the
// P95Controller's exceedance budget (spec.md §3 Slot, §9 "ring buffer
// persistence"). It is the single-writer/multi-reader structure spec.md §5
// requires: the controller is the sole writer, telemetry reads concurrently.
package ring

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const stateVersion = 1

// slot values. Unknown means "never written or a restart gap"; spec.md §3
// says gaps are left unknown rather than backfilled, and DESIGN.md records
// the decision to exclude them from the ratio denominator entirely.
type slotState int8

const (
	slotUnknown slotState = iota
	slotBaseline
	slotHigh
)

// Ring is a fixed-capacity circular buffer of slot decisions.
type Ring struct {
	mu sync.RWMutex

	slotLenSec      int
	capacity        int
	slots           []slotState
	lastSlotIndex   int64 // -1 before the first slot is written
	lastSlotStartTS int64 // unix seconds
}

// New creates an empty ring with every slot unknown.
func New(capacity int, slotLenSec int) *Ring {
	return &Ring{
		slotLenSec:    slotLenSec,
		capacity:      capacity,
		slots:         make([]slotState, capacity),
		lastSlotIndex: -1,
	}
}

// RecordSlot appends the final (post-safety-gate) decision for slotIndex.
// Slot indices are monotonic absolute slot numbers since epoch; the ring
// maps them into capacity via modulo. Any gap between the previous
// lastSlotIndex and slotIndex is left unknown, matching spec.md §3's
// "reopening after a restart does not re-backfill missed slots".
func (r *Ring) RecordSlot(slotIndex int64, startTS int64, high bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slotIndex <= r.lastSlotIndex {
		return fmt.Errorf("ring: slot %d is not after last recorded slot %d", slotIndex, r.lastSlotIndex)
	}

	if r.lastSlotIndex >= 0 {
		for gap := r.lastSlotIndex + 1; gap < slotIndex && gap <= r.lastSlotIndex+int64(r.capacity); gap++ {
			r.slots[gap%int64(r.capacity)] = slotUnknown
		}
	}

	state := slotBaseline
	if high {
		state = slotHigh
	}
	r.slots[slotIndex%int64(r.capacity)] = state
	r.lastSlotIndex = slotIndex
	r.lastSlotStartTS = startTS
	return nil
}

// LastSlotIndex returns the most recently recorded absolute slot index, or
// -1 if nothing has been recorded yet.
func (r *Ring) LastSlotIndex() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSlotIndex
}

// LastSlotStartTS returns the unix-second start time of the last recorded slot.
func (r *Ring) LastSlotStartTS() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSlotStartTS
}

// ExceedanceRatio returns count(high)/count(known) over the whole ring, and
// the count of known slots. A ring with no known slots returns (0, 0).
func (r *Ring) ExceedanceRatio() (ratio float64, known int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var high, total int
	for _, s := range r.slots {
		switch s {
		case slotHigh:
			high++
			total++
		case slotBaseline:
			total++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(high) / float64(total), total
}

// ConsecutiveBaselineSinceHigh walks backward from the last recorded slot
// and counts baseline slots before hitting a high slot, an unknown slot, or
// running out of history. It backs the "never allow more than
// max_consecutive_skipped_slots baseline slots in a row" rule (spec.md
// §4.3 step 7).
func (r *Ring) ConsecutiveBaselineSinceHigh() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.lastSlotIndex < 0 {
		return 0
	}
	count := 0
	steps := int64(r.capacity)
	for i := int64(0); i < steps; i++ {
		idx := r.lastSlotIndex - i
		if idx < 0 {
			break
		}
		s := r.slots[idx%int64(r.capacity)]
		if s == slotHigh {
			break
		}
		if s == slotUnknown {
			break
		}
		count++
	}
	return count
}

// persistedState is the on-disk JSON shape from spec.md §6:
// {version, slot_len_sec, slots: [0|1|null], last_slot_index, last_slot_start_ts}.
type persistedState struct {
	Version         int      `json:"version"`
	SlotLenSec      int      `json:"slot_len_sec"`
	Slots           []*int8  `json:"slots"`
	LastSlotIndex   int64    `json:"last_slot_index"`
	LastSlotStartTS int64    `json:"last_slot_start_ts"`
}

// Save atomically persists the ring: write to a uniquely named temp file
// (name includes the pid and a caller-supplied worker tag), fsync, then
// rename into place. This is the pattern spec.md §9 requires so a crash
// mid-write never truncates the live file.
func (r *Ring) Save(path string, workerTag string) error {
	r.mu.RLock()
	slots := make([]*int8, r.capacity)
	for i, s := range r.slots {
		if s == slotUnknown {
			slots[i] = nil
			continue
		}
		v := int8(0)
		if s == slotHigh {
			v = 1
		}
		slots[i] = &v
	}
	state := persistedState{
		Version:         stateVersion,
		SlotLenSec:      r.slotLenSec,
		Slots:           slots,
		LastSlotIndex:   r.lastSlotIndex,
		LastSlotStartTS: r.lastSlotStartTS,
	}
	r.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ring: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmpName := filepath.Join(dir, fmt.Sprintf("%s.%d.%s.tmp", filepath.Base(path), os.Getpid(), workerTag))

	f, err := os.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("ring: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ring: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ring: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ring: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ring: rename into place: %w", err)
	}
	return nil
}

// Load restores a ring previously written by Save. If capacity differs from
// what is on disk, the loaded slots are remapped onto the new capacity by
// absolute slot index, preserving as much history as fits.
//
// The on-disk array has one entry per old-capacity position p, where p
// holds whichever absolute slot index k last satisfied k%oldCapacity==p.
// Given lastSlotIndex, that k is recoverable as
// lastSlotIndex - ((lastSlotIndex-p) mod oldCapacity) — the largest index
// congruent to p that is not newer than lastSlotIndex.
func Load(path string, capacity int, slotLenSec int) (*Ring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("ring: unmarshal: %w", err)
	}

	r := New(capacity, slotLenSec)
	r.lastSlotIndex = state.LastSlotIndex
	r.lastSlotStartTS = state.LastSlotStartTS

	oldCapacity := int64(len(state.Slots))
	if oldCapacity == 0 {
		return r, nil
	}

	type entry struct {
		abs   int64
		state slotState
	}
	var entries []entry
	for p, v := range state.Slots {
		if v == nil {
			continue
		}
		offset := mod(state.LastSlotIndex-int64(p), oldCapacity)
		abs := state.LastSlotIndex - offset
		if abs < 0 {
			continue
		}
		s := slotBaseline
		if *v == 1 {
			s = slotHigh
		}
		entries = append(entries, entry{abs: abs, state: s})
	}

	// Apply oldest-to-newest so that, when shrinking capacity causes two
	// old absolute slots to land on the same new position, the more
	// recent one wins — matching RecordSlot's own overwrite behavior.
	sort.Slice(entries, func(i, j int) bool { return entries[i].abs < entries[j].abs })
	for _, e := range entries {
		r.slots[mod(e.abs, int64(capacity))] = e.state
	}
	return r, nil
}

func mod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// Capacity returns the ring's fixed slot count.
func (r *Ring) Capacity() int { return r.capacity }

// SlotLenSec returns the configured slot duration in seconds.
func (r *Ring) SlotLenSec() int { return r.slotLenSec }

// SlotIndexForTime maps a unix-second timestamp to its absolute slot index.
func SlotIndexForTime(unixSec int64, slotLenSec int) int64 {
	return int64(math.Floor(float64(unixSec) / float64(slotLenSec)))
}
