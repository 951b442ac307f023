// Package metricsstore implements the 7-day append-only sample store
// (spec.md §4.1 MetricsStore): durable writes, a TTL-cached p95 query,
// corruption detection/recovery, and ENOSPC degraded mode. It follows the
// teacher's GORM + glebarez/sqlite wiring (see
// vesaaa-opentalon/internal/server/db.go) rather than a bespoke wire
// format, since the pack's dominant local-persistence idiom is GORM over
// a pure-Go sqlite driver.
package metricsstore

import (
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Health mirrors spec.md §4.1's health() return values.
type Health string

const (
	HealthAvailable   Health = "available"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// Kind is the metric family a Sample belongs to.
type Kind string

const (
	KindCPU  Kind = "cpu"
	KindMem  Kind = "mem"
	KindNet  Kind = "net"
	KindLoad Kind = "load"
)

// sampleRow is the GORM model backing the samples table. Unlike the
// teacher's Metrics model (one row per device per tick, several columns),
// freetierd's rows are single-valued and typed by kind, since the p95
// query needs an ordered scan over one series at a time.
type sampleRow struct {
	ID    uint64 `gorm:"primaryKey"`
	Kind  string `gorm:"index:idx_kind_ts,priority:1"`
	Value float64
	TS    int64 `gorm:"index:idx_kind_ts,priority:2"` // unix seconds
}

func (sampleRow) TableName() string { return "samples" }

type cacheEntry struct {
	value     float64
	ok        bool
	expiresAt time.Time
}

// Store is the MetricsStore. It owns metrics.db exclusively for the
// process's lifetime (the caller acquires the directory lock separately).
type Store struct {
	mu sync.Mutex

	db      *gorm.DB
	path    string
	ttl     time.Duration
	probeAt time.Duration

	degraded     bool
	lastProbeRun time.Time

	cache map[Kind]cacheEntry
}

// Open opens (or creates) the sqlite-backed store at path, running a
// structural probe before returning, per spec.md §4.1 "a quick structural
// probe on open".
func Open(path string, p95CacheTTL, consistencyProbeInterval time.Duration) (*Store, error) {
	s := &Store{
		path:    path,
		ttl:     p95CacheTTL,
		probeAt: consistencyProbeInterval,
		cache:   make(map[Kind]cacheEntry),
	}
	if err := s.openDB(); err != nil {
		return nil, err
	}
	if err := s.probeAndRecoverLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openDB() error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("opening metrics store: %w", err)
	}
	if err := db.AutoMigrate(&sampleRow{}); err != nil {
		return fmt.Errorf("auto-migrate metrics store: %w", err)
	}
	s.db = db
	return nil
}

// probeAndRecoverLocked runs PRAGMA integrity_check. On failure it backs
// up the corrupt file and reopens an empty store, per spec.md §4.1's
// StorageCorrupt recovery: "(a) creates a timestamped backup of the
// corrupt file, (b) reinitializes an empty store, (c) logs a warning."
func (s *Store) probeAndRecoverLocked() error {
	ok, err := s.integrityOK()
	if err == nil && ok {
		s.lastProbeRun = time.Now()
		return nil
	}
	if err != nil {
		log.Printf("[metricsstore] WARN integrity probe failed to run: %v", err)
	} else {
		log.Printf("[metricsstore] WARN integrity_check reported corruption")
	}
	return s.recoverFromCorruption()
}

func (s *Store) integrityOK() (bool, error) {
	var result string
	if err := s.db.Raw("PRAGMA integrity_check").Scan(&result).Error; err != nil {
		return false, err
	}
	return strings.EqualFold(result, "ok"), nil
}

func (s *Store) recoverFromCorruption() error {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
	backupPath := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, backupPath); err != nil && !os.IsNotExist(err) {
		log.Printf("[metricsstore] WARN could not back up corrupt file: %v", err)
	} else {
		log.Printf("[metricsstore] WARN backed up corrupt store to %s", backupPath)
	}
	if err := s.openDB(); err != nil {
		return fmt.Errorf("reinitializing metrics store after corruption: %w", err)
	}
	s.clearCacheLocked()
	log.Printf("[metricsstore] WARN store reinitialized empty after corruption")
	return nil
}

// Record appends a sample. Writes are dropped silently while degraded, per
// spec.md §3 DegradedMode.
func (s *Store) Record(kind Kind, value float64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return nil
	}
	s.maybeProbeLocked()

	row := sampleRow{Kind: string(kind), Value: value, TS: t.Unix()}
	err := s.db.Create(&row).Error
	if err == nil {
		delete(s.cache, kind)
		return nil
	}

	if isDiskFull(err) {
		log.Printf("[metricsstore] WARN disk full, entering degraded mode: %v", err)
		s.degraded = true
		return nil
	}

	// Retry once, per spec.md §4.1 "read/write errors other than ENOSPC
	// are retried once".
	if err2 := s.db.Create(&row).Error; err2 == nil {
		delete(s.cache, kind)
		return nil
	}
	log.Printf("[metricsstore] WARN write failed after retry: %v", err)
	return nil
}

// PurgeOlderThan deletes samples with ts before the cutoff. Idempotent.
func (s *Store) PurgeOlderThan(cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return nil
	}
	if err := s.db.Where("ts < ?", cutoff.Unix()).Delete(&sampleRow{}).Error; err != nil {
		if isDiskFull(err) {
			s.degraded = true
			return nil
		}
		return fmt.Errorf("purging old samples: %w", err)
	}
	s.clearCacheLocked()
	return nil
}

// Count7d returns the number of samples currently retained across all kinds.
func (s *Store) Count7d() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if err := s.db.Model(&sampleRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Health reports the store's current health per spec.md §4.1.
func (s *Store) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return HealthDegraded
	}
	if s.db == nil {
		return HealthUnavailable
	}
	return HealthAvailable
}

// ClearDegraded exits degraded mode. Per spec.md §3, this only happens on
// operator action (restart). Nothing in freetierd calls it: a restart
// builds a fresh Store through Open, which starts outside degraded mode,
// and the store never clears the flag on its own at runtime.
func (s *Store) ClearDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = false
}

// P95 returns the cached-or-computed 95th percentile for kind over the
// last window seconds. ok is false if there is no data or the store is
// degraded and has never cached a value.
func (s *Store) P95(kind Kind, now time.Time, window time.Duration) (value float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, found := s.cache[kind]; found && now.Before(entry.expiresAt) {
		return entry.value, entry.ok
	}

	if s.degraded {
		// spec.md §4.3: "if MetricsStore is degraded, reuse the last-known
		// p95". If nothing was ever cached there is nothing to reuse.
		if entry, found := s.cache[kind]; found {
			return entry.value, entry.ok
		}
		return 0, false
	}

	cutoff := now.Add(-window).Unix()
	var values []float64
	err := s.db.Model(&sampleRow{}).
		Where("kind = ? AND ts >= ?", string(kind), cutoff).
		Order("value ASC").
		Pluck("value", &values).Error

	if err != nil {
		if isDiskFull(err) {
			s.degraded = true
		}
		log.Printf("[metricsstore] WARN p95 query failed for %s: %v", kind, err)
		return 0, false
	}

	value, ok = rankPercentile(values, 0.95)
	s.cache[kind] = cacheEntry{value: value, ok: ok, expiresAt: now.Add(s.ttl)}
	return value, ok
}

// rankPercentile computes the p-th rank percentile of an already-sorted
// slice using ceil(p*n)-1 clamped to [0, n-1], the same rank-index idiom
// used for bootstrap confidence intervals in
// jinterlante1206-AleutianLocal/services/trace/eval/ab/statistics.go.
func rankPercentile(sorted []float64, p float64) (float64, bool) {
	n := len(sorted)
	if n == 0 {
		return 0, false
	}
	if !sort.Float64sAreSorted(sorted) {
		sort.Float64s(sorted)
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx], true
}

// maybeProbeLocked runs the periodic consistency probe if the interval has
// elapsed. Called with s.mu held.
func (s *Store) maybeProbeLocked() {
	if s.probeAt <= 0 || time.Since(s.lastProbeRun) < s.probeAt {
		return
	}
	s.lastProbeRun = time.Now()
	ok, err := s.integrityOK()
	if err != nil || !ok {
		if err != nil {
			log.Printf("[metricsstore] WARN periodic integrity probe failed to run: %v", err)
		} else {
			log.Printf("[metricsstore] WARN periodic integrity_check reported corruption")
		}
		if rerr := s.recoverFromCorruption(); rerr != nil {
			log.Printf("[metricsstore] WARN recovery from corruption failed: %v", rerr)
		}
	}
}

func (s *Store) clearCacheLocked() {
	s.cache = make(map[Kind]cacheEntry)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isDiskFull matches the ENOSPC signal spec.md §4.1 calls out: sqlite
// surfaces it as SQLITE_FULL / "database or disk is full" rather than a
// typed error, and the wrapping driver may also surface a raw
// syscall.ENOSPC.
func isDiskFull(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "disk is full") ||
		strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "sqlite_full") ||
		strings.Contains(msg, "no space left on device")
}
