package metricsstore

import (
	"context"
	"log"
	"time"
)

// RunMaintenance starts the store's background context: periodic 7-day
// retention purge. It returns once ctx is cancelled, matching the
// ctx-driven ticker-loop shape used throughout
// itskum47-FluxForge/control_plane/coordination for its background
// janitors.
func (s *Store) RunMaintenance(ctx context.Context, purgeInterval time.Duration, retention time.Duration) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if err := s.PurgeOlderThan(cutoff); err != nil {
				log.Printf("[metricsstore] WARN retention purge failed: %v", err)
			}
		}
	}
}
