package metricsstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMaintenance_PurgesOnTickerAndExitsOnCancel(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	require.NoError(t, s.Record(KindCPU, 1, now.Add(-8*24*time.Hour)))
	require.NoError(t, s.Record(KindCPU, 2, now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunMaintenance(ctx, 20*time.Millisecond, 7*24*time.Hour)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		count, err := s.Count7d()
		return err == nil && count == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunMaintenance did not exit after cancellation")
	}
}
