package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dkasprzak/freetierd/internal/controller"
	"github.com/dkasprzak/freetierd/internal/netgen"
)

func TestRecorder_PublishThenLatestRoundTrips(t *testing.T) {
	r := NewRecorder()
	s := Snapshot{ControllerState: "BUILDING", CachedP95: 24.5}
	r.Publish(s)
	assert.Equal(t, s, r.Latest())
}

func TestRecorder_LatestBeforePublishIsZeroValue(t *testing.T) {
	r := NewRecorder()
	assert.Equal(t, Snapshot{}, r.Latest())
}

func TestFromController_CopiesFields(t *testing.T) {
	now := time.Now()
	tel := controller.Telemetry{
		State:          controller.Maintaining,
		CachedP95:      25.0,
		P95Known:       true,
		CurrentRatio:   6.0,
		TargetRatioPct: 6.5,
		IntensityNow:   20,
	}
	snap := FromController(now, tel)
	assert.Equal(t, "MAINTAINING", snap.ControllerState)
	assert.Equal(t, 25.0, snap.CachedP95)
	assert.True(t, snap.P95Known)
	assert.Equal(t, now, snap.Timestamp)
}

func TestNetGenStateString_DelegatesToStringer(t *testing.T) {
	assert.Equal(t, "active_udp", NetGenStateString(netgen.StateActiveUDP))
}
