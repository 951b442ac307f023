package netgen

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeConn is a net.Conn double for exercising Emit's connection-pooling
// and partial-write accounting without touching a real socket.
type fakeConn struct {
	writes   int
	closes   int
	writeN   int // bytes Write reports sending; 0 means the full buffer
	writeErr error
}

func (f *fakeConn) Read(b []byte) (int, error) { return 0, io.EOF }
func (f *fakeConn) Write(b []byte) (int, error) {
	f.writes++
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.writeN > 0 {
		return f.writeN, nil
	}
	return len(b), nil
}
func (f *fakeConn) Close() error                       { f.closes++; return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func testConfig() Config {
	return Config{
		Port:                9999,
		PacketSizeBytes:     1400,
		Protocol:            "udp",
		ValidationTimeout:   50 * time.Millisecond,
		MinTxDeltaBytes:     100,
		ReputationFloor:     10,
		ConsecutiveErrLimit: 3,
		ErrorCooldown:       time.Minute,
	}
}

func TestNew_DropsNonExternalPeers(t *testing.T) {
	g := New(testConfig(), []string{"10.0.0.1", "8.8.8.8", "not-an-address"})
	assert.Len(t, g.peers, 1)
	assert.Equal(t, "8.8.8.8", g.peers[0].addr)
}

func TestState_StringValues(t *testing.T) {
	assert.Equal(t, "off", StateOff.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "validating", StateValidating.String())
	assert.Equal(t, "active_udp", StateActiveUDP.String())
	assert.Equal(t, "active_tcp", StateActiveTCP.String())
	assert.Equal(t, "error", StateError.String())
}

func TestActivate_NoPeersEntersErrorState(t *testing.T) {
	g := New(testConfig(), nil)
	g.Activate(context.Background())
	assert.Equal(t, StateError, g.State())
}

func TestDeactivate_ReturnsToOff(t *testing.T) {
	g := New(testConfig(), nil)
	g.Activate(context.Background())
	g.Deactivate()
	assert.Equal(t, StateOff, g.State())
}

func TestEmit_NoopWhenNotActive(t *testing.T) {
	g := New(testConfig(), nil)
	err := g.Emit(context.Background())
	assert.NoError(t, err)
}

func TestValidateTxDelta_DetectsInsufficientMovement(t *testing.T) {
	g := New(testConfig(), nil)
	assert.False(t, g.ValidateTxDelta(1000, 1050)) // delta 50 < MinTxDeltaBytes 100
	assert.True(t, g.ValidateTxDelta(1000, 1200))
}

func TestValidateTxDelta_TreatsCounterWrapAsOK(t *testing.T) {
	g := New(testConfig(), nil)
	assert.True(t, g.ValidateTxDelta(1000, 500))
}

func TestNextPeer_RoundRobinsSkippingUnavailable(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8", "1.1.1.1"})
	require.Len(t, g.peers, 2)

	g.peers[0].blacklistedTill = time.Now().Add(time.Minute)

	p := g.nextPeer()
	require.NotNil(t, p)
	assert.Equal(t, "1.1.1.1", p.addr)
}

func TestNextPeer_NoneAvailableReturnsNil(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.peers[0].blacklistedTill = time.Now().Add(time.Minute)
	assert.Nil(t, g.nextPeer())
}

func TestSetTargetRate_UpdatesLimiter(t *testing.T) {
	g := New(testConfig(), nil)
	g.SetTargetRate(8) // 8 Mbps == 1,000,000 bytes/sec
	assert.InDelta(t, 1_000_000, float64(g.limiter.Limit()), 1)
}

func TestRecordTxObservation_BelowThresholdDoesNotEscalate(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateActiveUDP
	g.lastPeer = g.peers[0]

	for i := 0; i < txValidationFailureLimit-1; i++ {
		g.RecordTxObservation(1000, 1010) // delta 10 < MinTxDeltaBytes 100
	}

	assert.Equal(t, StateActiveUDP, g.State())
	assert.Equal(t, txValidationFailureLimit-1, g.consecutiveTxFailures)
}

func TestRecordTxObservation_EscalatesUDPToTCPWhenPeerFallsBelowFloor(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateActiveUDP
	g.lastPeer = g.peers[0]
	g.peers[0].reputation = testConfig().ReputationFloor + 1 // one EMA step from the floor

	for i := 0; i < txValidationFailureLimit; i++ {
		g.RecordTxObservation(1000, 1010) // delta 10 < MinTxDeltaBytes 100
	}

	assert.Equal(t, StateActiveTCP, g.State())
	assert.Equal(t, "tcp", g.protocol)
}

func TestRecordTxObservation_StaysUDPWhenOtherPeerStillViable(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8", "1.1.1.1"})
	g.state = StateActiveUDP
	g.lastPeer = g.peers[0]
	g.peers[0].reputation = testConfig().ReputationFloor + 1
	// g.peers[1] stays at the neutral initial reputation, so the udp
	// protocol still has a viable peer and must not escalate.

	for i := 0; i < txValidationFailureLimit; i++ {
		g.RecordTxObservation(1000, 1010)
	}

	assert.Equal(t, StateActiveUDP, g.State())
}

func TestRecordTxObservation_RotatesTCPPeerOnRepeatedFailure(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8", "1.1.1.1"})
	g.state = StateActiveTCP
	g.protocol = "tcp"
	g.peerIdx = 0
	g.lastPeer = g.peers[0]

	for i := 0; i < txValidationFailureLimit; i++ {
		g.RecordTxObservation(1000, 1010)
	}

	assert.Equal(t, StateActiveTCP, g.State())
	assert.Equal(t, 1, g.peerIdx)
}

func TestRecordTxObservation_RevertsTCPToUDPOnValidatedSend(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateActiveTCP
	g.protocol = "tcp"
	g.lastPeer = g.peers[0]

	g.RecordTxObservation(1000, 2000) // delta 1000 >= MinTxDeltaBytes 100

	assert.Equal(t, StateActiveUDP, g.State())
	assert.Equal(t, "udp", g.protocol)
}

func TestRecordTxObservation_IgnoredWhenNotActive(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateOff
	g.RecordTxObservation(1000, 1010)
	assert.Equal(t, StateOff, g.State())
}

func TestDeactivate_ResetsEscalationState(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateActiveTCP
	g.protocol = "tcp"
	g.lastPeer = g.peers[0]
	g.consecutiveTxFailures = 2

	g.Deactivate()

	assert.Equal(t, StateOff, g.State())
	assert.Equal(t, "udp", g.protocol)
	assert.Nil(t, g.lastPeer)
	assert.Equal(t, 0, g.consecutiveTxFailures)
}

func TestEmit_ReusesPooledConnection(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateActiveUDP
	g.limiter.SetLimit(rate.Inf)

	fc := &fakeConn{}
	g.peers[0].conn = fc
	g.peers[0].connNetwork = "udp"

	require.NoError(t, g.Emit(context.Background()))
	require.NoError(t, g.Emit(context.Background()))

	assert.Equal(t, 2, fc.writes)
	assert.Equal(t, 0, fc.closes)
	assert.Same(t, fc, g.peers[0].conn)
}

func TestEmit_DropsConnectionOnWriteFailure(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateActiveUDP
	g.limiter.SetLimit(rate.Inf)

	fc := &fakeConn{writeErr: net.ErrClosed}
	g.peers[0].conn = fc
	g.peers[0].connNetwork = "udp"

	err := g.Emit(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, fc.closes)
	assert.Nil(t, g.peers[0].conn)
	assert.Empty(t, g.peers[0].connNetwork)
}

func TestDropConn_ClosesAndClearsPooledConnection(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	fc := &fakeConn{}
	g.peers[0].conn = fc
	g.peers[0].connNetwork = "udp"

	g.dropConn(g.peers[0])

	assert.Equal(t, 1, fc.closes)
	assert.Nil(t, g.peers[0].conn)
	assert.Empty(t, g.peers[0].connNetwork)
}

// spec.md §4.7: "partial writes are accounted so the bucket drains by
// actual bytes sent, not by attempted." A 150-token burst only covers two
// 100-byte sends if the first send's 50-byte shortfall is refunded back
// into the bucket; without the refund the second Emit would be denied.
func TestEmit_RefundsLimiterForPartialWrite(t *testing.T) {
	cfg := testConfig()
	cfg.PacketSizeBytes = 100
	g := New(cfg, []string{"8.8.8.8"})
	g.state = StateActiveUDP
	g.limiter = rate.NewLimiter(rate.Limit(0), 150)

	fc := &fakeConn{writeN: 50}
	g.peers[0].conn = fc
	g.peers[0].connNetwork = "udp"

	require.NoError(t, g.Emit(context.Background()))
	require.NoError(t, g.Emit(context.Background()))

	assert.Equal(t, 2, fc.writes)
}

func TestRun_EmitsUntilContextCancelled(t *testing.T) {
	g := New(testConfig(), []string{"8.8.8.8"})
	g.state = StateActiveUDP
	g.limiter.SetLimit(rate.Inf)

	fc := &fakeConn{}
	g.peers[0].conn = fc
	g.peers[0].connNetwork = "udp"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		g.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not exit after context cancellation")
	}

	assert.Greater(t, fc.writes, 0)
}

func TestLoadPeersFile_SkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.txt")
	content := "8.8.8.8\n# a comment\n\n1.1.1.1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	peers, err := LoadPeersFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1"}, peers)
}
