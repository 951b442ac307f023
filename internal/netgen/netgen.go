// Package netgen implements NetGenerator (spec.md §4.7): a rate-limited
// traffic generator that keeps NIC utilization above the reclamation
// floor while NetFallbackState is active, only ever emitting to
// validated external peers. Grounded on
// original_source/loadshaper.py's NetworkGenerator/TokenBucket, adapted
// to golang.org/x/time/rate instead of the original's hand-rolled bucket
// (idiomatic-Go substitution, not a functional change — see DESIGN.md),
// and itskum47-FluxForge's circuit-breaker iota/String() state shape.
package netgen

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is the generator's lifecycle state machine.
type State int

const (
	StateOff State = iota
	StateInitializing
	StateValidating
	StateActiveUDP
	StateActiveTCP
	StateError
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateInitializing:
		return "initializing"
	case StateValidating:
		return "validating"
	case StateActiveUDP:
		return "active_udp"
	case StateActiveTCP:
		return "active_tcp"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// txValidationFailureLimit is the "k consecutive checks" spec.md §4.7's
// runtime-validation paragraph names before reputations are decremented
// and the fallback chain advances, matching loadshaper.py's
// _handle_ineffective_transmission threshold of 3.
const txValidationFailureLimit = 3

// DefaultEmitTickInterval is the token-bucket admission tick Run uses when
// the caller passes a non-positive interval, matching spec.md §4.7's "a
// small tick (approximately 5 ms)" for the rate limiter's own clock.
const DefaultEmitTickInterval = 5 * time.Millisecond

// Config bundles the generator's tunables.
type Config struct {
	Port                int
	PacketSizeBytes     int
	Protocol            string // "udp" or "tcp"; the starting protocol only — see Generator.protocol
	ValidationTimeout   time.Duration
	MinTxDeltaBytes     int64
	ReputationFloor     float64
	ConsecutiveErrLimit int
	ErrorCooldown       time.Duration

	// ReadTxBytes samples the host NIC's cumulative tx-byte counter, used
	// to corroborate that probes and emissions actually left the
	// interface (spec.md §4.7 "via host NIC tx-byte counters"). Nil
	// disables NIC corroboration; validation then degrades to dial+write
	// success alone. Wired by cmd/freetierd from ReadNICTxBytes.
	ReadTxBytes func() (uint64, bool)
}

// Generator owns the peer set, rate limiter, and lifecycle state.
type Generator struct {
	cfg Config

	mu       sync.Mutex
	state    State
	protocol string // current protocol; escalates udp -> tcp independent of cfg.Protocol
	limiter  *rate.Limiter
	peers    []*peer
	peerIdx  int
	lastPeer *peer

	consecutiveTxFailures int

	errorSince time.Time
	packet     []byte
}

// New creates a Generator against the given peer addresses. Non-external
// addresses are dropped at construction (spec.md §4.7 "never emits to a
// non-external address").
func New(cfg Config, peerAddrs []string) *Generator {
	proto := strings.ToLower(cfg.Protocol)
	if proto == "" {
		proto = "udp"
	}
	g := &Generator{cfg: cfg, state: StateOff, protocol: proto}
	for _, a := range peerAddrs {
		if IsExternalString(a) {
			g.peers = append(g.peers, newPeer(a))
		} else {
			log.Printf("[netgen] WARN dropping non-external peer %q", a)
		}
	}
	burst := cfg.PacketSizeBytes
	if burst < 1 {
		burst = 1
	}
	g.limiter = rate.NewLimiter(rate.Limit(0), burst)
	g.packet = randomPayload(cfg.PacketSizeBytes)
	return g
}

// LoadPeersFile appends newline-delimited peer addresses from path,
// skipping blank lines and '#' comments (spec.md §9 supplemented
// feature: file-based peer lists alongside inline config).
func LoadPeersFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// SetTargetRate updates the token-bucket rate in Mbps and restores the
// bucket's capacity to one packet. At 0 the bucket stops refilling: only
// what is left of that one-packet capacity can still be sent. The limiter
// itself is denominated in bytes/sec, matching the burst size and the
// actual-bytes-consumed accounting in Emit.
func (g *Generator) SetTargetRate(mbps float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bitsPerSec := mbps * 1_000_000
	bytesPerSec := bitsPerSec / 8
	g.limiter.SetLimit(rate.Limit(bytesPerSec))
	burst := g.cfg.PacketSizeBytes
	if burst < 1 {
		burst = 1
	}
	g.limiter.SetBurst(burst)
}

// State returns the current lifecycle state.
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Activate drives OFF/ERROR toward an active sending state. Called each
// tick while NetFallbackState reports active; a no-op once already
// active. Validation runs on the caller's goroutine deliberately, since
// spec.md §4.7 requires it complete before the first packet.
func (g *Generator) Activate(ctx context.Context) {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()

	switch state {
	case StateActiveUDP, StateActiveTCP:
		return
	case StateError:
		if time.Since(g.errorSince) < g.cfg.ErrorCooldown {
			return
		}
	}

	g.setState(StateInitializing)
	if len(g.peers) == 0 {
		g.fail("no external peers configured")
		return
	}

	g.setState(StateValidating)
	if !g.validate(ctx) {
		g.fail("no peer passed validation")
		return
	}

	g.mu.Lock()
	proto := g.protocol
	g.mu.Unlock()
	if strings.EqualFold(proto, "tcp") {
		g.setState(StateActiveTCP)
	} else {
		g.setState(StateActiveUDP)
	}
}

// Run drives the generator's own emission clock (spec.md §5: "one context
// for the NetGenerator's emitter"), admitting/sending packets on a short
// ticker for as long as the process runs. The Coordinator only steers
// Activate/SetTargetRate/Deactivate from its own tick; Emit itself is a
// no-op whenever the generator isn't in an active state, so this loop can
// run continuously regardless of what the Coordinator is doing.
func (g *Generator) Run(ctx context.Context, tickInterval time.Duration) {
	if tickInterval <= 0 {
		tickInterval = DefaultEmitTickInterval
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Emit(ctx); err != nil {
				log.Printf("[netgen] WARN emit: %v", err)
			}
		}
	}
}

// Deactivate stops admission immediately (spec.md §4.7 Cancellation,
// DESIGN.md Open Question decision #2: no emission to maintain peer
// liveness once the predicate goes false). It also resets the
// escalation ladder so the next activation retries UDP first, per the
// configured starting protocol.
func (g *Generator) Deactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.peers {
		p.closeConn()
	}
	g.state = StateOff
	g.protocol = strings.ToLower(g.cfg.Protocol)
	if g.protocol == "" {
		g.protocol = "udp"
	}
	g.lastPeer = nil
	g.consecutiveTxFailures = 0
}

// validate runs the VALIDATING -> ACTIVE_* probe: dial each peer in turn,
// send one packet, and confirm via NIC tx-byte counters that the packet
// actually left the interface (spec.md §4.7 "VALIDATING -> ACTIVE_UDP
// once a short UDP probe confirms, via host NIC tx-byte counters, that
// the expected byte delta appeared").
func (g *Generator) validate(ctx context.Context) bool {
	g.mu.Lock()
	proto := g.protocol
	g.mu.Unlock()
	network := "udp"
	if strings.EqualFold(proto, "tcp") {
		network = "tcp"
	}

	for _, p := range g.peers {
		if g.probe(ctx, p, network) {
			return true
		}
	}
	return false
}

// getConn returns p's pooled connection for network, dialing (and setting
// TCP_NODELAY on new TCP connections) only when none is pooled yet or the
// pooled connection was for a different network — i.e. once per peer per
// activation/protocol-escalation, not once per packet (spec.md §4.7 "TCP
// mode uses a pooled persistent connection per peer with TCP_NODELAY").
func (g *Generator) getConn(ctx context.Context, p *peer, network string) (net.Conn, error) {
	p.connMu.Lock()
	if p.conn != nil && p.connNetwork == network {
		conn := p.conn
		p.connMu.Unlock()
		return conn, nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.connNetwork = ""
	}
	p.connMu.Unlock()

	d := net.Dialer{Timeout: g.cfg.ValidationTimeout}
	conn, err := d.DialContext(ctx, network, fmt.Sprintf("%s:%d", p.addr, g.cfg.Port))
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connNetwork = network
	p.connMu.Unlock()
	return conn, nil
}

// dropConn discards p's pooled connection, forcing the next getConn call
// to redial. Called after a write/dial failure.
func (g *Generator) dropConn(p *peer) {
	p.closeConn()
}

func (g *Generator) probe(ctx context.Context, p *peer, network string) bool {
	conn, err := g.getConn(ctx, p, network)
	if err != nil {
		p.recordFailure(time.Now(), g.cfg.ErrorCooldown, g.cfg.ConsecutiveErrLimit)
		return false
	}

	txBefore, haveBefore := g.readTxBytes()
	if _, err := conn.Write(g.packet); err != nil {
		g.dropConn(p)
		p.recordFailure(time.Now(), g.cfg.ErrorCooldown, g.cfg.ConsecutiveErrLimit)
		return false
	}

	if !haveBefore {
		// No NIC counter to corroborate against; accept dial+write alone.
		p.recordSuccess()
		return true
	}

	time.Sleep(5 * time.Millisecond) // let the counter catch up to the write
	txAfter, haveAfter := g.readTxBytes()
	if haveAfter && !g.ValidateTxDelta(txBefore, txAfter) {
		p.recordFailure(time.Now(), g.cfg.ErrorCooldown, g.cfg.ConsecutiveErrLimit)
		return false
	}

	p.recordSuccess()
	return true
}

func (g *Generator) readTxBytes() (uint64, bool) {
	if g.cfg.ReadTxBytes == nil {
		return 0, false
	}
	return g.cfg.ReadTxBytes()
}

// Emit sends one packet if the rate limiter admits it. Tokens are reserved
// for the full packet up front, then refunded by whatever the write fell
// short of, so the bucket drains by actual bytes sent rather than
// attempted (spec.md §4.7 "partial writes are accounted so the bucket
// drains by actual bytes sent, not by attempted").
func (g *Generator) Emit(ctx context.Context) error {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()

	if state != StateActiveUDP && state != StateActiveTCP {
		return nil
	}
	if !g.limiter.AllowN(time.Now(), len(g.packet)) {
		return nil
	}

	p := g.nextPeer()
	if p == nil {
		if state == StateActiveUDP {
			g.escalateFromUDP("no viable udp peers")
		}
		g.fail("no available peers")
		return fmt.Errorf("netgen: no available peers")
	}

	g.mu.Lock()
	g.lastPeer = p
	g.mu.Unlock()

	network := "udp"
	if state == StateActiveTCP {
		network = "tcp"
	}
	conn, err := g.getConn(ctx, p, network)
	if err != nil {
		p.recordFailure(time.Now(), g.cfg.ErrorCooldown, g.cfg.ConsecutiveErrLimit)
		return err
	}

	n, err := conn.Write(g.packet)
	if shortfall := len(g.packet) - n; shortfall > 0 {
		g.limiter.AllowN(time.Now(), -shortfall)
	}
	if err != nil {
		g.dropConn(p)
		p.recordFailure(time.Now(), g.cfg.ErrorCooldown, g.cfg.ConsecutiveErrLimit)
		return err
	}
	p.recordSuccess()
	return nil
}

// ValidateTxDelta reports whether the NIC actually moved bytes since the
// last check, per spec.md §4.7's "emitted packets must be corroborated
// against tx_bytes"; too small a delta over an interval NetGenerator
// believed it was sending is treated as silent failure.
func (g *Generator) ValidateTxDelta(prevTx, curTx uint64) bool {
	if curTx < prevTx {
		return true // counter wrapped or reset; don't false-positive
	}
	return int64(curTx-prevTx) >= g.cfg.MinTxDeltaBytes
}

// RecordTxObservation feeds one tick's real NIC tx-byte delta into the
// fallback ladder (spec.md §4.7 "Runtime validation"): a run of
// txValidationFailureLimit consecutive shortfalls decrements the peer
// last sent to and advances the fallback chain (UDP escalates to TCP
// once every peer is below the reputation floor, TCP rotates to the
// next peer); a validated delta while on TCP moves the generator back
// toward UDP. Mirrors loadshaper.py's _handle_ineffective_transmission /
// _trigger_fallback.
func (g *Generator) RecordTxObservation(prevTx, curTx uint64) {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()
	if state != StateActiveUDP && state != StateActiveTCP {
		return
	}

	if g.ValidateTxDelta(prevTx, curTx) {
		g.mu.Lock()
		g.consecutiveTxFailures = 0
		g.mu.Unlock()
		g.recordValidationSuccess()
		return
	}

	g.mu.Lock()
	g.consecutiveTxFailures++
	hit := g.consecutiveTxFailures >= txValidationFailureLimit
	if hit {
		g.consecutiveTxFailures = 0
	}
	g.mu.Unlock()

	if hit {
		g.recordValidationFailure()
	}
}

func (g *Generator) recordValidationFailure() {
	g.mu.Lock()
	state := g.state
	lastPeer := g.lastPeer
	g.mu.Unlock()

	if lastPeer != nil {
		lastPeer.recordFailure(time.Now(), g.cfg.ErrorCooldown, g.cfg.ConsecutiveErrLimit)
	}

	switch state {
	case StateActiveUDP:
		if g.allPeersBelowFloor() {
			g.escalateFromUDP("all udp peers below reputation floor")
		}
	case StateActiveTCP:
		g.rotatePeer()
	}
}

func (g *Generator) recordValidationSuccess() {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()
	if state != StateActiveTCP {
		return
	}
	g.mu.Lock()
	g.protocol = "udp"
	g.state = StateActiveUDP
	g.mu.Unlock()
	log.Printf("[netgen] INFO tx validated on tcp, reverting to udp")
}

func (g *Generator) escalateFromUDP(reason string) {
	g.mu.Lock()
	if g.state != StateActiveUDP {
		g.mu.Unlock()
		return
	}
	g.protocol = "tcp"
	g.state = StateActiveTCP
	g.mu.Unlock()
	log.Printf("[netgen] WARN escalating udp -> tcp: %s", reason)
}

func (g *Generator) rotatePeer() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.peers) == 0 {
		return
	}
	g.peerIdx = (g.peerIdx + 1) % len(g.peers)
}

func (g *Generator) allPeersBelowFloor() bool {
	now := time.Now()
	for _, p := range g.peers {
		if p.available(now, g.cfg.ReputationFloor) {
			return false
		}
	}
	return true
}

func (g *Generator) nextPeer() *peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.peers) == 0 {
		return nil
	}
	now := time.Now()
	for i := 0; i < len(g.peers); i++ {
		idx := (g.peerIdx + i) % len(g.peers)
		p := g.peers[idx]
		if p.available(now, g.cfg.ReputationFloor) {
			g.peerIdx = (idx + 1) % len(g.peers)
			return p
		}
	}
	return nil
}

func (g *Generator) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Generator) fail(reason string) {
	log.Printf("[netgen] ERROR entering error state: %s", reason)
	g.mu.Lock()
	g.state = StateError
	g.mu.Unlock()
	g.errorSince = time.Now()
}

func randomPayload(n int) []byte {
	if n < 1 {
		n = 1
	}
	b := make([]byte, n)
	rand.Read(b)
	return b
}
