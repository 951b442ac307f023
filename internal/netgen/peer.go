package netgen

import (
	"net"
	"sync"
	"time"
)

// Reputation bounds, grounded on original_source/loadshaper.py's
// REPUTATION_* constants (NetworkGenerator), trimmed to the subset
// spec.md's simpler generator needs: an EMA-updated score with a floor
// that rotates a peer out of the round-robin.
const (
	reputationInitial = 50.0
	reputationMax      = 100.0
	reputationMin      = 0.0
	reputationAlpha    = 0.2 // EMA smoothing factor for send outcomes
)

// peer tracks one send target's health and its pooled connection. spec.md
// §4.7 requires TCP mode to use "a pooled persistent connection per peer
// with TCP_NODELAY"; freetierd pools UDP connections the same way to avoid
// per-packet socket churn at the ~5ms emission tick, redialing only on a
// network-mismatch (protocol escalation) or a write/dial failure.
type peer struct {
	addr            string
	reputation      float64
	consecutiveErrs int
	blacklistedTill time.Time

	connMu      sync.Mutex
	conn        net.Conn
	connNetwork string
}

func newPeer(addr string) *peer {
	return &peer{addr: addr, reputation: reputationInitial}
}

func (p *peer) recordSuccess() {
	p.consecutiveErrs = 0
	p.reputation = ema(p.reputation, reputationMax, reputationAlpha)
}

func (p *peer) recordFailure(now time.Time, cooldown time.Duration, errorLimit int) {
	p.consecutiveErrs++
	p.reputation = ema(p.reputation, reputationMin, reputationAlpha)
	if p.reputation < reputationMin {
		p.reputation = reputationMin
	}
	if p.consecutiveErrs >= errorLimit {
		p.blacklistedTill = now.Add(cooldown)
	}
}

func (p *peer) available(now time.Time, floor float64) bool {
	if now.Before(p.blacklistedTill) {
		return false
	}
	return p.reputation >= floor
}

// closeConn tears down the pooled connection, if any. Called on write
// failure, protocol-network mismatch, or generator deactivation.
func (p *peer) closeConn() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.connNetwork = ""
	}
}

func ema(current, sample, alpha float64) float64 {
	return current + alpha*(sample-current)
}
