// Package guard implements per-session, per-signer sequence and replay
// admission checks: monotonic sequence tracking, bounded gap tolerance,
// and timestamp-skew rejection.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/musig2mesh/internal/merrors"
)

// Config holds the guard's tunable bounds.
type Config struct {
	MaxSequenceGap  uint64
	MaxTimestampSkew time.Duration
}

// DefaultConfig returns conservative bounds suitable for a healthy mesh.
func DefaultConfig() Config {
	return Config{
		MaxSequenceGap:   100,
		MaxTimestampSkew: 5 * time.Minute,
	}
}

type key struct {
	sessionID   string
	signerIndex int
}

// SequenceGuard tracks the last accepted sequence number per (session,
// signer) and admits or rejects incoming messages accordingly.
type SequenceGuard struct {
	cfg Config

	mu   sync.Mutex
	last map[key]uint64
}

// New constructs a SequenceGuard with the given config.
func New(cfg Config) *SequenceGuard {
	return &SequenceGuard{cfg: cfg, last: make(map[key]uint64)}
}

// Admit applies the sequence and timestamp admission rules to a message
// from signerIndex within sessionID carrying sequenceNumber and timestamp.
// phaseAdmits must already reflect whether the message type is valid in the
// session's current phase (the guard itself knows nothing about phases).
// The timestamp and sequence checks run first, so a replay of an
// already-accepted sequence number is reported as ErrReplayOrReorder even
// when the phase has since moved on; only a fresh sequence number that the
// phase does not admit yields ErrProtocolViolation.
func (g *SequenceGuard) Admit(sessionID string, signerIndex int, sequenceNumber uint64, timestamp time.Time, phaseAdmits bool) error {
	now := time.Now()
	skew := timestamp.Sub(now)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.cfg.MaxTimestampSkew {
		return fmt.Errorf("%w: timestamp skew %s exceeds %s", merrors.ErrValidation, skew, g.cfg.MaxTimestampSkew)
	}

	k := key{sessionID: sessionID, signerIndex: signerIndex}

	g.mu.Lock()
	defer g.mu.Unlock()

	last := g.last[k]
	if sequenceNumber <= last {
		return fmt.Errorf("%w: sequence %d not greater than last accepted %d", merrors.ErrReplayOrReorder, sequenceNumber, last)
	}
	if sequenceNumber-last > g.cfg.MaxSequenceGap {
		return fmt.Errorf("%w: sequence gap %d exceeds %d", merrors.ErrReplayOrReorder, sequenceNumber-last, g.cfg.MaxSequenceGap)
	}
	if !phaseAdmits {
		return fmt.Errorf("%w: message type not admissible in current phase", merrors.ErrProtocolViolation)
	}

	g.last[k] = sequenceNumber
	return nil
}

// LastAccepted returns the last accepted sequence number for (sessionID,
// signerIndex), or 0 if none has been accepted yet.
func (g *SequenceGuard) LastAccepted(sessionID string, signerIndex int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[key{sessionID: sessionID, signerIndex: signerIndex}]
}

// Forget drops all tracked state for a session, called once it reaches a
// terminal phase so the guard's memory is bounded by live sessions only.
func (g *SequenceGuard) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.last {
		if k.sessionID == sessionID {
			delete(g.last, k)
		}
	}
}
