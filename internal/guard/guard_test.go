package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/klingon-exchange/musig2mesh/internal/merrors"
)

func TestAdmitRejectsOutOfPhase(t *testing.T) {
	g := New(DefaultConfig())
	err := g.Admit("s1", 0, 1, time.Now(), false)
	if !errors.Is(err, merrors.ErrProtocolViolation) {
		t.Fatalf("got %v, want ErrProtocolViolation", err)
	}
}

func TestAdmitMonotonicSequence(t *testing.T) {
	g := New(DefaultConfig())
	now := time.Now()

	if err := g.Admit("s1", 0, 1, now, true); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := g.Admit("s1", 0, 2, now, true); err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if got := g.LastAccepted("s1", 0); got != 2 {
		t.Fatalf("LastAccepted = %d, want 2", got)
	}
}

func TestAdmitRejectsReplay(t *testing.T) {
	g := New(DefaultConfig())
	now := time.Now()

	if err := g.Admit("s1", 0, 5, now, true); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	err := g.Admit("s1", 0, 5, now, true)
	if !errors.Is(err, merrors.ErrReplayOrReorder) {
		t.Fatalf("replay of same sequence: got %v, want ErrReplayOrReorder", err)
	}
	err = g.Admit("s1", 0, 3, now, true)
	if !errors.Is(err, merrors.ErrReplayOrReorder) {
		t.Fatalf("earlier sequence: got %v, want ErrReplayOrReorder", err)
	}
}

func TestAdmitRejectsExcessiveGap(t *testing.T) {
	cfg := Config{MaxSequenceGap: 10, MaxTimestampSkew: 5 * time.Minute}
	g := New(cfg)
	now := time.Now()

	if err := g.Admit("s1", 0, 1, now, true); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	err := g.Admit("s1", 0, 1000, now, true)
	if !errors.Is(err, merrors.ErrReplayOrReorder) {
		t.Fatalf("gap too large: got %v, want ErrReplayOrReorder", err)
	}
}

func TestAdmitRejectsTimestampSkew(t *testing.T) {
	cfg := Config{MaxSequenceGap: 100, MaxTimestampSkew: time.Minute}
	g := New(cfg)

	stale := time.Now().Add(-time.Hour)
	err := g.Admit("s1", 0, 1, stale, true)
	if !errors.Is(err, merrors.ErrValidation) {
		t.Fatalf("stale timestamp: got %v, want ErrValidation", err)
	}

	future := time.Now().Add(time.Hour)
	err = g.Admit("s1", 0, 1, future, true)
	if !errors.Is(err, merrors.ErrValidation) {
		t.Fatalf("future timestamp: got %v, want ErrValidation", err)
	}
}

func TestAdmitIsolatesSessionsAndSigners(t *testing.T) {
	g := New(DefaultConfig())
	now := time.Now()

	if err := g.Admit("s1", 0, 5, now, true); err != nil {
		t.Fatalf("s1 signer0: %v", err)
	}
	if err := g.Admit("s1", 1, 1, now, true); err != nil {
		t.Fatalf("s1 signer1 should be independent of signer0: %v", err)
	}
	if err := g.Admit("s2", 0, 1, now, true); err != nil {
		t.Fatalf("s2 signer0 should be independent of s1: %v", err)
	}
}

func TestForgetClearsSessionState(t *testing.T) {
	g := New(DefaultConfig())
	now := time.Now()

	if err := g.Admit("s1", 0, 5, now, true); err != nil {
		t.Fatalf("admit: %v", err)
	}
	g.Forget("s1")
	if got := g.LastAccepted("s1", 0); got != 0 {
		t.Fatalf("LastAccepted after Forget = %d, want 0", got)
	}

	// Forgotten session's sequence counter restarts from zero.
	if err := g.Admit("s1", 0, 1, now, true); err != nil {
		t.Fatalf("admit after forget: %v", err)
	}
}
