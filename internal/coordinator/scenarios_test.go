package coordinator

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2mesh/internal/election"
	"github.com/klingon-exchange/musig2mesh/internal/mcrypto"
	"github.com/klingon-exchange/musig2mesh/internal/merrors"
	"github.com/klingon-exchange/musig2mesh/internal/musig"
	"github.com/klingon-exchange/musig2mesh/internal/wire"
)

// TestTwoOfTwoHappyPath drives scenario S1. AnnounceSigningRequest recurses
// synchronously through the whole discovery/join/round1/round2 flow over
// the in-memory overlay, so by the time it returns both signers have
// already reached PhaseComplete with byte-identical final signatures, and
// exactly the lexicographically smallest key (index 0, the elected
// coordinator under the default Lexicographic method) has been told to
// broadcast.
func TestTwoOfTwoHappyPath(t *testing.T) {
	cfg := DefaultConfig()
	nodes, signers := newTestMesh(t, 2, cfg)
	message := testMessage("s1-two-of-two")

	reqID, err := nodes[0].c.AnnounceSigningRequest(context.Background(), signers, message, "", time.Minute)
	if err != nil {
		t.Fatalf("AnnounceSigningRequest: %v", err)
	}
	sessionID := musig.ComputeSessionID(signers, message, []byte(reqID))

	final0, err := nodes[0].c.GetFinalSignature(sessionID)
	if err != nil {
		t.Fatalf("node 0 GetFinalSignature: %v", err)
	}
	final1, err := nodes[1].c.GetFinalSignature(sessionID)
	if err != nil {
		t.Fatalf("node 1 GetFinalSignature: %v", err)
	}
	if final0.RX != final1.RX || final0.S != final1.S {
		t.Fatalf("final signatures diverge between signers: %x/%x vs %x/%x", final0.RX, final0.S, final1.RX, final1.S)
	}

	broadcasters := 0
	for i, node := range nodes {
		if evs := node.eventsOfKind(EventShouldBroadcast); len(evs) > 0 {
			broadcasters++
			if i != 0 {
				t.Fatalf("expected the lexicographically smallest key (index 0) to broadcast, got index %d", i)
			}
		}
	}
	if broadcasters != 1 {
		t.Fatalf("expected exactly one SHOULD_BROADCAST across the mesh, got %d", broadcasters)
	}

	for i, node := range nodes {
		if len(node.eventsOfKind(EventSessionComplete)) != 1 {
			t.Fatalf("node %d expected exactly one SESSION_COMPLETE event", i)
		}
		if len(node.eventsOfKind(EventSessionAborted)) != 0 {
			t.Fatalf("node %d observed a spurious SESSION_ABORTED", i)
		}
	}
}

// TestThreeOfThreeConverges drives scenario S2 with three signers. The
// MemoryOverlay's synchronous recursive delivery already interleaves each
// node's round-1 and round-2 message handling in ways that do not follow a
// strict per-signer lockstep; the *IfReady completion checks and the
// relaxed admissibility windows in handleNonceCommitment/handleNonceShare/
// handlePartialSigShare exist precisely so this still converges instead of
// stalling or spuriously aborting.
func TestThreeOfThreeConverges(t *testing.T) {
	cfg := DefaultConfig()
	nodes, signers := newTestMesh(t, 3, cfg)
	message := testMessage("s2-three-of-three")

	reqID, err := nodes[1].c.AnnounceSigningRequest(context.Background(), signers, message, "", time.Minute)
	if err != nil {
		t.Fatalf("AnnounceSigningRequest: %v", err)
	}
	sessionID := musig.ComputeSessionID(signers, message, []byte(reqID))

	var finals [][32]byte
	for i, node := range nodes {
		final, err := node.c.GetFinalSignature(sessionID)
		if err != nil {
			t.Fatalf("node %d GetFinalSignature: %v", i, err)
		}
		finals = append(finals, final.S)
	}
	for i := 1; i < len(finals); i++ {
		if finals[i] != finals[0] {
			t.Fatalf("signer %d's final signature diverges from signer 0's", i)
		}
	}

	for i, node := range nodes {
		if len(node.eventsOfKind(EventSessionAborted)) != 0 {
			t.Fatalf("node %d observed a spurious SESSION_ABORTED", i)
		}
		if len(node.eventsOfKind(EventSessionError)) != 0 {
			t.Fatalf("node %d observed a spurious SESSION_ERROR", i)
		}
	}
}

// fakeNoncePair fabricates a syntactically valid, unrelated public nonce
// pair and its binding commitment, standing in for a remote signer's
// round-1 contribution without needing a second live session to generate
// one.
func fakeNoncePair(t *testing.T) (*mcrypto.PublicNoncePair, [32]byte) {
	t.Helper()
	k1, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate R1: %v", err)
	}
	k2, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate R2: %v", err)
	}
	pub := &mcrypto.PublicNoncePair{R1: k1.PubKey(), R2: k2.PubKey()}
	return pub, mcrypto.Commit(pub)
}

func nonceCommitmentEnvelope(t *testing.T, from, sessionID string, signerIndex int, seq uint64, commitment [32]byte) []byte {
	t.Helper()
	body, err := encodeEnvelope(wire.TypeNonceCommitment, sessionID, from, &wire.NonceCommitment{
		SessionID:      sessionID,
		SignerIndex:    signerIndex,
		SequenceNumber: seq,
		Commitment:     hex.EncodeToString(commitment[:]),
	})
	if err != nil {
		t.Fatalf("encode NONCE_COMMITMENT: %v", err)
	}
	return body
}

func nonceShareEnvelope(t *testing.T, from, sessionID string, signerIndex int, seq uint64, pub *mcrypto.PublicNoncePair) []byte {
	t.Helper()
	body, err := encodeEnvelope(wire.TypeNonceShare, sessionID, from, &wire.NonceShare{
		SessionID:      sessionID,
		SignerIndex:    signerIndex,
		SequenceNumber: seq,
		R1:             encodePubKey(pub.R1),
		R2:             encodePubKey(pub.R2),
	})
	if err != nil {
		t.Fatalf("encode NONCE_SHARE: %v", err)
	}
	return body
}

// TestCommitmentMismatchAborts drives scenario S3. Signer 1's reveal
// carries a nonce pair that does not match the commitment it sent in
// round 1; ReceiveNonce catches the mismatch, the session aborts with
// CommitMismatch as the reason, and the impersonating peer's reputation is
// struck, per the dispatch propagation policy.
func TestCommitmentMismatchAborts(t *testing.T) {
	cfg := DefaultConfig()
	nodes, signers := newTestMesh(t, 2, cfg)
	node0 := nodes[0]
	message := testMessage("s3-commit-mismatch")
	sessionID := musig.ComputeSessionID(signers, message, []byte("s3-request"))
	attacker := "attacker-peer"

	if err := node0.c.createSession(sessionID, signers, 0, message); err != nil {
		t.Fatalf("createSession: %v", err)
	}
	if err := node0.c.startRound1(context.Background(), sessionID); err != nil {
		t.Fatalf("startRound1: %v", err)
	}

	committed, commitment := fakeNoncePair(t)
	node0.c.dispatch(context.Background(), attacker, nonceCommitmentEnvelope(t, attacker, sessionID, 1, 1, commitment))

	entry := node0.c.sessions[sessionID]
	entry.session.Lock()
	phase := entry.session.Phase
	entry.session.Unlock()
	if phase != musig.PhaseNonceReveal {
		t.Fatalf("expected the session to have moved to NONCE_REVEAL, got %s", phase)
	}

	forged, _ := fakeNoncePair(t)
	if forged.R1.IsEqual(committed.R1) && forged.R2.IsEqual(committed.R2) {
		t.Fatalf("forged nonce pair accidentally matched the committed one")
	}

	node0.c.dispatch(context.Background(), attacker, nonceShareEnvelope(t, attacker, sessionID, 1, 2, forged))

	entry.session.Lock()
	phase = entry.session.Phase
	reason := entry.session.AbortReason
	entry.session.Unlock()
	if phase != musig.PhaseAborted {
		t.Fatalf("expected the session to abort on commitment mismatch, got %s", phase)
	}
	if reason != "CommitMismatch" {
		t.Fatalf("expected abort reason CommitMismatch, got %q", reason)
	}

	aborted := node0.eventsOfKind(EventSessionAborted)
	if len(aborted) != 1 || aborted[0].Data != "CommitMismatch" {
		t.Fatalf("expected exactly one SESSION_ABORTED carrying CommitMismatch, got %v", aborted)
	}
	if rep := node0.c.rep.peers[attacker]; rep == nil || rep.invalidCount == 0 {
		t.Fatalf("expected the attacker's reputation to have been struck")
	}
}

// TestReplayedNonceShareDropped drives scenario S4. A NONCE_SHARE re-sent
// with a sequence number already accepted is rejected by the guard as a
// replay, dropped before it ever reaches the engine, and leaves the
// session's phase and event history untouched.
func TestReplayedNonceShareDropped(t *testing.T) {
	cfg := DefaultConfig()
	nodes, signers := newTestMesh(t, 2, cfg)
	node0 := nodes[0]
	message := testMessage("s4-replay")
	sessionID := musig.ComputeSessionID(signers, message, []byte("s4-request"))
	attacker := "attacker-peer"

	if err := node0.c.createSession(sessionID, signers, 0, message); err != nil {
		t.Fatalf("createSession: %v", err)
	}
	if err := node0.c.startRound1(context.Background(), sessionID); err != nil {
		t.Fatalf("startRound1: %v", err)
	}

	pub, commitment := fakeNoncePair(t)
	node0.c.dispatch(context.Background(), attacker, nonceCommitmentEnvelope(t, attacker, sessionID, 1, 1, commitment))
	node0.c.dispatch(context.Background(), attacker, nonceShareEnvelope(t, attacker, sessionID, 1, 2, pub))

	entry := node0.c.sessions[sessionID]
	entry.session.Lock()
	phaseBefore := entry.session.Phase
	entry.session.Unlock()
	if phaseBefore != musig.PhasePartialSig {
		t.Fatalf("expected the session to be parked in PARTIAL_SIG awaiting signer 1's share, got %s", phaseBefore)
	}
	eventsBefore := len(node0.events)

	node0.c.dispatch(context.Background(), attacker, nonceShareEnvelope(t, attacker, sessionID, 1, 2, pub))

	entry.session.Lock()
	phaseAfter := entry.session.Phase
	entry.session.Unlock()
	if phaseAfter != phaseBefore {
		t.Fatalf("a replayed message must not change session phase: before=%s after=%s", phaseBefore, phaseAfter)
	}
	if len(node0.events) != eventsBefore {
		t.Fatalf("a replayed message must not emit any new event")
	}
	if rep := node0.c.rep.peers[attacker]; rep == nil || rep.invalidCount == 0 {
		t.Fatalf("expected the replay to strike the attacker's reputation")
	}
}

// TestFailoverWalksPriorityListThenExhausts drives scenario S5. After a
// completed 3-of-3 session, repeated TriggerFailover calls advance the
// broadcast responsibility one step through the priority list per call,
// and FAILOVER_EXHAUSTED fires exactly once after the list runs out.
func TestFailoverWalksPriorityListThenExhausts(t *testing.T) {
	cfg := DefaultConfig()
	nodes, signers := newTestMesh(t, 3, cfg)
	node0 := nodes[0]
	message := testMessage("s5-failover")

	reqID, err := node0.c.AnnounceSigningRequest(context.Background(), signers, message, "", time.Minute)
	if err != nil {
		t.Fatalf("AnnounceSigningRequest: %v", err)
	}
	sessionID := musig.ComputeSessionID(signers, message, []byte(reqID))

	priority, err := election.PriorityList(cfg.ElectionMethod, sessionID, signers)
	if err != nil {
		t.Fatalf("PriorityList: %v", err)
	}
	if len(priority) != 3 {
		t.Fatalf("expected a priority list of length 3, got %d", len(priority))
	}

	for step := 1; step < len(priority); step++ {
		if err := node0.c.TriggerFailover(sessionID); err != nil {
			t.Fatalf("TriggerFailover step %d: %v", step, err)
		}
		if exhausted := len(node0.eventsOfKind(EventFailoverExhausted)); exhausted != 0 {
			t.Fatalf("did not expect FAILOVER_EXHAUSTED before the priority list is exhausted (step %d)", step)
		}
	}

	if err := node0.c.TriggerFailover(sessionID); err != nil {
		t.Fatalf("final TriggerFailover: %v", err)
	}
	if exhausted := len(node0.eventsOfKind(EventFailoverExhausted)); exhausted != 1 {
		t.Fatalf("expected FAILOVER_EXHAUSTED to fire exactly once, got %d", exhausted)
	}

	if err := node0.c.TriggerFailover(sessionID); err != nil {
		t.Fatalf("TriggerFailover after exhaustion: %v", err)
	}
	if exhausted := len(node0.eventsOfKind(EventFailoverExhausted)); exhausted != 1 {
		t.Fatalf("FAILOVER_EXHAUSTED must not re-fire once already emitted, got %d", exhausted)
	}
}

// TestStuckSessionCleanup drives scenario S6. A peer that never answers
// leaves a session parked mid-protocol; once it has been idle past
// StuckTimeout, the periodic sweep force-aborts it even though
// SessionTimeout has not elapsed, and emits SESSION_ABORTED.
func TestStuckSessionCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StuckTimeout = 10 * time.Millisecond
	nodes, signers := newTestMesh(t, 2, cfg)
	node0 := nodes[0]
	message := testMessage("s6-stuck")

	sessionID := musig.ComputeSessionID(signers, message, []byte("s6-request"))
	if err := node0.c.createSession(sessionID, signers, 0, message); err != nil {
		t.Fatalf("createSession: %v", err)
	}

	entry := node0.c.sessions[sessionID]
	entry.p2p.Participants[1] = "ghost-peer-never-responds"

	// startRound1 fails to deliver to the ghost peer and returns early, but
	// not before transitioning the session past PhaseInit.
	_ = node0.c.startRound1(context.Background(), sessionID)

	entry.session.Lock()
	phase := entry.session.Phase
	entry.session.UpdatedAt = time.Now().Add(-cfg.StuckTimeout * 10)
	entry.session.Unlock()
	if phase == musig.PhaseInit || phase == musig.PhaseComplete || phase == musig.PhaseAborted {
		t.Fatalf("expected the session to be parked mid-protocol, got %s", phase)
	}

	node0.c.sweepSessions()

	entry.session.Lock()
	finalPhase := entry.session.Phase
	entry.session.Unlock()
	if finalPhase != musig.PhaseAborted {
		t.Fatalf("expected the cleanup sweep to abort the stuck session, got %s", finalPhase)
	}

	aborted := node0.eventsOfKind(EventSessionAborted)
	if len(aborted) != 1 {
		t.Fatalf("expected exactly one SESSION_ABORTED, got %d", len(aborted))
	}
	if reason, _ := aborted[0].Data.(string); reason != merrors.Kind(merrors.ErrTimeout) {
		t.Fatalf("expected SESSION_ABORTED reason %q, got %q", merrors.Kind(merrors.ErrTimeout), reason)
	}
}
