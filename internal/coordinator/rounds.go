package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2mesh/internal/election"
	"github.com/klingon-exchange/musig2mesh/internal/mcrypto"
	"github.com/klingon-exchange/musig2mesh/internal/merrors"
	"github.com/klingon-exchange/musig2mesh/internal/musig"
	"github.com/klingon-exchange/musig2mesh/internal/wire"
)

// createSession builds a live Session plus its P2P bookkeeping and
// registers it under sessionID. It is idempotent: a second call for a
// sessionID already tracked is a no-op, since the same SESSION_READY
// completeness check may fire from more than one code path.
func (c *Coordinator) createSession(sessionID string, signers []*btcec.PublicKey, myIndex int, message [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sessions[sessionID]; exists {
		return nil
	}

	session, err := musig.NewSession(sessionID, signers, myIndex, message)
	if err != nil {
		return fmt.Errorf("coordinator: create session: %w", err)
	}

	coordIdx, err := election.Elect(c.cfg.ElectionMethod, sessionID, signers)
	if err != nil {
		return err
	}
	priority, err := election.PriorityList(c.cfg.ElectionMethod, sessionID, signers)
	if err != nil {
		return err
	}

	entry := &sessionEntry{
		session: session,
		p2p: &P2PMetadata{
			Participants:        map[int]string{myIndex: c.ovl.SelfID()},
			LastSequenceNumbers: make(map[int]uint64),
			CoordinatorIndex:    coordIdx,
			ElectionMethod:      c.cfg.ElectionMethod,
			Failover:            election.NewFailoverState(priority),
		},
		emitted: make(map[EventKind]bool),
	}
	entry.sm = musig.NewStateMachine(session, func(sc musig.StateChanged) {
		c.log.Debug("session state changed", "sessionId", sc.SessionID, "from", sc.From, "to", sc.To, "reason", sc.Reason)
	})

	c.sessions[sessionID] = entry
	return nil
}

// startRound1 runs nonce generation and publishes this signer's commitment.
// The reveal (NONCE_SHARE) is deferred until this node has observed every
// other signer's commitment, preserving commit-then-reveal ordering — which
// may already be true by the time this call finishes, if every other
// commitment raced in first, so it ends by checking readiness itself
// rather than waiting solely on a later handleNonceCommitment call.
func (c *Coordinator) startRound1(ctx context.Context, sessionID string) error {
	entry, err := c.lookupSession(sessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	if err := entry.sm.Transition(musig.PhaseNonceCommit, "round1 start"); err != nil {
		entry.session.Unlock()
		return err
	}
	pub, err := c.engine.GenerateNonces(entry.session, c.privKey)
	if err != nil {
		entry.session.Unlock()
		return err
	}
	commitment := mcrypto.Commit(pub)
	myIndex := entry.session.MyIndex
	if err := c.engine.ReceiveCommitment(entry.session, myIndex, commitment); err != nil {
		entry.session.Unlock()
		return err
	}
	seq := entry.nextSeq()
	entry.session.Unlock()

	msg := &wire.NonceCommitment{
		SessionID:      sessionID,
		SignerIndex:    myIndex,
		SequenceNumber: seq,
		Commitment:     hex.EncodeToString(commitment[:]),
	}
	if err := c.broadcastToSession(ctx, entry, wire.TypeNonceCommitment, msg); err != nil {
		return err
	}

	return c.revealNonceIfReady(ctx, sessionID)
}

// handleNonceCommitment admits and records an inbound NONCE_COMMITMENT. A
// commitment is admissible any time this node has not yet left the commit
// phase itself — it need not already be exactly at PhaseNonceCommit,
// since a remote signer's commitment may arrive before this node has
// called startRound1.
func (c *Coordinator) handleNonceCommitment(ctx context.Context, msg *wire.NonceCommitment, ts time.Time) error {
	entry, err := c.lookupSession(msg.SessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	phase := entry.session.Phase
	entry.session.Unlock()
	admissible := phase == musig.PhaseInit || phase == musig.PhaseNonceCommit
	if err := c.admitSequenced(entry, msg.SignerIndex, msg.SequenceNumber, ts, admissible); err != nil {
		return err
	}

	var commitment [32]byte
	raw, err := hex.DecodeString(msg.Commitment)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: malformed commitment", merrors.ErrValidation)
	}
	copy(commitment[:], raw)

	entry.session.Lock()
	err = c.engine.ReceiveCommitment(entry.session, msg.SignerIndex, commitment)
	entry.session.Unlock()
	if err != nil {
		return err
	}

	return c.revealNonceIfReady(ctx, msg.SessionID)
}

// revealNonceIfReady transitions to the reveal phase and broadcasts this
// node's own nonce pair the first time every signer's commitment is on
// file, including this node's own. It is called both right after this
// node contributes its own commitment and every time a remote commitment
// arrives, since whichever one observes the completed set last is the one
// that must act — the phase guard makes every other call a no-op.
func (c *Coordinator) revealNonceIfReady(ctx context.Context, sessionID string) error {
	entry, err := c.lookupSession(sessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	if entry.session.Phase != musig.PhaseNonceCommit || !c.engine.AllCommitmentsCollected(entry.session) {
		entry.session.Unlock()
		return nil
	}
	if err := entry.sm.Transition(musig.PhaseNonceReveal, "all commitments collected"); err != nil {
		entry.session.Unlock()
		return err
	}
	pub := entry.session.MyPublicNonce()
	myIndex := entry.session.MyIndex
	seq := entry.nextSeq()
	if err := c.engine.ReceiveNonce(entry.session, myIndex, pub); err != nil {
		entry.session.Unlock()
		return err
	}
	entry.session.Unlock()

	share := &wire.NonceShare{
		SessionID:      sessionID,
		SignerIndex:    myIndex,
		SequenceNumber: seq,
		R1:             encodePubKey(pub.R1),
		R2:             encodePubKey(pub.R2),
	}
	if err := c.broadcastToSession(ctx, entry, wire.TypeNonceShare, share); err != nil {
		return err
	}

	return c.createPartialSigIfReady(ctx, sessionID)
}

// handleNonceShare admits and records an inbound NONCE_SHARE. Admissible
// any time this node has not yet left the reveal phase: a faster signer
// may reveal before this node has finished collecting every commitment of
// its own (spec section 8's out-of-order nonce-reveal scenario), in which
// case the nonce is simply buffered until this node's own reveal check
// later finds the full set.
func (c *Coordinator) handleNonceShare(ctx context.Context, msg *wire.NonceShare, ts time.Time) error {
	entry, err := c.lookupSession(msg.SessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	phase := entry.session.Phase
	entry.session.Unlock()
	admissible := phase == musig.PhaseNonceCommit || phase == musig.PhaseNonceReveal
	if err := c.admitSequenced(entry, msg.SignerIndex, msg.SequenceNumber, ts, admissible); err != nil {
		return err
	}

	r1, err := decodePubKey(msg.R1)
	if err != nil {
		return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
	}
	r2, err := decodePubKey(msg.R2)
	if err != nil {
		return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
	}
	pub := &mcrypto.PublicNoncePair{R1: r1, R2: r2}

	entry.session.Lock()
	err = c.engine.ReceiveNonce(entry.session, msg.SignerIndex, pub)
	entry.session.Unlock()
	if err != nil {
		return err
	}

	return c.createPartialSigIfReady(ctx, msg.SessionID)
}

// createPartialSigIfReady transitions to the signing phase and broadcasts
// this node's partial signature the first time every signer's public
// nonce is on file, including this node's own. Mirrors
// revealNonceIfReady: called from both the nonce-revealing and
// nonce-receiving paths, a no-op everywhere but the one call that
// observes completeness while still in PhaseNonceReveal.
func (c *Coordinator) createPartialSigIfReady(ctx context.Context, sessionID string) error {
	entry, err := c.lookupSession(sessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	if entry.session.Phase != musig.PhaseNonceReveal {
		entry.session.Unlock()
		return nil
	}
	allDone, err := c.engine.AllNoncesCollected(entry.session)
	if err != nil {
		entry.session.Unlock()
		return err
	}
	if !allDone {
		entry.session.Unlock()
		return nil
	}
	if err := entry.sm.Transition(musig.PhasePartialSig, "all nonces collected"); err != nil {
		entry.session.Unlock()
		return err
	}
	s, err := c.engine.CreatePartialSignature(entry.session, c.privKey)
	myIndex := entry.session.MyIndex
	seq := entry.nextSeq()
	entry.session.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.emitOnce(entry, EventSessionNoncesComplete, nil)
	c.mu.Unlock()

	share := &wire.PartialSigShare{
		SessionID:      sessionID,
		SignerIndex:    myIndex,
		SequenceNumber: seq,
		S:              encodeScalar(s),
	}
	if err := c.broadcastToSession(ctx, entry, wire.TypePartialSigShare, share); err != nil {
		return err
	}

	return c.completeSessionIfReady(ctx, sessionID)
}

// handlePartialSigShare admits and verifies an inbound PARTIAL_SIG_SHARE.
// Admissible any time this node has not yet left the partial-signature
// phase, for the same reordering reason as handleNonceShare.
func (c *Coordinator) handlePartialSigShare(ctx context.Context, msg *wire.PartialSigShare, ts time.Time) error {
	entry, err := c.lookupSession(msg.SessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	phase := entry.session.Phase
	entry.session.Unlock()
	admissible := phase == musig.PhaseNonceReveal || phase == musig.PhasePartialSig
	if err := c.admitSequenced(entry, msg.SignerIndex, msg.SequenceNumber, ts, admissible); err != nil {
		return err
	}

	s, err := decodeScalar(msg.S)
	if err != nil {
		return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
	}

	entry.session.Lock()
	if entry.session.Phase == musig.PhaseNonceReveal {
		// A faster signer's share can arrive before this node's own
		// createPartialSigIfReady has aggregated the nonces; aggregate here
		// (a no-op until every nonce is on file) so the share can be verified.
		if _, aerr := c.engine.AllNoncesCollected(entry.session); aerr != nil {
			entry.session.Unlock()
			return aerr
		}
	}
	err = c.engine.ReceivePartialSignature(entry.session, msg.SignerIndex, s)
	entry.session.Unlock()
	if err != nil {
		return err
	}

	return c.completeSessionIfReady(ctx, msg.SessionID)
}

// completeSessionIfReady finalizes and verifies the aggregate signature
// the first time every signer's partial share is on file, including this
// node's own, runs the state machine's terminal transition, and — if this
// node is the elected coordinator — emits SHOULD_BROADCAST so the
// application layer knows to publish the final signature. Mirrors
// revealNonceIfReady/createPartialSigIfReady: safe to call from either the
// partial-sig-creating or partial-sig-receiving path, in any order.
func (c *Coordinator) completeSessionIfReady(ctx context.Context, sessionID string) error {
	entry, err := c.lookupSession(sessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	if entry.session.Phase != musig.PhasePartialSig || !c.engine.AllPartialsCollected(entry.session) {
		entry.session.Unlock()
		return nil
	}
	final, err := c.engine.GetFinalSignature(entry.session)
	if err == nil {
		err = entry.sm.Transition(musig.PhaseComplete, "all partial signatures collected and verified")
	}
	coordIdx := entry.p2p.CoordinatorIndex
	myIndex := entry.session.MyIndex
	entry.session.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.emitOnce(entry, EventSessionComplete, final)
	c.mu.Unlock()

	if coordIdx == myIndex {
		c.mu.Lock()
		c.emitOnce(entry, EventShouldBroadcast, final)
		c.mu.Unlock()
	}

	c.guard.Forget(sessionID)
	return nil
}

// GetFinalSignature returns sessionID's completed signature. It requires
// the session to have already reached PhaseComplete.
func (c *Coordinator) GetFinalSignature(sessionID string) (*mcrypto.FinalSignature, error) {
	entry, err := c.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}

	entry.session.Lock()
	defer entry.session.Unlock()

	if entry.session.Phase != musig.PhaseComplete {
		return nil, fmt.Errorf("%w: session %s has not reached COMPLETE", merrors.ErrProtocolViolation, sessionID)
	}
	final := entry.session.FinalSignature()
	if final == nil {
		return nil, fmt.Errorf("%w: session %s has no cached final signature", merrors.ErrInternal, sessionID)
	}
	return final, nil
}

// TriggerFailover advances sessionID's broadcast responsibility to the next
// backup in its priority list. The coordination layer runs no broadcast-
// deadline timer of its own (spec section 4.5): this is the caller's
// explicit signal that it observed no broadcast confirmation within its
// own timeout. Calling it repeatedly advances at most one step per call;
// once the priority list is exhausted, every further call returns nil
// without walking past the list's end, and FAILOVER_EXHAUSTED is emitted
// only the first time.
func (c *Coordinator) TriggerFailover(sessionID string) error {
	if !c.cfg.EnableFailover {
		return fmt.Errorf("%w: failover is disabled", merrors.ErrProtocolViolation)
	}

	entry, err := c.lookupSession(sessionID)
	if err != nil {
		return err
	}

	entry.session.Lock()
	phase := entry.session.Phase
	entry.session.Unlock()
	if phase != musig.PhaseComplete {
		return fmt.Errorf("%w: session %s has not reached COMPLETE", merrors.ErrProtocolViolation, sessionID)
	}

	c.mu.Lock()
	next, exhausted, ferr := entry.p2p.Failover.Trigger()
	if ferr == nil {
		entry.p2p.CoordinatorIndex = next
	}
	c.mu.Unlock()
	if ferr != nil {
		return ferr
	}

	if exhausted {
		c.mu.Lock()
		c.emitOnce(entry, EventFailoverExhausted, next)
		c.mu.Unlock()
		return nil
	}

	// Every genuine failover step names a new broadcaster; unlike the
	// completion-time SHOULD_BROADCAST this is intentionally re-emitted on
	// each step rather than suppressed by emitOnce.
	c.emit(Event{Kind: EventShouldBroadcast, SessionID: sessionID, Data: next})
	return nil
}

// CloseSession force-aborts sessionID, broadcasts SESSION_ABORT, and
// releases its tracked state. Calling it more than once, or on a session
// already terminal, is a no-op.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID, reason string) error {
	c.mu.RLock()
	entry, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.session.Lock()
	alreadyTerminal := entry.session.Phase == musig.PhaseComplete || entry.session.Phase == musig.PhaseAborted
	if !alreadyTerminal {
		_ = entry.sm.Abort(reason)
	}
	entry.session.Unlock()
	if alreadyTerminal {
		return nil
	}

	c.mu.Lock()
	c.emitOnce(entry, EventSessionAborted, reason)
	c.mu.Unlock()

	abort := &wire.SessionAbort{SessionID: sessionID, Reason: reason}
	if err := c.broadcastToSession(ctx, entry, wire.TypeSessionAbort, abort); err != nil {
		c.log.Warn("failed to broadcast session abort", "sessionId", sessionID, "err", err)
	}

	c.guard.Forget(sessionID)
	return nil
}

// lookupSession returns the tracked sessionEntry for sessionID. Wrapped as
// a validation error rather than left bare: an inbound round message
// naming an unknown session is routine (arrived before this node's own
// SESSION_READY processing, or references an already-cleaned-up session)
// and should be dropped with a reputation strike, not treated as a
// protocol-breaking failure.
// lookupSession returns ErrValidation, not ErrProtocolViolation, for an
// unknown sessionID: there is no session here to abort either way, so this
// is a recoverable drop-and-strike rather than a force-abort.
func (c *Coordinator) lookupSession(sessionID string) (*sessionEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown session %s", merrors.ErrValidation, sessionID)
	}
	return entry, nil
}

// admitSequenced runs the sequence guard for an inbound session message,
// striking the sender's reputation and surfacing ErrPeerBlocked when it has
// exceeded MAX_INVALID_MESSAGES_PER_PEER.
func (c *Coordinator) admitSequenced(entry *sessionEntry, signerIndex int, seq uint64, ts time.Time, phaseAdmits bool) error {
	peerID, ok := entry.p2p.Participants[signerIndex]
	if ok && c.rep.IsBlocked(peerID) {
		return fmt.Errorf("%w: peer %s is blocked", merrors.ErrPeerBlocked, peerID)
	}

	if err := c.guard.Admit(entry.session.SessionID, signerIndex, seq, ts, phaseAdmits); err != nil {
		if ok {
			c.rep.Strike(peerID)
		}
		return err
	}
	return nil
}

// nextSeq returns this node's next outgoing sequence number for entry,
// starting at 1.
func (e *sessionEntry) nextSeq() uint64 {
	e.seq++
	return e.seq
}

// broadcastToSession direct-sends data to every known participant other
// than this node, a manual fan-out over point-to-point delivery rather
// than a pub/sub publish.
func (c *Coordinator) broadcastToSession(ctx context.Context, entry *sessionEntry, typ wire.Type, payload interface{}) error {
	c.mu.RLock()
	peers := make([]string, 0, len(entry.p2p.Participants))
	for _, p := range entry.p2p.Participants {
		peers = append(peers, p)
	}
	c.mu.RUnlock()

	body, err := encodeEnvelope(typ, entry.session.SessionID, c.ovl.SelfID(), payload)
	if err != nil {
		return err
	}

	var lastErr error
	for _, peerID := range peers {
		if peerID == c.ovl.SelfID() {
			continue
		}
		if err := c.ovl.SendToPeer(ctx, peerID, body); err != nil {
			lastErr = err
			c.log.Warn("failed to deliver message", "type", typ, "peer", peerID, "err", err)
		}
	}
	return lastErr
}
