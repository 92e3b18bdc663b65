package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/klingon-exchange/musig2mesh/internal/mcrypto"
	"github.com/klingon-exchange/musig2mesh/internal/musig"
	"github.com/klingon-exchange/musig2mesh/internal/wire"
)

const (
	requestsTopic        = "requests"
	defaultRequestTTL    = 10 * time.Minute
	participantJoinedTag = "PARTICIPANT_JOINED"
)

func requestDHTKey(requestID, pubHex string) string {
	return fmt.Sprintf("musig2:request:%s:%s", requestID, pubHex)
}

// AnnounceSigningRequest creates, signs, and publishes a SigningRequest
// recruiting the holders of requiredPublicKeys, returning the requestId.
// requiredPublicKeys is canonically sorted before use, and that same order
// fixes each participant's index for the rest of the protocol.
func (c *Coordinator) AnnounceSigningRequest(ctx context.Context, requiredPublicKeys []*btcec.PublicKey, message [32]byte, metadata string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultRequestTTL
	}
	sorted := mcrypto.CanonicalSort(requiredPublicKeys)

	myIndex := indexOfPubKey(sorted, c.pubKey)
	if myIndex < 0 {
		return "", fmt.Errorf("coordinator: this node's key is not among requiredPublicKeys")
	}

	requiredHex := make([]string, len(sorted))
	for i, pk := range sorted {
		requiredHex[i] = encodePubKey(pk)
	}

	now := time.Now()
	req := &wire.SigningRequest{
		RequestID:          uuid.New().String(),
		RequiredPublicKeys: requiredHex,
		Message:            hex.EncodeToString(message[:]),
		CreatorPeerID:      c.ovl.SelfID(),
		CreatorPublicKey:   encodePubKey(c.pubKey),
		CreatedAt:          now.UnixMilli(),
		ExpiresAt:          now.Add(ttl).UnixMilli(),
		Metadata:           metadata,
	}

	sig, err := signDigest(c.privKey, signingRequestDigest(req))
	if err != nil {
		return "", err
	}
	req.CreatorSignature = sig

	c.mu.Lock()
	c.requests[req.RequestID] = &pendingRequest{
		request:      req,
		requiredKeys: sorted,
		participants: map[int]string{myIndex: c.ovl.SelfID()},
		joined:       map[int]bool{myIndex: true},
	}
	c.mu.Unlock()

	for _, pk := range requiredHex {
		body, err := encodeEnvelope(wire.TypeSigningRequest, "", c.ovl.SelfID(), req)
		if err != nil {
			return "", err
		}
		if err := c.ovl.Put(ctx, requestDHTKey(req.RequestID, pk), body, ttl); err != nil {
			c.log.Warn("failed to store signing request in DHT", "requestId", req.RequestID, "err", err)
		}
	}

	if err := c.publishEnvelope(ctx, requestsTopic, wire.TypeSigningRequest, "", req); err != nil {
		return "", err
	}

	return req.RequestID, nil
}

// handleSigningRequest processes an inbound SIGNING_REQUEST: verifies the
// creator's signature, and if this node's key is among the required
// signers and it has not already seen this request, registers it and joins.
func (c *Coordinator) handleSigningRequest(ctx context.Context, req *wire.SigningRequest) error {
	if err := verifyDigest(req.CreatorPublicKey, signingRequestDigest(req), req.CreatorSignature); err != nil {
		return fmt.Errorf("coordinator: signing request signature: %w", err)
	}
	if time.Now().UnixMilli() > req.ExpiresAt {
		return fmt.Errorf("coordinator: signing request %s expired", req.RequestID)
	}

	sorted := make([]*btcec.PublicKey, len(req.RequiredPublicKeys))
	for i, h := range req.RequiredPublicKeys {
		pk, err := decodePubKey(h)
		if err != nil {
			return err
		}
		sorted[i] = pk
	}

	myIndex := indexOfPubKey(sorted, c.pubKey)
	if myIndex < 0 {
		// This node is not a required participant; nothing to do.
		return nil
	}

	c.mu.Lock()
	_, exists := c.requests[req.RequestID]
	if !exists {
		c.requests[req.RequestID] = &pendingRequest{
			request:      req,
			requiredKeys: sorted,
			participants: map[int]string{req0Creator(req, sorted): req.CreatorPeerID},
			joined:       map[int]bool{req0Creator(req, sorted): true},
		}
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventSigningRequestReceived, Data: req})

	return c.joinSigningRequest(ctx, req.RequestID)
}

// req0Creator returns the creator's own participant index within sorted,
// used to seed a freshly observed pendingRequest's joined set with the
// creator (who implicitly participates by originating the request).
func req0Creator(req *wire.SigningRequest, sorted []*btcec.PublicKey) int {
	pk, err := decodePubKey(req.CreatorPublicKey)
	if err != nil {
		return 0
	}
	idx := indexOfPubKey(sorted, pk)
	if idx < 0 {
		return 0
	}
	return idx
}

// joinSigningRequest marks this node as joined in requestID's pending
// request and broadcasts a signed PARTICIPANT_JOINED to every participant
// already known.
func (c *Coordinator) joinSigningRequest(ctx context.Context, requestID string) error {
	c.mu.RLock()
	pr, ok := c.requests[requestID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown signing request %s", requestID)
	}

	pr.mu.Lock()
	myIndex := indexOfPubKey(pr.requiredKeys, c.pubKey)
	if myIndex < 0 {
		pr.mu.Unlock()
		return fmt.Errorf("coordinator: not a required participant for %s", requestID)
	}
	alreadyJoined := pr.joined[myIndex]
	if !alreadyJoined {
		pr.joined[myIndex] = true
		pr.participants[myIndex] = c.ovl.SelfID()
	}
	peers := make([]string, 0, len(pr.participants))
	for _, p := range pr.participants {
		peers = append(peers, p)
	}
	pr.mu.Unlock()
	if alreadyJoined {
		return nil
	}

	msg := &wire.ParticipantJoined{
		RequestID:            requestID,
		ParticipantIndex:     myIndex,
		ParticipantPeerID:    c.ovl.SelfID(),
		ParticipantPublicKey: encodePubKey(c.pubKey),
	}
	sig, err := signDigest(c.privKey, participantJoinedDigest(msg))
	if err != nil {
		return err
	}
	msg.Signature = sig

	for _, peerID := range peers {
		if peerID == c.ovl.SelfID() {
			continue
		}
		body, err := encodeEnvelope(wire.TypeParticipantJoined, "", c.ovl.SelfID(), msg)
		if err != nil {
			return err
		}
		if err := c.ovl.SendToPeer(ctx, peerID, body); err != nil {
			c.log.Warn("failed to deliver PARTICIPANT_JOINED", "peer", peerID, "err", err)
		}
	}

	return c.checkRequestComplete(ctx, requestID)
}

// handleParticipantJoined records an inbound PARTICIPANT_JOINED. A
// duplicate participant index is ignored (first-write-wins).
func (c *Coordinator) handleParticipantJoined(ctx context.Context, msg *wire.ParticipantJoined) error {
	if err := verifyDigest(msg.ParticipantPublicKey, participantJoinedDigest(msg), msg.Signature); err != nil {
		return fmt.Errorf("coordinator: participant joined signature: %w", err)
	}

	c.mu.RLock()
	pr, ok := c.requests[msg.RequestID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown signing request %s", msg.RequestID)
	}

	pr.mu.Lock()
	if pr.joined[msg.ParticipantIndex] {
		pr.mu.Unlock()
		return nil
	}
	pr.joined[msg.ParticipantIndex] = true
	pr.participants[msg.ParticipantIndex] = msg.ParticipantPeerID
	pr.mu.Unlock()

	c.emit(Event{Kind: EventParticipantJoined, Data: msg})

	return c.checkRequestComplete(ctx, msg.RequestID)
}

// handleSessionReady merges the sender's participant snapshot into this
// node's pendingRequest before re-checking completeness. A non-creator
// participant only ever directly observes its own PARTICIPANT_JOINED
// exchange with the creator (every other join converges at the creator
// first, per joinSigningRequest); without this merge it would never see
// len(joined) reach n and would never create its own Session.
func (c *Coordinator) handleSessionReady(ctx context.Context, msg *wire.SessionReady) error {
	c.mu.RLock()
	pr, ok := c.requests[msg.RequestID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	pr.mu.Lock()
	for idx, peerID := range msg.Participants {
		pr.joined[idx] = true
		pr.participants[idx] = peerID
	}
	pr.mu.Unlock()

	return c.checkRequestComplete(ctx, msg.RequestID)
}

// checkRequestComplete triggers session creation exactly when the n-th
// PARTICIPANT_JOINED is accepted, never before, and exactly once per
// request.
func (c *Coordinator) checkRequestComplete(ctx context.Context, requestID string) error {
	c.mu.RLock()
	pr, ok := c.requests[requestID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	pr.mu.Lock()
	n := len(pr.requiredKeys)
	complete := len(pr.joined) == n && !pr.fired
	if complete {
		pr.fired = true
	}
	myIndex := indexOfPubKey(pr.requiredKeys, c.pubKey)
	signers := pr.requiredKeys
	requestIDCopy := pr.request.RequestID
	messageHex := pr.request.Message
	pr.mu.Unlock()

	if !complete || myIndex < 0 {
		return nil
	}

	messageBytes, err := hex.DecodeString(messageHex)
	if err != nil || len(messageBytes) != 32 {
		return fmt.Errorf("coordinator: signing request %s carries an invalid message digest", requestID)
	}
	var message [32]byte
	copy(message[:], messageBytes)

	sessionID := musig.ComputeSessionID(signers, message, []byte(requestIDCopy))

	if err := c.createSession(sessionID, signers, myIndex, message); err != nil {
		return err
	}

	ready := &wire.SessionReady{
		RequestID:        requestIDCopy,
		SessionID:        sessionID,
		ParticipantIndex: myIndex,
		Participants:     clonePeerMap(pr.participants),
	}

	c.mu.RLock()
	entry := c.sessions[sessionID]
	c.mu.RUnlock()
	if entry != nil {
		c.mu.Lock()
		entry.p2p.Participants = clonePeerMap(pr.participants)
		c.mu.Unlock()

		for _, peerID := range entry.p2p.Participants {
			if peerID == c.ovl.SelfID() {
				continue
			}
			body, err := encodeEnvelope(wire.TypeSessionReady, sessionID, c.ovl.SelfID(), ready)
			if err != nil {
				continue
			}
			_ = c.ovl.SendToPeer(ctx, peerID, body)
		}
	}

	c.mu.Lock()
	if entry, ok := c.sessions[sessionID]; ok {
		c.emitOnce(entry, EventSessionReady, ready)
	}
	c.mu.Unlock()

	return c.startRound1(ctx, sessionID)
}

func clonePeerMap(m map[int]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func indexOfPubKey(signers []*btcec.PublicKey, target *btcec.PublicKey) int {
	targetHex := encodePubKey(target)
	for i, pk := range signers {
		if encodePubKey(pk) == targetHex {
			return i
		}
	}
	return -1
}

// signingRequestDigest computes sha256(requestId || message ||
// concat(requiredPublicKeys) || n), matching the creatorSignature formula
// required elsewhere in this codebase. creatorPublicKey and metadata are
// not part of the signed digest; creatorPublicKey is instead the key this
// digest gets verified against, and metadata travels unauthenticated.
func signingRequestDigest(req *wire.SigningRequest) [32]byte {
	parts := make([][]byte, 0, len(req.RequiredPublicKeys)+3)
	parts = append(parts, []byte(req.RequestID), []byte(req.Message))
	for _, k := range req.RequiredPublicKeys {
		parts = append(parts, []byte(k))
	}
	parts = append(parts, int64Bytes(int64(len(req.RequiredPublicKeys))))
	return sha256Concat(parts...)
}

func participantJoinedDigest(msg *wire.ParticipantJoined) [32]byte {
	return sha256Concat(
		[]byte(msg.RequestID),
		[]byte{byte(msg.ParticipantIndex)},
		[]byte(msg.ParticipantPeerID),
		[]byte(msg.ParticipantPublicKey),
	)
}

func encodeEnvelope(typ wire.Type, sessionID, from string, payload interface{}) ([]byte, error) {
	env, err := wire.Wrap(typ, sessionID, from, payload)
	if err != nil {
		return nil, err
	}
	return wire.Encode(env)
}

func (c *Coordinator) publishEnvelope(ctx context.Context, topic string, typ wire.Type, sessionID string, payload interface{}) error {
	body, err := encodeEnvelope(typ, sessionID, c.ovl.SelfID(), payload)
	if err != nil {
		return err
	}
	return c.ovl.Publish(ctx, topic, body)
}
