package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/musig2mesh/internal/merrors"
	"github.com/klingon-exchange/musig2mesh/internal/wire"
)

// registerOverlayHandlers wires the coordinator's inbound-message handling
// to the overlay: one direct-message handler routing every signing-round
// and request-lifecycle message type, plus a subscription to the shared
// requests topic.
func (c *Coordinator) registerOverlayHandlers() error {
	c.ovl.OnDirectMessage(func(ctx context.Context, from string, data []byte) {
		c.dispatch(ctx, from, data)
	})

	if _, err := c.ovl.Subscribe(c.ctx, requestsTopic, func(ctx context.Context, from string, data []byte) {
		c.dispatch(ctx, from, data)
	}); err != nil {
		return fmt.Errorf("coordinator: subscribe to requests topic: %w", err)
	}

	return nil
}

// SubscribeSignerCriteria joins the pub/sub topic SignerAdvertisements for
// criteria are published on, caching every valid one it observes so a
// later FindAvailableSigners call can return it.
func (c *Coordinator) SubscribeSignerCriteria(ctx context.Context, criteria string) (func(), error) {
	return c.ovl.Subscribe(ctx, topicForCriteria(criteria), func(ctx context.Context, from string, data []byte) {
		c.dispatch(ctx, from, data)
	})
}

// dispatch decodes one inbound envelope and routes it by type. Recoverable
// errors (ReplayOrReorder, ValidationError, PeerBlocked) drop the message
// and strike the sender's reputation without touching the session.
// Protocol-level errors (ProtocolViolation, CommitMismatch, PartialInvalid,
// AggregateInvalid, NonceReuse) abort the session with that code as
// abortReason, per the propagation policy. Either way, nothing here
// propagates to the overlay's own goroutines.
func (c *Coordinator) dispatch(ctx context.Context, from string, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		c.log.Warn("failed to decode envelope", "from", from, "err", err)
		return
	}
	ts := time.UnixMilli(env.Timestamp)

	if err := c.route(ctx, env, ts); err != nil {
		if merrors.Recoverable(err) {
			c.log.Debug("dropping message", "type", env.Type, "from", from, "err", err)
			if !c.rep.IsBlocked(from) {
				c.rep.Strike(from)
			}
			return
		}

		c.log.Warn("message handling failed", "type", env.Type, "from", from, "err", err)
		c.emit(Event{Kind: EventSessionError, SessionID: env.SessionID, Data: err.Error()})

		if env.SessionID == "" {
			return
		}
		kind := merrors.Kind(err)
		if kind == "" {
			kind = "Internal"
		}
		if !c.rep.IsBlocked(from) {
			c.rep.Strike(from)
		}
		if cerr := c.CloseSession(ctx, env.SessionID, kind); cerr != nil {
			c.log.Warn("failed to abort session after protocol error", "sessionId", env.SessionID, "err", cerr)
		}
	}
}

func (c *Coordinator) route(ctx context.Context, env *wire.Envelope, ts time.Time) error {
	switch env.Type {
	case wire.TypeSignerAdvertisement:
		var ad wire.SignerAdvertisement
		if err := json.Unmarshal(env.Payload, &ad); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handleSignerAdvertisement(&ad)

	case wire.TypeSigningRequest:
		var req wire.SigningRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handleSigningRequest(ctx, &req)

	case wire.TypeParticipantJoined:
		var msg wire.ParticipantJoined
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handleParticipantJoined(ctx, &msg)

	case wire.TypeSessionReady:
		var msg wire.SessionReady
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handleSessionReady(ctx, &msg)

	case wire.TypeNonceCommitment:
		var msg wire.NonceCommitment
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handleNonceCommitment(ctx, &msg, ts)

	case wire.TypeNonceShare:
		var msg wire.NonceShare
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handleNonceShare(ctx, &msg, ts)

	case wire.TypePartialSigShare:
		var msg wire.PartialSigShare
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handlePartialSigShare(ctx, &msg, ts)

	case wire.TypeSessionAbort:
		var msg wire.SessionAbort
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.CloseSession(ctx, msg.SessionID, msg.Reason)

	case wire.TypeSignerWithdrawal:
		var msg wire.SignerWithdrawal
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
		}
		return c.handleSignerWithdrawal(&msg)

	default:
		return fmt.Errorf("%w: unknown message type %q", merrors.ErrValidation, env.Type)
	}
}

// handleSignerAdvertisement verifies and caches an inbound
// SignerAdvertisement observed over pub/sub, rejecting advertisers the
// registry does not permit.
func (c *Coordinator) handleSignerAdvertisement(ad *wire.SignerAdvertisement) error {
	if err := verifyDigest(ad.PublicKey, advertisementDigest(ad), ad.Signature); err != nil {
		return fmt.Errorf("%w: signer advertisement signature: %v", merrors.ErrValidation, err)
	}
	pk, err := decodePubKey(ad.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", merrors.ErrValidation, err)
	}
	if !c.reg.IsAllowed(pk.SerializeCompressed()) {
		return fmt.Errorf("%w: signer %s not permitted by registry", merrors.ErrValidation, ad.PublicKey)
	}
	if time.Now().UnixMilli() > ad.ExpiresAt {
		return nil
	}

	c.mu.Lock()
	c.adverts[ad.PublicKey] = ad
	c.mu.Unlock()

	c.emit(Event{Kind: EventSignerDiscovered, Data: ad})
	return nil
}
