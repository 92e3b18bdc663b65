// Package wire defines the coordination layer's wire messages: a common
// envelope plus one typed payload per message kind, encoded as JSON and
// framed with a 4-byte big-endian length prefix over the overlay's
// direct-send channel.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies a wire message's payload shape.
type Type string

const (
	TypeSignerAdvertisement Type = "SIGNER_ADVERTISEMENT"
	TypeSigningRequest      Type = "SIGNING_REQUEST"
	TypeParticipantJoined   Type = "PARTICIPANT_JOINED"
	TypeSessionReady        Type = "SESSION_READY"
	TypeNonceCommitment     Type = "NONCE_COMMITMENT"
	TypeNonceShare          Type = "NONCE_SHARE"
	TypePartialSigShare     Type = "PARTIAL_SIG_SHARE"
	TypeSessionAbort        Type = "SESSION_ABORT"
	TypeSignerWithdrawal    Type = "SIGNER_WITHDRAWAL"
)

// Envelope is the common header carried by every wire message.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`
	Payload   json.RawMessage `json:"payload"`
}

// Wrap marshals payload and returns a complete Envelope with a fresh
// messageId and the current timestamp.
func Wrap(typ Type, sessionID, from string, payload interface{}) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      typ,
		SessionID: sessionID,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.New().String(),
		Payload:   body,
	}, nil
}

// Encode serializes the envelope to canonical JSON.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a canonical JSON envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// decodePayload unmarshals an envelope's payload into out, the same step
// every route case in the coordinator's dispatcher performs by hand against
// env.Payload directly.
func decodePayload(e *Envelope, out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}
