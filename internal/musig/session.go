// Package musig implements the MuSig2 session object, its state machine,
// and the stateful engine operations that drive a single (signers,
// message) signing attempt through its two rounds.
package musig

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/musig2mesh/internal/mcrypto"
)

// ComputeSessionID derives the deterministic session identifier: tagged-
// SHA256("MuSig2/Session", sorted_pubkeys || message || creator_nonce).
// signers MUST already be canonically sorted.
func ComputeSessionID(signers []*btcec.PublicKey, message [32]byte, creatorNonce []byte) string {
	buf := make([]byte, 0, 32*len(signers)+32+len(creatorNonce))
	for _, pk := range signers {
		buf = append(buf, schnorr.SerializePubKey(pk)...)
	}
	buf = append(buf, message[:]...)
	buf = append(buf, creatorNonce...)

	h := chainhash.TaggedHash(mcrypto.TagSession, buf)
	return hex.EncodeToString(h[:])
}

// Phase is one of the Session's lifecycle states. The StateMachine is the
// sole writer of this field.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseNonceCommit
	PhaseNonceReveal
	PhasePartialSig
	PhaseComplete
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseNonceCommit:
		return "NONCE_COMMIT"
	case PhaseNonceReveal:
		return "NONCE_REVEAL"
	case PhasePartialSig:
		return "PARTIAL_SIG"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Session tracks one (ordered signer list, message) signing attempt. Every
// mutation of fields shared across rounds is serialized by the caller
// holding mu; phase itself is only ever assigned by the StateMachine built
// on top of this session.
type Session struct {
	mu sync.Mutex

	SessionID string
	Signers   []*btcec.PublicKey
	MyIndex   int
	Message   [32]byte

	AggPubKey *btcec.PublicKey
	coeffs    []*btcec.ModNScalar

	mySecretNonces *mcrypto.NoncePair
	myPublicNonce  *mcrypto.PublicNoncePair

	nonceCommitments map[int][32]byte
	publicNonces     map[int]*mcrypto.PublicNoncePair

	aggregatedNonce *mcrypto.PublicNoncePair
	b               *btcec.ModNScalar
	effectiveR      *btcec.PublicKey
	nonceNegated    bool
	keyNegated      bool
	challenge       *btcec.ModNScalar

	partialSigs map[int]*btcec.ModNScalar
	myPartialSig *btcec.ModNScalar

	finalSignature *mcrypto.FinalSignature

	Phase       Phase
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AbortReason string

	nonceGenerated bool
}

// NewSession constructs a Session in PhaseInit. signers MUST already be in
// canonical sorted order; duplicate keys are rejected by KeyAgg.
func NewSession(sessionID string, signers []*btcec.PublicKey, myIndex int, message [32]byte) (*Session, error) {
	aggPubKey, coeffs, err := mcrypto.KeyAgg(signers)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Session{
		SessionID:        sessionID,
		Signers:          signers,
		MyIndex:          myIndex,
		Message:          message,
		AggPubKey:        aggPubKey,
		coeffs:           coeffs,
		nonceCommitments: make(map[int][32]byte),
		publicNonces:     make(map[int]*mcrypto.PublicNoncePair),
		partialSigs:      make(map[int]*btcec.ModNScalar),
		Phase:            PhaseInit,
		CreatedAt:        now,
		UpdatedAt:        now,
		keyNegated:       mcrypto.HasOddY(aggPubKey),
	}, nil
}

// N returns the number of signers in the session.
func (s *Session) N() int {
	return len(s.Signers)
}

// Lock and Unlock expose the session's mutex to callers (the coordinator)
// that need to serialize a handler across the several engine operations it
// invokes, per the single-writer concurrency model.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// touch bumps UpdatedAt; callers hold s.mu.
func (s *Session) touch() {
	s.UpdatedAt = time.Now()
}

// MyPublicNonce returns this signer's own public nonce pair, or nil if
// GenerateNonces has not yet been called. Callers hold s.mu.
func (s *Session) MyPublicNonce() *mcrypto.PublicNoncePair {
	return s.myPublicNonce
}

// FinalSignature returns the completed signature, or nil if the session
// has not reached PhaseComplete.
func (s *Session) FinalSignature() *mcrypto.FinalSignature {
	return s.finalSignature
}

// Zero clears all secret material. Safe to call more than once.
func (s *Session) Zero() {
	if s.mySecretNonces != nil {
		s.mySecretNonces.Zero()
	}
}
