package musig

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2mesh/internal/mcrypto"
	"github.com/klingon-exchange/musig2mesh/internal/merrors"
)

// Engine exposes exactly the stateful operations the state machine and
// coordinator invoke against a Session; it holds no state of its own.
type Engine struct{}

// NewEngine constructs a stateless MuSig2 engine.
func NewEngine() *Engine { return &Engine{} }

// GenerateNonces derives this signer's nonce pair for session. Calling it
// twice on the same session is a critical fault (ErrNonceReuse).
func (e *Engine) GenerateNonces(session *Session, myPrivKey *btcec.PrivateKey) (*mcrypto.PublicNoncePair, error) {
	if session.nonceGenerated {
		return nil, fmt.Errorf("%w: nonces already generated for session %s", merrors.ErrNonceReuse, session.SessionID)
	}

	sec, pub, err := mcrypto.GenNoncePair(rand.Reader, myPrivKey, session.Message[:], session.AggPubKey)
	if err != nil {
		return nil, err
	}

	session.mySecretNonces = sec
	session.myPublicNonce = pub
	session.nonceGenerated = true
	session.touch()

	return pub, nil
}

// ReceiveCommitment writes signerIndex's commitment slot. Rejects if
// already full.
func (e *Engine) ReceiveCommitment(session *Session, signerIndex int, commitment [32]byte) error {
	if _, exists := session.nonceCommitments[signerIndex]; exists {
		return fmt.Errorf("%w: commitment slot %d already filled", merrors.ErrProtocolViolation, signerIndex)
	}
	session.nonceCommitments[signerIndex] = commitment
	session.touch()
	return nil
}

// ReceiveNonce requires a commitment already present for signerIndex and
// that commit(R1_i, R2_i) matches it.
func (e *Engine) ReceiveNonce(session *Session, signerIndex int, pub *mcrypto.PublicNoncePair) error {
	commitment, ok := session.nonceCommitments[signerIndex]
	if !ok {
		return fmt.Errorf("%w: no commitment on file for signer %d", merrors.ErrProtocolViolation, signerIndex)
	}

	if !mcrypto.VerifyCommitment(pub, commitment) {
		return fmt.Errorf("%w: signer %d", merrors.ErrCommitMismatch, signerIndex)
	}

	if _, exists := session.publicNonces[signerIndex]; exists {
		return fmt.Errorf("%w: nonce slot %d already filled", merrors.ErrProtocolViolation, signerIndex)
	}

	session.publicNonces[signerIndex] = pub
	session.touch()
	return nil
}

// AllCommitmentsCollected reports whether every signer's commitment slot is
// full.
func (e *Engine) AllCommitmentsCollected(session *Session) bool {
	return len(session.nonceCommitments) == session.N()
}

// AllNoncesCollected reports whether every signer's public nonce slot is
// full, and if so aggregates them and derives b, the effective R, and the
// challenge e, caching all four on the session.
func (e *Engine) AllNoncesCollected(session *Session) (bool, error) {
	if len(session.publicNonces) != session.N() {
		return false, nil
	}

	ordered := make([]*mcrypto.PublicNoncePair, session.N())
	for i := 0; i < session.N(); i++ {
		pub, ok := session.publicNonces[i]
		if !ok {
			return false, nil
		}
		ordered[i] = pub
	}

	agg, err := mcrypto.NonceAgg(ordered)
	if err != nil {
		return false, err
	}
	session.aggregatedNonce = agg

	b := mcrypto.BCoeff(session.AggPubKey, agg, session.Message[:])
	session.b = b

	R, negated, err := mcrypto.EffectiveR(agg, b)
	if err != nil {
		return false, err
	}
	session.effectiveR = R
	session.nonceNegated = negated

	session.challenge = mcrypto.Challenge(R, session.AggPubKey, session.Message[:])

	return true, nil
}

// CreatePartialSignature requires the aggregated nonce (and thus b, R, e) to
// already be present.
func (e *Engine) CreatePartialSignature(session *Session, myPrivKey *btcec.PrivateKey) (*btcec.ModNScalar, error) {
	if session.aggregatedNonce == nil || session.challenge == nil {
		return nil, fmt.Errorf("%w: aggregated nonce not yet available", merrors.ErrProtocolViolation)
	}

	a := session.coeffs[session.MyIndex]
	s := mcrypto.PartialSign(session.mySecretNonces, myPrivKey, a, session.b, session.challenge, session.nonceNegated, session.keyNegated)

	session.myPartialSig = s
	session.partialSigs[session.MyIndex] = s
	session.touch()

	return s, nil
}

// ReceivePartialSignature verifies and records signerIndex's partial
// signature. Rejects with ErrPartialInvalid on verification failure.
func (e *Engine) ReceivePartialSignature(session *Session, signerIndex int, s *btcec.ModNScalar) error {
	if session.aggregatedNonce == nil || session.challenge == nil {
		return fmt.Errorf("%w: aggregated nonce not yet available", merrors.ErrProtocolViolation)
	}
	if _, exists := session.partialSigs[signerIndex]; exists {
		return fmt.Errorf("%w: partial signature slot %d already filled", merrors.ErrProtocolViolation, signerIndex)
	}

	pub, ok := session.publicNonces[signerIndex]
	if !ok {
		return fmt.Errorf("%w: no public nonce on file for signer %d", merrors.ErrProtocolViolation, signerIndex)
	}

	a := session.coeffs[signerIndex]
	X := session.Signers[signerIndex]

	if err := mcrypto.PartialVerify(s, pub, X, a, session.b, session.challenge, session.nonceNegated, session.keyNegated); err != nil {
		return fmt.Errorf("%w: signer %d", merrors.ErrPartialInvalid, signerIndex)
	}

	session.partialSigs[signerIndex] = s
	session.touch()
	return nil
}

// AllPartialsCollected reports whether every signer's partial signature
// slot is full.
func (e *Engine) AllPartialsCollected(session *Session) bool {
	return len(session.partialSigs) == session.N()
}

// GetFinalSignature requires all partial slots to be filled; computes and
// verifies the final signature and caches it on the session.
func (e *Engine) GetFinalSignature(session *Session) (*mcrypto.FinalSignature, error) {
	if !e.AllPartialsCollected(session) {
		return nil, fmt.Errorf("%w: not all partial signatures collected", merrors.ErrProtocolViolation)
	}

	ordered := make([]*btcec.ModNScalar, session.N())
	for i := 0; i < session.N(); i++ {
		s, ok := session.partialSigs[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing partial signature for signer %d", merrors.ErrInternal, i)
		}
		ordered[i] = s
	}

	final, err := mcrypto.FinalAgg(ordered, session.effectiveR, session.AggPubKey, session.Message[:])
	if err != nil {
		return nil, fmt.Errorf("%w", merrors.ErrAggregateInvalid)
	}

	session.finalSignature = final
	return final, nil
}
