package mcrypto

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/musig2mesh/pkg/helpers"
)

// NoncePair is a signer's secret nonce scalars (k1, k2). It MUST be cleared
// with Zero as soon as a session reaches a terminal phase.
type NoncePair struct {
	K1 btcec.ModNScalar
	K2 btcec.ModNScalar
}

// Zero overwrites both scalars, satisfying the Session invariant that
// mySecretNonces never outlives the session that generated it.
func (n *NoncePair) Zero() {
	n.K1.Zero()
	n.K2.Zero()
}

// PublicNoncePair is the public counterpart (R1, R2) = (k1*G, k2*G).
type PublicNoncePair struct {
	R1 *btcec.PublicKey
	R2 *btcec.PublicKey
}

// GenNoncePair derives a fresh secret/public nonce pair for one signer in
// one session. The derivation mixes the signer's secret key, the message,
// the aggregate public key, and a fresh random value from rng so that a
// failure of the RNG alone does not lead to nonce reuse, matching the
// "deterministic-plus-randomness" construction.
func GenNoncePair(rng io.Reader, privKey *btcec.PrivateKey, message []byte, aggPubKey *btcec.PublicKey) (*NoncePair, *PublicNoncePair, error) {
	extra := make([]byte, 32)
	if _, err := io.ReadFull(rng, extra); err != nil {
		return nil, nil, fmt.Errorf("%w: reading randomness: %v", ErrNoncePairGen, err)
	}

	k1, err := deriveNonceScalar(privKey, message, aggPubKey, extra, 0)
	if err != nil {
		return nil, nil, err
	}
	k2, err := deriveNonceScalar(privKey, message, aggPubKey, extra, 1)
	if err != nil {
		return nil, nil, err
	}

	var r1J, r2J btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k1, &r1J)
	btcec.ScalarBaseMultNonConst(k2, &r2J)
	r1J.ToAffine()
	r2J.ToAffine()

	sec := &NoncePair{K1: *k1, K2: *k2}
	pub := &PublicNoncePair{
		R1: btcec.NewPublicKey(&r1J.X, &r1J.Y),
		R2: btcec.NewPublicKey(&r2J.X, &r2J.Y),
	}
	return sec, pub, nil
}

// deriveNonceScalar derives the counter-th (0 or 1) nonce scalar for one
// GenNoncePair call. Rejection-sampled against zero, which has negligible
// probability but must never silently produce an invalid scalar.
func deriveNonceScalar(privKey *btcec.PrivateKey, message []byte, aggPubKey *btcec.PublicKey, extra []byte, counter byte) (*btcec.ModNScalar, error) {
	privBytes := privKey.Serialize()
	defer func() {
		for i := range privBytes {
			privBytes[i] = 0
		}
	}()

	buf := make([]byte, 0, 32+32+33+32+1)
	buf = append(buf, privBytes...)
	buf = append(buf, message...)
	buf = append(buf, aggPubKey.SerializeCompressed()...)
	buf = append(buf, extra...)
	buf = append(buf, counter)

	h := chainhash.TaggedHash([]byte("MuSig2/Nonce"), buf)

	var k btcec.ModNScalar
	overflow := k.SetByteSlice(h[:])
	if overflow || k.IsZero() {
		return nil, fmt.Errorf("%w: derived scalar is zero or overflowed", ErrNoncePairGen)
	}
	return &k, nil
}

// Commit computes the 32-byte binding commitment over a public nonce pair.
func Commit(pub *PublicNoncePair) [32]byte {
	buf := make([]byte, 0, 66)
	buf = append(buf, pub.R1.SerializeCompressed()...)
	buf = append(buf, pub.R2.SerializeCompressed()...)
	return chainhash.TaggedHash(TagNonceCommit, buf)
}

// VerifyCommitment reports whether pub hashes to the previously stored
// commitment.
func VerifyCommitment(pub *PublicNoncePair, commitment [32]byte) bool {
	got := Commit(pub)
	return helpers.ConstantTimeCompare(got[:], commitment[:])
}

// NonceAgg sums the per-signer public nonce pairs componentwise, producing
// the aggregated (R1, R2).
func NonceAgg(pubNonces []*PublicNoncePair) (*PublicNoncePair, error) {
	if len(pubNonces) == 0 {
		return nil, fmt.Errorf("%w: no public nonces to aggregate", ErrNoncePairGen)
	}

	var r1J, r2J btcec.JacobianPoint
	for _, pn := range pubNonces {
		var a, b btcec.JacobianPoint
		pn.R1.AsJacobian(&a)
		pn.R2.AsJacobian(&b)
		btcec.AddNonConst(&r1J, &a, &r1J)
		btcec.AddNonConst(&r2J, &b, &r2J)
	}
	r1J.ToAffine()
	r2J.ToAffine()

	return &PublicNoncePair{
		R1: btcec.NewPublicKey(&r1J.X, &r1J.Y),
		R2: btcec.NewPublicKey(&r2J.X, &r2J.Y),
	}, nil
}

// BCoeff computes the nonce aggregation coefficient b.
func BCoeff(aggPubKey *btcec.PublicKey, agg *PublicNoncePair, message []byte) *btcec.ModNScalar {
	buf := make([]byte, 0, 33+33+33+32)
	buf = append(buf, aggPubKey.SerializeCompressed()...)
	buf = append(buf, agg.R1.SerializeCompressed()...)
	buf = append(buf, agg.R2.SerializeCompressed()...)
	buf = append(buf, message...)

	h := chainhash.TaggedHash(TagNonceCoef, buf)

	var b btcec.ModNScalar
	b.SetByteSlice(h[:])
	return &b
}

// EffectiveR computes R = R1 + b*R2, negating it (and reporting that it did
// so) when its y-coordinate is odd, per the BIP340 convention that only
// even-y points are valid final nonces.
func EffectiveR(agg *PublicNoncePair, b *btcec.ModNScalar) (R *btcec.PublicKey, negated bool, err error) {
	var r1J, r2J, bR2J, rJ btcec.JacobianPoint
	agg.R1.AsJacobian(&r1J)
	agg.R2.AsJacobian(&r2J)
	btcec.ScalarMultNonConst(b, &r2J, &bR2J)
	btcec.AddNonConst(&r1J, &bR2J, &rJ)

	if (rJ.X.IsZero() && rJ.Y.IsZero()) || rJ.Z.IsZero() {
		return nil, false, fmt.Errorf("%w: effective nonce is point at infinity", ErrNoncePairGen)
	}

	rJ.ToAffine()
	negated = rJ.Y.IsOdd()
	if negated {
		rJ.Y.Negate(1).Normalize()
	}

	return btcec.NewPublicKey(&rJ.X, &rJ.Y), negated, nil
}

// NegateScalar returns -s mod n without mutating s.
func NegateScalar(s *btcec.ModNScalar) *btcec.ModNScalar {
	neg := *s
	neg.Negate()
	return &neg
}
