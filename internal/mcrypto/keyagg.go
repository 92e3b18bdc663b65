package mcrypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/musig2mesh/pkg/helpers"
)

// KeyAgg computes the MuSig2 aggregate public key over pubkeys, which MUST
// already be in canonical sorted order (CanonicalSort). Duplicate keys are
// rejected, matching the Session invariant that ties are disallowed.
//
// a_i = taggedHash(TagKeyCoeff, L || X_i), L = taggedHash(TagKeyAggList, X_1 || ... || X_n)
// aggPubKey = sum_i a_i * X_i
func KeyAgg(pubkeys []*btcec.PublicKey) (*btcec.PublicKey, []*btcec.ModNScalar, error) {
	n := len(pubkeys)
	if n < 2 {
		return nil, nil, fmt.Errorf("%w: need at least 2 signers, got %d", ErrKeyAgg, n)
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if helpers.BytesEqual(schnorr.SerializePubKey(pubkeys[i]), schnorr.SerializePubKey(pubkeys[j])) {
				return nil, nil, fmt.Errorf("%w: duplicate signer key at positions %d,%d", ErrKeyAgg, i, j)
			}
		}
	}

	keysBuf := make([]byte, 0, 32*n)
	for _, pk := range pubkeys {
		keysBuf = append(keysBuf, schnorr.SerializePubKey(pk)...)
	}
	l := chainhash.TaggedHash(TagKeyAggList, keysBuf)

	coeffs := make([]*btcec.ModNScalar, n)
	var aggJ btcec.JacobianPoint
	for i, pk := range pubkeys {
		a := keyCoefficient(l[:], pk)
		coeffs[i] = a

		var pkJ, tweakedJ btcec.JacobianPoint
		pk.AsJacobian(&pkJ)
		btcec.ScalarMultNonConst(a, &pkJ, &tweakedJ)
		btcec.AddNonConst(&aggJ, &tweakedJ, &aggJ)
	}

	if (aggJ.X.IsZero() && aggJ.Y.IsZero()) || aggJ.Z.IsZero() {
		return nil, nil, fmt.Errorf("%w: aggregate key is point at infinity", ErrKeyAgg)
	}

	aggJ.ToAffine()
	return btcec.NewPublicKey(&aggJ.X, &aggJ.Y), coeffs, nil
}

// keyCoefficient computes a_i = taggedHash(TagKeyCoeff, L || X_i) as a
// reduced mod-n scalar.
func keyCoefficient(keysHash []byte, target *btcec.PublicKey) *btcec.ModNScalar {
	var buf [64]byte
	copy(buf[:32], keysHash)
	copy(buf[32:], schnorr.SerializePubKey(target))

	h := chainhash.TaggedHash(TagKeyCoeff, buf[:])

	var a btcec.ModNScalar
	a.SetByteSlice(h[:])
	return &a
}

// CanonicalSort returns a copy of pubkeys sorted by lexicographic byte order
// of their 33-byte compressed encoding, the order the Session.signers field
// must always be stored in.
func CanonicalSort(pubkeys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(pubkeys))
	copy(sorted, pubkeys)

	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			if helpers.CompareBytes(sorted[j-1].SerializeCompressed(), sorted[j].SerializeCompressed()) <= 0 {
				break
			}
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted
}
