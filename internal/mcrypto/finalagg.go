package mcrypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// FinalSignature is a complete BIP340 Schnorr signature: the x-only
// coordinate of the effective nonce and the aggregated scalar s.
type FinalSignature struct {
	RX [32]byte
	S  [32]byte
}

// FinalAgg sums the partial signatures and verifies the result as a BIP340
// signature under aggPubKey and message.
func FinalAgg(partials []*btcec.ModNScalar, R, aggPubKey *btcec.PublicKey, message []byte) (*FinalSignature, error) {
	var s btcec.ModNScalar
	for _, p := range partials {
		s.Add(p)
	}

	sig := schnorr.NewSignature(&r(R), &s)
	if !sig.Verify(message, aggPubKey) {
		return nil, fmt.Errorf("%w", ErrAggregateInvalid)
	}

	var fs FinalSignature
	copy(fs.RX[:], schnorr.SerializePubKey(R))
	s.PutBytesUnchecked(fs.S[:])
	return &fs, nil
}

// r extracts the FieldVal x-coordinate of R, as required by schnorr.NewSignature.
func r(R *btcec.PublicKey) btcec.FieldVal {
	var j btcec.JacobianPoint
	R.AsJacobian(&j)
	j.ToAffine()
	return j.X
}
