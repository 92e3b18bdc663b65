package mcrypto

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Challenge computes the BIP340 challenge scalar e = taggedHash("BIP340/challenge", x(R) || x(aggPubKey) || message).
func Challenge(R, aggPubKey *btcec.PublicKey, message []byte) *btcec.ModNScalar {
	buf := make([]byte, 0, 32+32+len(message))
	buf = append(buf, schnorr.SerializePubKey(R)...)
	buf = append(buf, schnorr.SerializePubKey(aggPubKey)...)
	buf = append(buf, message...)

	h := chainhash.TaggedHash(TagChallenge, buf)

	var e btcec.ModNScalar
	e.SetByteSlice(h[:])
	return &e
}

// HasOddY reports whether the affine y-coordinate of pk is odd, the
// condition under which BIP340 requires negating the corresponding private
// scalar before it contributes to a signature.
func HasOddY(pk *btcec.PublicKey) bool {
	var j btcec.JacobianPoint
	pk.AsJacobian(&j)
	j.ToAffine()
	return j.Y.IsOdd()
}
