package mcrypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PartialSign computes s_i = k1_i + b*k2_i + e*a_i*x_i (mod n).
//
// nonceNegated and keyNegated come from EffectiveR's and the aggregate
// public key's y-parity respectively (see HasOddY); per BIP340 convention
// the underlying scalars are negated before use whenever the corresponding
// public point has an odd y-coordinate, so that the final (R, s) signature
// is always valid under an even-y aggregate point.
func PartialSign(noncePair *NoncePair, privKey *btcec.PrivateKey, a, b, e *btcec.ModNScalar, nonceNegated, keyNegated bool) *btcec.ModNScalar {
	k1, k2 := noncePair.K1, noncePair.K2
	if nonceNegated {
		k1.Negate()
		k2.Negate()
	}

	x := privKey.Key
	if keyNegated {
		x.Negate()
	}

	var s btcec.ModNScalar
	s.Add(&k1)

	var bk2 btcec.ModNScalar
	bk2.Set(b).Mul(&k2)
	s.Add(&bk2)

	var eax btcec.ModNScalar
	eax.Set(e).Mul(a).Mul(&x)
	s.Add(&eax)

	return &s
}

// PartialVerify checks s_i*G =?= R1_i + b*R2_i + e*a_i*X_i, using the same
// parity-adjusted public points and key that PartialSign used to produce
// s_i, so an honest partial signature always verifies.
func PartialVerify(s *btcec.ModNScalar, pub *PublicNoncePair, X *btcec.PublicKey, a, b, e *btcec.ModNScalar, nonceNegated, keyNegated bool) error {
	var lhsJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(s, &lhsJ)
	lhsJ.ToAffine()

	var r1J, r2J, bR2J, rhsJ btcec.JacobianPoint
	pub.R1.AsJacobian(&r1J)
	pub.R2.AsJacobian(&r2J)
	if nonceNegated {
		r1J.Y.Negate(1).Normalize()
		r2J.Y.Negate(1).Normalize()
	}

	btcec.ScalarMultNonConst(b, &r2J, &bR2J)
	btcec.AddNonConst(&r1J, &bR2J, &rhsJ)

	var xJ, eaxJ btcec.JacobianPoint
	X.AsJacobian(&xJ)
	if keyNegated {
		xJ.Y.Negate(1).Normalize()
	}

	var ea btcec.ModNScalar
	ea.Set(e).Mul(a)
	btcec.ScalarMultNonConst(&ea, &xJ, &eaxJ)
	btcec.AddNonConst(&rhsJ, &eaxJ, &rhsJ)

	rhsJ.ToAffine()

	if lhsJ.X.Equals(&rhsJ.X) && lhsJ.Y.Equals(&rhsJ.Y) {
		return nil
	}
	return fmt.Errorf("%w", ErrPartialInvalid)
}
