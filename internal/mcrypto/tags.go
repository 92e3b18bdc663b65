// Package mcrypto implements the MuSig2 cryptographic primitives: key
// aggregation, nonce commitment and aggregation, partial signing and
// verification, and final BIP340 signature assembly. It builds directly on
// btcec/v2's exported scalar and point arithmetic rather than wrapping the
// higher-level musig2 package, since the commit-then-reveal nonce discipline
// used here has no equivalent in that package's session API.
package mcrypto

// Domain-separation tags for every tagged hash this package computes.
var (
	TagKeyAggList  = []byte("MuSig/keyagglist")
	TagKeyCoeff    = []byte("MuSig/keycoeff")
	TagNonceCommit = []byte("MuSig2/NonceCommit")
	TagNonceCoef   = []byte("MuSig/noncecoef")
	TagChallenge   = []byte("BIP340/challenge")
	TagSession     = []byte("MuSig2/Session")
	TagElection    = []byte("MuSig2/Election")
)
