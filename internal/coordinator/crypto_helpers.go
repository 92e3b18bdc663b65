package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// signDigest produces a hex-encoded Schnorr signature over digest with
// privKey.
func signDigest(privKey *btcec.PrivateKey, digest [32]byte) (string, error) {
	sig, err := schnorr.Sign(privKey, digest[:])
	if err != nil {
		return "", fmt.Errorf("coordinator: sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// verifyDigest checks a hex-encoded Schnorr signature over digest under the
// hex-encoded compressed public key pubHex.
func verifyDigest(pubHex string, digest [32]byte, sigHex string) error {
	pk, err := decodePubKey(pubHex)
	if err != nil {
		return err
	}

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("coordinator: invalid signature encoding: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("coordinator: invalid signature: %w", err)
	}

	if !sig.Verify(digest[:], pk) {
		return fmt.Errorf("coordinator: signature verification failed")
	}
	return nil
}

// decodePubKey parses a hex-encoded 33-byte compressed public key.
func decodePubKey(pubHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("coordinator: invalid pubkey encoding: %w", err)
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("coordinator: invalid pubkey: %w", err)
	}
	return pk, nil
}

// encodePubKey returns the hex-encoded 33-byte compressed form of pk.
func encodePubKey(pk *btcec.PublicKey) string {
	return hex.EncodeToString(pk.SerializeCompressed())
}

// encodeScalar returns the hex encoding of a 32-byte ModNScalar.
func encodeScalar(s *btcec.ModNScalar) string {
	b := s.Bytes()
	return hex.EncodeToString(b[:])
}

// decodeScalar parses a hex-encoded 32-byte ModNScalar.
func decodeScalar(s string) (*btcec.ModNScalar, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("coordinator: invalid scalar encoding: %w", err)
	}
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("coordinator: scalar overflows curve order")
	}
	return &scalar, nil
}

// sha256Concat hashes the concatenation of parts with plain SHA-256 (no
// domain tag). Used for the application-level message digests signed over
// advertisements, signing requests, and participant-joined notices.
func sha256Concat(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
