package mcrypto

import "errors"

// Sentinel errors for the five primitive-level fault kinds. Higher layers
// wrap these with fmt.Errorf("...: %w", ...) and match with errors.Is.
var (
	ErrKeyAgg        = errors.New("mcrypto: key aggregation failed")
	ErrNoncePairGen  = errors.New("mcrypto: nonce pair generation failed")
	ErrCommitMismatch = errors.New("mcrypto: nonce does not match commitment")
	ErrPartialInvalid = errors.New("mcrypto: partial signature failed verification")
	ErrAggregateInvalid = errors.New("mcrypto: final signature failed BIP340 verification")
)
