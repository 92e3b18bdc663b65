// Package election implements coordinator selection: deterministic,
// local, no voting round, with an explicit application-driven failover
// protocol.
package election

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/musig2mesh/pkg/helpers"
)

// Method selects which deterministic election algorithm a session uses.
type Method string

const (
	Lexicographic Method = "LEXICOGRAPHIC"
	HashBased     Method = "HASH_BASED"
	FirstSigner   Method = "FIRST_SIGNER"
	LastSigner    Method = "LAST_SIGNER"
)

var electionTag = []byte("MuSig2/Election")

// Elect computes the coordinator index for signers under method. Every
// participant re-runs this to verify the creator's recorded result.
func Elect(method Method, sessionID string, signers []*btcec.PublicKey) (int, error) {
	switch method {
	case Lexicographic:
		best := 0
		for i := 1; i < len(signers); i++ {
			if helpers.CompareBytes(signers[i].SerializeCompressed(), signers[best].SerializeCompressed()) < 0 {
				best = i
			}
		}
		return best, nil

	case HashBased:
		best := 0
		var bestHash [32]byte
		for i, pk := range signers {
			buf := append([]byte(sessionID), schnorr.SerializePubKey(pk)...)
			h := chainhash.TaggedHash(electionTag, buf)
			if i == 0 || helpers.CompareBytes(h[:], bestHash[:]) < 0 {
				best = i
				bestHash = h
			}
		}
		return best, nil

	case FirstSigner:
		return 0, nil

	case LastSigner:
		return len(signers) - 1, nil

	default:
		return 0, fmt.Errorf("election: unknown method %q", method)
	}
}

// PriorityList returns the ordered backup sequence for method, starting at
// the elected coordinator and proceeding through every other index in the
// same deterministic order the method would rank them.
func PriorityList(method Method, sessionID string, signers []*btcec.PublicKey) ([]int, error) {
	type scored struct {
		idx   int
		score []byte
	}
	scores := make([]scored, len(signers))

	switch method {
	case Lexicographic:
		for i, pk := range signers {
			scores[i] = scored{idx: i, score: pk.SerializeCompressed()}
		}
	case HashBased:
		for i, pk := range signers {
			buf := append([]byte(sessionID), schnorr.SerializePubKey(pk)...)
			h := chainhash.TaggedHash(electionTag, buf)
			scores[i] = scored{idx: i, score: h[:]}
		}
	case FirstSigner:
		list := make([]int, len(signers))
		for i := range signers {
			list[i] = i
		}
		return list, nil
	case LastSigner:
		list := make([]int, len(signers))
		for i := range signers {
			list[i] = len(signers) - 1 - i
		}
		return list, nil
	default:
		return nil, fmt.Errorf("election: unknown method %q", method)
	}

	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && helpers.CompareBytes(scores[j-1].score, scores[j].score) > 0; j-- {
			scores[j-1], scores[j] = scores[j], scores[j-1]
		}
	}

	list := make([]int, len(scores))
	for i, s := range scores {
		list[i] = s.idx
	}
	return list, nil
}
