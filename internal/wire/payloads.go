package wire

// SignerAdvertisement is the discoverability record published by a
// prospective signer.
type SignerAdvertisement struct {
	PeerID     string   `json:"peerId"`
	Addrs      []string `json:"addrs"`
	PublicKey  string   `json:"publicKey"`
	Criteria   string   `json:"criteria"`
	CreatedAt  int64    `json:"createdAt"`
	ExpiresAt  int64    `json:"expiresAt"`
	Signature  string   `json:"signature"`
}

// SigningRequest is the pre-session announcement a creator publishes to
// recruit the remaining participants.
type SigningRequest struct {
	RequestID         string   `json:"requestId"`
	RequiredPublicKeys []string `json:"requiredPublicKeys"`
	Message           string   `json:"message"`
	CreatorPeerID     string   `json:"creatorPeerId"`
	CreatorPublicKey  string   `json:"creatorPublicKey"`
	CreatedAt         int64    `json:"createdAt"`
	ExpiresAt         int64    `json:"expiresAt"`
	Metadata          string   `json:"metadata,omitempty"`
	CreatorSignature  string   `json:"creatorSignature"`
}

// ParticipantJoined is broadcast by a signer accepting a SigningRequest.
type ParticipantJoined struct {
	RequestID           string `json:"requestId"`
	ParticipantIndex    int    `json:"participantIndex"`
	ParticipantPeerID   string `json:"participantPeerId"`
	ParticipantPublicKey string `json:"participantPublicKey"`
	Signature           string `json:"signature"`
}

// SessionReady is broadcast exactly when the n-th PARTICIPANT_JOINED is
// accepted. Participants carries the sender's full index-to-peerId map so
// that recipients who never directly observed every PARTICIPANT_JOINED
// (every join before this one only reached the creator) can still learn
// the complete peer set and create their own session.
type SessionReady struct {
	RequestID        string         `json:"requestId"`
	SessionID        string         `json:"sessionId"`
	ParticipantIndex int            `json:"participantIndex"`
	Participants     map[int]string `json:"participants"`
}

// NonceCommitment carries a signer's binding commitment over its nonce
// pair.
type NonceCommitment struct {
	SessionID      string `json:"sessionId"`
	SignerIndex    int    `json:"signerIndex"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	Commitment     string `json:"commitment"`
}

// NonceShare reveals a signer's public nonce pair.
type NonceShare struct {
	SessionID      string `json:"sessionId"`
	SignerIndex    int    `json:"signerIndex"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	R1             string `json:"r1"`
	R2             string `json:"r2"`
}

// PartialSigShare carries a signer's partial signature scalar.
type PartialSigShare struct {
	SessionID      string `json:"sessionId"`
	SignerIndex    int    `json:"signerIndex"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	S              string `json:"s"`
}

// SessionAbort announces that a session has moved to ABORTED.
type SessionAbort struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// DirectoryIndexEntry is one signed record within a criteria's
// directory-index: proof that publicKey is (or was) advertising as peerId
// as of createdAt.
type DirectoryIndexEntry struct {
	PublicKey string `json:"publicKey"`
	PeerID    string `json:"peerId"`
	CreatedAt int64  `json:"createdAt"`
	Signature string `json:"signature"`
}

// DirectoryIndex is the version-counted per-criteria record stored at
// "musig2:directory-index:<criterion>". Entries are replaced per public key
// and removed on withdrawal.
type DirectoryIndex struct {
	Criteria string                `json:"criteria"`
	Version  uint64                `json:"version"`
	Entries  []DirectoryIndexEntry `json:"entries"`
}

// SignerWithdrawal announces that publicKey is no longer advertising under
// criteria, the unavailability counterpart to SignerAdvertisement.
type SignerWithdrawal struct {
	PeerID      string `json:"peerId"`
	PublicKey   string `json:"publicKey"`
	Criteria    string `json:"criteria"`
	WithdrawnAt int64  `json:"withdrawnAt"`
	Signature   string `json:"signature"`
}
