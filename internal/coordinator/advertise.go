package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/musig2mesh/internal/merrors"
	"github.com/klingon-exchange/musig2mesh/internal/wire"
)

const defaultAdvertTTL = 10 * time.Minute

// topicForCriteria returns the pub/sub topic a SignerAdvertisement for
// criteria is published on.
func topicForCriteria(criteria string) string {
	return fmt.Sprintf("signers:%s", criteria)
}

func directoryKey(criteria, pubHex string) string {
	return fmt.Sprintf("musig2:directory:%s:%s", criteria, pubHex)
}

func adKey(pubHex string) string {
	return fmt.Sprintf("musig2:ad:%s", pubHex)
}

func directoryIndexKey(criteria string) string {
	return fmt.Sprintf("musig2:directory-index:%s", criteria)
}

// AdvertiseSigner publishes a signed SignerAdvertisement on the
// "signers:<criteria>" topic, stores it in the DHT under both a
// per-criteria directory key and this node's own key, and folds a signed
// entry for this node into criteria's directory-index record so a late
// joiner can learn every known advertiser from one DHT lookup instead of
// already needing each one's public key.
func (c *Coordinator) AdvertiseSigner(ctx context.Context, addrs []string, criteria string, ttl time.Duration) (*wire.SignerAdvertisement, error) {
	if ttl <= 0 {
		ttl = defaultAdvertTTL
	}

	now := time.Now()
	ad := &wire.SignerAdvertisement{
		PeerID:    c.ovl.SelfID(),
		Addrs:     addrs,
		PublicKey: encodePubKey(c.pubKey),
		Criteria:  criteria,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	sig, err := signDigest(c.privKey, advertisementDigest(ad))
	if err != nil {
		return nil, err
	}
	ad.Signature = sig

	body, err := wireEncodeAdvertisement(ad)
	if err != nil {
		return nil, err
	}

	if err := c.ovl.Put(ctx, directoryKey(criteria, ad.PublicKey), body, ttl); err != nil {
		return nil, fmt.Errorf("coordinator: store directory record: %w", err)
	}
	if err := c.ovl.Put(ctx, adKey(ad.PublicKey), body, ttl); err != nil {
		return nil, fmt.Errorf("coordinator: store self ad record: %w", err)
	}
	if err := c.upsertDirectoryIndex(ctx, criteria, ad, ttl); err != nil {
		c.log.Warn("failed to update directory index", "criteria", criteria, "err", err)
	}

	env, err := wire.Wrap(wire.TypeSignerAdvertisement, "", c.ovl.SelfID(), ad)
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(env)
	if err != nil {
		return nil, err
	}
	if err := c.ovl.Publish(ctx, topicForCriteria(criteria), data); err != nil {
		return nil, fmt.Errorf("coordinator: publish advertisement: %w", err)
	}

	c.mu.Lock()
	c.adverts[ad.PublicKey] = ad
	c.mu.Unlock()

	c.emit(Event{Kind: EventSignerAdvertised, Data: ad})
	return ad, nil
}

// WithdrawAdvertisement drops this node's cached advertisement, removes its
// entry from criteria's directory-index record, clears the DHT records
// AdvertiseSigner wrote (overlay.Put has no delete primitive; an
// immediately-expired overwrite stands in for one — best-effort only, since
// the libp2p-backed overlay ignores Put's ttl and simply republishes
// whatever is written), and publishes a signed unavailability notice on the
// criteria topic.
func (c *Coordinator) WithdrawAdvertisement(ctx context.Context, criteria string) error {
	pubHex := encodePubKey(c.pubKey)

	c.mu.Lock()
	delete(c.adverts, pubHex)
	c.mu.Unlock()

	if err := c.ovl.Put(ctx, directoryKey(criteria, pubHex), nil, 0); err != nil {
		c.log.Warn("failed to clear directory record", "criteria", criteria, "err", err)
	}
	if err := c.ovl.Put(ctx, adKey(pubHex), nil, 0); err != nil {
		c.log.Warn("failed to clear self ad record", "err", err)
	}
	if err := c.removeFromDirectoryIndex(ctx, criteria, pubHex); err != nil {
		c.log.Warn("failed to update directory index", "criteria", criteria, "err", err)
	}

	notice := &wire.SignerWithdrawal{
		PeerID:      c.ovl.SelfID(),
		PublicKey:   pubHex,
		Criteria:    criteria,
		WithdrawnAt: time.Now().UnixMilli(),
	}
	sig, err := signDigest(c.privKey, withdrawalDigest(notice))
	if err != nil {
		return err
	}
	notice.Signature = sig

	env, err := wire.Wrap(wire.TypeSignerWithdrawal, "", c.ovl.SelfID(), notice)
	if err != nil {
		return err
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if err := c.ovl.Publish(ctx, topicForCriteria(criteria), data); err != nil {
		return fmt.Errorf("coordinator: publish withdrawal: %w", err)
	}

	c.emit(Event{Kind: EventSignerWithdrawn, Data: notice})
	return nil
}

// handleSignerWithdrawal drops a withdrawn key from the local advertisement
// cache once its notice's signature verifies.
func (c *Coordinator) handleSignerWithdrawal(msg *wire.SignerWithdrawal) error {
	if err := verifyDigest(msg.PublicKey, withdrawalDigest(msg), msg.Signature); err != nil {
		return fmt.Errorf("%w: signer withdrawal signature: %v", merrors.ErrValidation, err)
	}

	c.mu.Lock()
	if ad, ok := c.adverts[msg.PublicKey]; ok && ad.Criteria == msg.Criteria {
		delete(c.adverts, msg.PublicKey)
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventSignerWithdrawn, Data: msg})
	return nil
}

// upsertDirectoryIndex folds ad's signed entry into criteria's
// directory-index record, replacing any prior entry for the same public
// key and bumping Version. This is best-effort and racy under concurrent
// writers — the overlay's Put/Get contract offers no compare-and-swap —
// but FindAvailableSigners re-verifies every index entry's signature and
// every advertisement's own signature before trusting either, so a lost or
// stale update only costs discoverability, never correctness.
func (c *Coordinator) upsertDirectoryIndex(ctx context.Context, criteria string, ad *wire.SignerAdvertisement, ttl time.Duration) error {
	idx, err := c.loadDirectoryIndex(ctx, criteria)
	if err != nil {
		return err
	}

	entry := wire.DirectoryIndexEntry{
		PublicKey: ad.PublicKey,
		PeerID:    ad.PeerID,
		CreatedAt: ad.CreatedAt,
	}
	sig, err := signDigest(c.privKey, directoryIndexEntryDigest(criteria, &entry))
	if err != nil {
		return err
	}
	entry.Signature = sig

	entries := make([]wire.DirectoryIndexEntry, 0, len(idx.Entries)+1)
	for _, e := range idx.Entries {
		if e.PublicKey != ad.PublicKey {
			entries = append(entries, e)
		}
	}
	entries = append(entries, entry)

	idx.Criteria = criteria
	idx.Entries = entries
	idx.Version++

	return c.storeDirectoryIndex(ctx, criteria, idx, ttl)
}

// removeFromDirectoryIndex drops pubHex's entry from criteria's
// directory-index record, bumping Version. A no-op if pubHex has no entry.
func (c *Coordinator) removeFromDirectoryIndex(ctx context.Context, criteria, pubHex string) error {
	idx, err := c.loadDirectoryIndex(ctx, criteria)
	if err != nil {
		return err
	}

	entries := make([]wire.DirectoryIndexEntry, 0, len(idx.Entries))
	changed := false
	for _, e := range idx.Entries {
		if e.PublicKey == pubHex {
			changed = true
			continue
		}
		entries = append(entries, e)
	}
	if !changed {
		return nil
	}

	idx.Criteria = criteria
	idx.Entries = entries
	idx.Version++

	return c.storeDirectoryIndex(ctx, criteria, idx, defaultAdvertTTL)
}

func (c *Coordinator) loadDirectoryIndex(ctx context.Context, criteria string) (wire.DirectoryIndex, error) {
	data, ok, err := c.ovl.Get(ctx, directoryIndexKey(criteria))
	if err != nil {
		return wire.DirectoryIndex{}, err
	}
	if !ok || len(data) == 0 {
		return wire.DirectoryIndex{}, nil
	}
	var idx wire.DirectoryIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		// A corrupt or foreign record at this key must not wedge future
		// writers; start fresh rather than propagating the error.
		return wire.DirectoryIndex{}, nil
	}
	return idx, nil
}

func (c *Coordinator) storeDirectoryIndex(ctx context.Context, criteria string, idx wire.DirectoryIndex, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultAdvertTTL
	}
	body, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return c.ovl.Put(ctx, directoryIndexKey(criteria), body, ttl)
}

// SignerFilter narrows FindAvailableSigners results.
type SignerFilter struct {
	Criteria   string
	MaxResults int
}

// FindAvailableSigners merges this node's locally cached advertisements
// (received over pub/sub) with every entry in filter.Criteria's DHT
// directory-index record, verifies both the index entry's signature and
// the referenced advertisement's own signature fresh, drops expired
// entries, and caps the result at filter.MaxResults.
func (c *Coordinator) FindAvailableSigners(ctx context.Context, filter SignerFilter) ([]*wire.SignerAdvertisement, error) {
	now := time.Now().UnixMilli()

	c.mu.RLock()
	local := make([]*wire.SignerAdvertisement, 0, len(c.adverts))
	for _, ad := range c.adverts {
		local = append(local, ad)
	}
	c.mu.RUnlock()

	results := make([]*wire.SignerAdvertisement, 0, len(local))
	seen := make(map[string]bool)
	for _, ad := range local {
		if filter.Criteria != "" && ad.Criteria != filter.Criteria {
			continue
		}
		if ad.ExpiresAt < now {
			continue
		}
		if err := verifyDigest(ad.PublicKey, advertisementDigest(ad), ad.Signature); err != nil {
			continue
		}
		seen[ad.PublicKey] = true
		results = append(results, ad)
	}

	if filter.Criteria != "" {
		idx, err := c.loadDirectoryIndex(ctx, filter.Criteria)
		if err == nil {
			for _, entry := range idx.Entries {
				if seen[entry.PublicKey] {
					continue
				}
				if err := verifyDigest(entry.PublicKey, directoryIndexEntryDigest(filter.Criteria, &entry), entry.Signature); err != nil {
					continue
				}
				ad, ok := c.fetchAdvertisement(ctx, entry.PublicKey)
				if !ok || ad.ExpiresAt < now {
					continue
				}
				if err := verifyDigest(ad.PublicKey, advertisementDigest(ad), ad.Signature); err != nil {
					continue
				}
				seen[entry.PublicKey] = true
				results = append(results, ad)
			}
		}
	}

	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// fetchAdvertisement retrieves and decodes the envelope stored at
// adKey(pubHex), reporting ok=false if it is absent or malformed.
func (c *Coordinator) fetchAdvertisement(ctx context.Context, pubHex string) (*wire.SignerAdvertisement, bool) {
	data, ok, err := c.ovl.Get(ctx, adKey(pubHex))
	if err != nil || !ok || len(data) == 0 {
		return nil, false
	}
	env, err := wire.Decode(data)
	if err != nil {
		return nil, false
	}
	var ad wire.SignerAdvertisement
	if err := json.Unmarshal(env.Payload, &ad); err != nil {
		return nil, false
	}
	return &ad, true
}

func advertisementDigest(ad *wire.SignerAdvertisement) [32]byte {
	return sha256Concat(
		[]byte(ad.PeerID),
		[]byte(ad.PublicKey),
		[]byte(ad.Criteria),
		int64Bytes(ad.CreatedAt),
		int64Bytes(ad.ExpiresAt),
	)
}

func directoryIndexEntryDigest(criteria string, e *wire.DirectoryIndexEntry) [32]byte {
	return sha256Concat(
		[]byte(e.PublicKey),
		[]byte(e.PeerID),
		[]byte(criteria),
		int64Bytes(e.CreatedAt),
	)
}

func withdrawalDigest(w *wire.SignerWithdrawal) [32]byte {
	return sha256Concat(
		[]byte(w.PeerID),
		[]byte(w.PublicKey),
		[]byte(w.Criteria),
		int64Bytes(w.WithdrawnAt),
	)
}

func wireEncodeAdvertisement(ad *wire.SignerAdvertisement) ([]byte, error) {
	env, err := wire.Wrap(wire.TypeSignerAdvertisement, "", ad.PeerID, ad)
	if err != nil {
		return nil, err
	}
	return wire.Encode(env)
}

func int64Bytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}
