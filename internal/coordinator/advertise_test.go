package coordinator

import (
	"context"
	"testing"
	"time"
)

// TestAdvertiseSignerPopulatesDirectoryIndex covers spec section 4.1's
// directory-index record: AdvertiseSigner must fold a signed entry into
// the shared "musig2:directory-index:<criteria>" record, not merely write
// the per-key advertisement.
func TestAdvertiseSignerPopulatesDirectoryIndex(t *testing.T) {
	cfg := DefaultConfig()
	nodes, _ := newTestMesh(t, 1, cfg)
	ctx := context.Background()

	ad, err := nodes[0].c.AdvertiseSigner(ctx, []string{"/ip4/127.0.0.1/tcp/4001"}, "btc-testnet", time.Minute)
	if err != nil {
		t.Fatalf("AdvertiseSigner: %v", err)
	}

	idx, err := nodes[0].c.loadDirectoryIndex(ctx, "btc-testnet")
	if err != nil {
		t.Fatalf("loadDirectoryIndex: %v", err)
	}
	if idx.Version != 1 {
		t.Fatalf("expected index version 1 after first advertisement, got %d", idx.Version)
	}
	if len(idx.Entries) != 1 {
		t.Fatalf("expected 1 directory-index entry, got %d", len(idx.Entries))
	}
	entry := idx.Entries[0]
	if entry.PublicKey != ad.PublicKey || entry.PeerID != ad.PeerID {
		t.Fatalf("directory-index entry does not match advertisement: %+v vs ad %+v", entry, ad)
	}
	if err := verifyDigest(entry.PublicKey, directoryIndexEntryDigest("btc-testnet", &entry), entry.Signature); err != nil {
		t.Fatalf("directory-index entry signature does not verify: %v", err)
	}
}

// TestFindAvailableSignersMergesDirectoryIndex covers a signer discovering
// another node purely through the shared directory-index record, as a
// fresh joiner with no pub/sub history would.
func TestFindAvailableSignersMergesDirectoryIndex(t *testing.T) {
	cfg := DefaultConfig()
	nodes, _ := newTestMesh(t, 2, cfg)
	ctx := context.Background()

	if _, err := nodes[0].c.AdvertiseSigner(ctx, nil, "btc-testnet", time.Minute); err != nil {
		t.Fatalf("node 0 AdvertiseSigner: %v", err)
	}

	// node 1 never saw node 0's pub/sub advertisement directly (no shared
	// subscription was joined), so the only path to discovering it is the
	// directory-index record both nodes share through the overlay's DHT.
	found, err := nodes[1].c.FindAvailableSigners(ctx, SignerFilter{Criteria: "btc-testnet"})
	if err != nil {
		t.Fatalf("FindAvailableSigners: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 signer found via directory index, got %d", len(found))
	}
	if found[0].PublicKey != encodePubKey(nodes[0].c.pubKey) {
		t.Fatalf("found signer does not match node 0's key")
	}
}

// TestWithdrawAdvertisementRemovesFromDirectoryIndex covers spec section
// 4.6: withdrawal must drop the node from the directory index and publish
// an unavailability notice, so subsequent discovery by any path no longer
// surfaces the withdrawn key.
func TestWithdrawAdvertisementRemovesFromDirectoryIndex(t *testing.T) {
	cfg := DefaultConfig()
	nodes, _ := newTestMesh(t, 2, cfg)
	ctx := context.Background()

	if _, err := nodes[1].c.SubscribeSignerCriteria(ctx, "btc-testnet"); err != nil {
		t.Fatalf("node 1 SubscribeSignerCriteria: %v", err)
	}

	if _, err := nodes[0].c.AdvertiseSigner(ctx, nil, "btc-testnet", time.Minute); err != nil {
		t.Fatalf("node 0 AdvertiseSigner: %v", err)
	}
	if found, err := nodes[1].c.FindAvailableSigners(ctx, SignerFilter{Criteria: "btc-testnet"}); err != nil || len(found) != 1 {
		t.Fatalf("expected node 0 discoverable before withdrawal, got %d signers, err %v", len(found), err)
	}

	if err := nodes[0].c.WithdrawAdvertisement(ctx, "btc-testnet"); err != nil {
		t.Fatalf("WithdrawAdvertisement: %v", err)
	}

	idx, err := nodes[0].c.loadDirectoryIndex(ctx, "btc-testnet")
	if err != nil {
		t.Fatalf("loadDirectoryIndex: %v", err)
	}
	if len(idx.Entries) != 0 {
		t.Fatalf("expected withdrawn key removed from directory index, still has %d entries", len(idx.Entries))
	}
	if idx.Version != 2 {
		t.Fatalf("expected index version bumped to 2 after withdrawal, got %d", idx.Version)
	}

	found, err := nodes[1].c.FindAvailableSigners(ctx, SignerFilter{Criteria: "btc-testnet"})
	if err != nil {
		t.Fatalf("FindAvailableSigners after withdrawal: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected withdrawn key no longer discoverable, got %d signers", len(found))
	}

	waitFor(t, time.Second, func() bool {
		return len(nodes[1].eventsOfKind(EventSignerWithdrawn)) == 1
	})
}
