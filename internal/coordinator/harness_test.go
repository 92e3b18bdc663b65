package coordinator

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2mesh/internal/mcrypto"
	"github.com/klingon-exchange/musig2mesh/internal/overlay"
	"github.com/klingon-exchange/musig2mesh/internal/registry"
	"github.com/klingon-exchange/musig2mesh/pkg/logging"
)

// testNode bundles one signer's identity, overlay handle, coordinator, and
// the events it has observed, for driving multi-node scenarios against a
// shared in-memory Network.
type testNode struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
	ovl  *overlay.MemoryOverlay
	c    *Coordinator

	mu     sync.Mutex
	events []Event
}

func (n *testNode) onEvent(ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *testNode) eventsOfKind(kind EventKind) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// newTestMesh constructs n nodes sharing net, each with its own
// Coordinator wired to cfg, started and ready to exchange messages.
func newTestMesh(t *testing.T, n int, cfg Config) ([]*testNode, []*btcec.PublicKey) {
	t.Helper()

	net := overlay.NewNetwork()
	nodes := make([]*testNode, n)
	privs := make([]*btcec.PrivateKey, n)

	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}
		privs[i] = priv
	}

	pubs := make([]*btcec.PublicKey, n)
	for i, p := range privs {
		pubs[i] = p.PubKey()
	}
	sorted := mcrypto.CanonicalSort(pubs)

	orderedPrivs := make([]*btcec.PrivateKey, n)
	for i, pk := range sorted {
		for _, priv := range privs {
			if priv.PubKey().IsEqual(pk) {
				orderedPrivs[i] = priv
			}
		}
	}

	for i := 0; i < n; i++ {
		node := &testNode{priv: orderedPrivs[i], pub: sorted[i]}
		node.ovl = net.NewPeer(peerName(i))
		log := logging.New(&logging.Config{Level: "error"})
		node.c = New(context.Background(), cfg, node.ovl, registry.AllowAll{}, node.priv, log)
		node.c.OnEvent(node.onEvent)
		if err := node.c.Start(); err != nil {
			t.Fatalf("node %d start: %v", i, err)
		}
		nodes[i] = node
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			node.c.Stop()
		}
	})

	return nodes, sorted
}

func peerName(i int) string {
	return "peer" + string(rune('A'+i))
}

func testMessage(label string) [32]byte {
	return sha256.Sum256([]byte(label))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}
