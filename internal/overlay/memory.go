package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Network is an in-process rendezvous shared by every MemoryOverlay
// attached to it, standing in for the real overlay's transport, pub/sub
// bus, and DHT in same-process tests (used to drive the S1-S6 scenarios
// without a real libp2p swarm).
type Network struct {
	mu sync.Mutex

	peers map[string]*MemoryOverlay

	subsMu sync.Mutex
	subs   map[string][]Handler

	dhtMu sync.Mutex
	dht   map[string]dhtEntry
}

type dhtEntry struct {
	data    []byte
	expires time.Time
}

// NewNetwork constructs an empty shared in-memory network.
func NewNetwork() *Network {
	return &Network{
		peers: make(map[string]*MemoryOverlay),
		subs:  make(map[string][]Handler),
		dht:   make(map[string]dhtEntry),
	}
}

// MemoryOverlay is an Overlay implementation backed by a shared Network,
// used by the coordinator's own tests and by multi-signer scenarios run
// entirely within one process.
type MemoryOverlay struct {
	net *Network
	id  string

	directMu sync.RWMutex
	onDirect Handler
}

// NewPeer registers a new peer identity on net and returns its Overlay
// handle.
func (n *Network) NewPeer(id string) *MemoryOverlay {
	o := &MemoryOverlay{net: n, id: id}
	n.mu.Lock()
	n.peers[id] = o
	n.mu.Unlock()
	return o
}

func (o *MemoryOverlay) SelfID() string { return o.id }

func (o *MemoryOverlay) SendToPeer(ctx context.Context, peerID string, data []byte) error {
	o.net.mu.Lock()
	target, ok := o.net.peers[peerID]
	o.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("overlay: unknown peer %q", peerID)
	}

	target.directMu.RLock()
	handler := target.onDirect
	target.directMu.RUnlock()
	if handler == nil {
		return fmt.Errorf("overlay: peer %q has no direct handler registered", peerID)
	}

	handler(ctx, o.id, data)
	return nil
}

func (o *MemoryOverlay) OnDirectMessage(handler Handler) {
	o.directMu.Lock()
	o.onDirect = handler
	o.directMu.Unlock()
}

func (o *MemoryOverlay) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	o.net.subsMu.Lock()
	o.net.subs[topic] = append(o.net.subs[topic], handler)
	idx := len(o.net.subs[topic]) - 1
	o.net.subsMu.Unlock()

	unsubscribe := func() {
		o.net.subsMu.Lock()
		defer o.net.subsMu.Unlock()
		handlers := o.net.subs[topic]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
	return unsubscribe, nil
}

func (o *MemoryOverlay) Publish(ctx context.Context, topic string, data []byte) error {
	o.net.subsMu.Lock()
	handlers := append([]Handler(nil), o.net.subs[topic]...)
	o.net.subsMu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(ctx, o.id, data)
		}
	}
	return nil
}

func (o *MemoryOverlay) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	o.net.dhtMu.Lock()
	defer o.net.dhtMu.Unlock()
	o.net.dht[key] = dhtEntry{data: data, expires: time.Now().Add(ttl)}
	return nil
}

func (o *MemoryOverlay) Get(ctx context.Context, key string) ([]byte, bool, error) {
	o.net.dhtMu.Lock()
	defer o.net.dhtMu.Unlock()

	entry, ok := o.net.dht[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expires) {
		delete(o.net.dht, key)
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (o *MemoryOverlay) Close() error {
	o.net.mu.Lock()
	delete(o.net.peers, o.id)
	o.net.mu.Unlock()
	return nil
}
