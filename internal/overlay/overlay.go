// Package overlay provides the narrow peer-to-peer collaborator the
// coordination layer treats as external: direct ordered-bytes
// send-to-peer, subscribe/publish on a topic, and best-effort put/get of a
// key to bytes record with an expiry. The overlay is best-effort; the core
// tolerates duplicates, losses, and reorderings.
package overlay

import (
	"context"
	"time"
)

// Handler processes one inbound message on a direct stream or a pub/sub
// topic.
type Handler func(ctx context.Context, from string, data []byte)

// Overlay is the full external contract the coordination layer depends on.
// internal/overlay/libp2p.go and internal/overlay/memory.go are its two
// implementations.
type Overlay interface {
	// SelfID returns this node's own peer identifier.
	SelfID() string

	// SendToPeer delivers data directly to peerID over an ordered channel.
	SendToPeer(ctx context.Context, peerID string, data []byte) error

	// Subscribe registers handler for every message published on topic.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, topic string, handler Handler) (func(), error)

	// Publish fans data out to every subscriber of topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Put stores data at key with the given time-to-live. Best-effort.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Get retrieves the bytes stored at key, or ok=false if absent or
	// expired.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// OnDirectMessage registers the handler invoked for inbound direct
	// sends (as opposed to pub/sub messages).
	OnDirectMessage(handler Handler)

	// Close tears down the overlay.
	Close() error
}
