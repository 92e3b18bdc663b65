// Package coordinator implements the session coordinator: the outward-
// facing component that wires the overlay to the MuSig2 engine, drives
// discovery/join/both signing rounds, enforces rate limits and peer
// reputation, emits lifecycle events, and runs periodic cleanup. It is the
// only component that talks to the overlay directly.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2mesh/internal/election"
	"github.com/klingon-exchange/musig2mesh/internal/guard"
	"github.com/klingon-exchange/musig2mesh/internal/musig"
	"github.com/klingon-exchange/musig2mesh/internal/overlay"
	"github.com/klingon-exchange/musig2mesh/internal/registry"
	"github.com/klingon-exchange/musig2mesh/internal/wire"
	"github.com/klingon-exchange/musig2mesh/pkg/logging"
)

// Config holds every tunable governing session lifecycle and admission.
type Config struct {
	SessionTimeout            time.Duration
	StuckTimeout              time.Duration
	CleanupInterval           time.Duration
	MaxSequenceGap            uint64
	MaxTimestampSkew          time.Duration
	MaxInvalidMessagesPerPeer int
	MaxSigners                int
	MinSigners                int
	ElectionMethod            election.Method
	EnableFailover            bool
}

// DefaultConfig returns reasonable defaults for a production mesh node.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:            2 * time.Hour,
		StuckTimeout:              10 * time.Minute,
		CleanupInterval:           60 * time.Second,
		MaxSequenceGap:            100,
		MaxTimestampSkew:          5 * time.Minute,
		MaxInvalidMessagesPerPeer: 10,
		MaxSigners:                15,
		MinSigners:                2,
		ElectionMethod:            election.Lexicographic,
		EnableFailover:            true,
	}
}

// P2PMetadata is the coordination-layer-only state that rides alongside a
// Session: participant peer IDs, last-accepted sequence numbers, the
// recorded election result, and failover progress. Kept as its
// own struct, co-keyed by sessionID, rather than folded into musig.Session,
// so the crypto-facing Session stays free of P2P concerns.
type P2PMetadata struct {
	Participants        map[int]string
	LastSequenceNumbers map[int]uint64
	CoordinatorIndex    int
	ElectionMethod      election.Method
	Failover            *election.FailoverState
	Request             *wire.SigningRequest
}

// sessionEntry bundles a live Session with its state machine, P2P
// metadata, and per-event-kind emission guard.
type sessionEntry struct {
	session *musig.Session
	sm      *musig.StateMachine
	p2p     *P2PMetadata
	emitted map[EventKind]bool
	seq     uint64 // last sequence number this node stamped on its own outgoing messages (0 before the first)
}

// pendingRequest tracks one SigningRequest this node originated or is
// watching, before the session it describes goes live.
type pendingRequest struct {
	mu           sync.Mutex
	request      *wire.SigningRequest
	requiredKeys []*btcec.PublicKey
	participants map[int]string
	joined       map[int]bool
	sessionID    string
	fired        bool
}

// Coordinator is the outward-facing orchestrator. Exactly one instance per
// node; it owns the overlay handle.
type Coordinator struct {
	cfg      Config
	ovl      overlay.Overlay
	reg      registry.Registry
	log      *logging.Logger
	guard    *guard.SequenceGuard
	engine   *musig.Engine
	rep      *reputationTable

	privKey *btcec.PrivateKey
	pubKey  *btcec.PublicKey

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	requests map[string]*pendingRequest
	adverts  map[string]*wire.SignerAdvertisement // keyed by hex pubkey, this node's own cache

	handlersMu sync.RWMutex
	handlers   []EventHandler

	ctx           context.Context
	cancel        context.CancelFunc
	cleanupTicker *time.Ticker
	wg            sync.WaitGroup
}

// New constructs a Coordinator bound to ovl, signing as privKey, gated by
// reg (or registry.AllowAll{} if reg is nil).
func New(ctx context.Context, cfg Config, ovl overlay.Overlay, reg registry.Registry, privKey *btcec.PrivateKey, log *logging.Logger) *Coordinator {
	if reg == nil {
		reg = registry.AllowAll{}
	}

	ctx, cancel := context.WithCancel(ctx)

	c := &Coordinator{
		cfg:      cfg,
		ovl:      ovl,
		reg:      reg,
		log:      log.Component("coordinator"),
		guard:    guard.New(guard.Config{MaxSequenceGap: cfg.MaxSequenceGap, MaxTimestampSkew: cfg.MaxTimestampSkew}),
		engine:   musig.NewEngine(),
		rep:      newReputationTable(cfg.MaxInvalidMessagesPerPeer),
		privKey:  privKey,
		pubKey:   privKey.PubKey(),
		sessions: make(map[string]*sessionEntry),
		requests: make(map[string]*pendingRequest),
		adverts:  make(map[string]*wire.SignerAdvertisement),
		ctx:      ctx,
		cancel:   cancel,
	}

	return c
}

// OnEvent registers an event subscriber.
func (c *Coordinator) OnEvent(h EventHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Start begins periodic cleanup and registers overlay handlers.
func (c *Coordinator) Start() error {
	if err := c.registerOverlayHandlers(); err != nil {
		return err
	}

	c.cleanupTicker = time.NewTicker(c.cfg.CleanupInterval)
	c.wg.Add(1)
	go c.runCleanup()

	return nil
}

// Stop cancels the coordinator's context, stops the cleanup ticker, and
// waits for the cleanup goroutine to exit. Live sessions are not aborted.
func (c *Coordinator) Stop() {
	c.cancel()
	if c.cleanupTicker != nil {
		c.cleanupTicker.Stop()
	}
	c.wg.Wait()
}
