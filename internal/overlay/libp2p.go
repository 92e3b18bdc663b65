package overlay

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/musig2mesh/internal/wire"
	"github.com/klingon-exchange/musig2mesh/pkg/logging"
)

// DirectProtocol is the libp2p protocol ID used for direct-send envelopes.
const DirectProtocol protocol.ID = "/musig2mesh/direct/1.0.0"

// NetworkConfig holds the libp2p-facing settings an Overlay needs.
type NetworkConfig struct {
	ListenAddrs        []string
	BootstrapPeers     []string
	EnableMDNS         bool
	EnableDHT          bool
	EnableRelay        bool
	EnableNAT          bool
	EnableHolePunching bool
	DHTPrefix          string
	DiscoveryNamespace string
	KeyFile            string
	ConnMgrLowWater    int
	ConnMgrHighWater   int
	ConnMgrGrace       time.Duration
}

// LibP2POverlay is the production Overlay implementation: a libp2p host
// with GossipSub for topics and a Kademlia DHT for put/get, with mDNS and
// routing-table discovery for peer finding.
type LibP2POverlay struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	cfg    NetworkConfig
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	ctx    context.Context
	cancel context.CancelFunc

	directMu sync.RWMutex
	onDirect Handler
}

// New builds and starts a libp2p-backed Overlay.
func New(ctx context.Context, cfg NetworkConfig, log *logging.Logger) (*LibP2POverlay, error) {
	ctx, cancel := context.WithCancel(ctx)

	o := &LibP2POverlay{cfg: cfg, log: log, ctx: ctx, cancel: cancel}

	privKey, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: load/create key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("overlay: invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.ConnMgrLowWater, cfg.ConnMgrHighWater,
		connmgr.WithGracePeriod(cfg.ConnMgrGrace),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: create host: %w", err)
	}
	o.host = h

	h.SetStreamHandler(DirectProtocol, o.handleStream)

	if cfg.EnableDHT {
		if err := o.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("overlay: init DHT: %w", err)
		}
	}

	if err := o.initPubSub(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("overlay: init pubsub: %w", err)
	}

	if cfg.EnableMDNS {
		if err := o.initMDNS(); err != nil {
			o.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	for _, addrStr := range cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			o.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			o.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
			defer cancel()
			if err := o.host.Connect(ctx, pi); err != nil {
				o.log.Warn("failed to connect to bootstrap peer", "peer", pi.ID.String(), "error", err)
			}
		}(*pi)
	}

	if o.routingDisc != nil {
		go dutil.Advertise(o.ctx, o.routingDisc, cfg.DiscoveryNamespace)
		go o.discoverPeers()
	}

	return o, nil
}

func (o *LibP2POverlay) initDHT(ctx context.Context) error {
	var err error
	o.dht, err = dht.New(ctx, o.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(o.cfg.DHTPrefix)),
	)
	if err != nil {
		return err
	}
	if err := o.dht.Bootstrap(ctx); err != nil {
		return err
	}
	o.routingDisc = drouting.NewRoutingDiscovery(o.dht)
	return nil
}

func (o *LibP2POverlay) initPubSub(ctx context.Context) error {
	var err error
	o.pubsub, err = pubsub.NewGossipSub(ctx, o.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	return err
}

func (o *LibP2POverlay) initMDNS() error {
	o.mdnsService = mdns.NewMdnsService(o.host, o.cfg.DiscoveryNamespace, mdnsNotifee{o})
	return o.mdnsService.Start()
}

type mdnsNotifee struct{ o *LibP2POverlay }

func (n mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.o.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.o.ctx, 10*time.Second)
	defer cancel()
	if err := n.o.host.Connect(ctx, pi); err != nil {
		n.o.log.Debug("failed to connect to mDNS peer", "peer", pi.ID.String(), "error", err)
	}
}

func (o *LibP2POverlay) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(o.ctx, o.routingDisc, o.cfg.DiscoveryNamespace)
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == o.host.ID() {
					continue
				}
				if o.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
					defer cancel()
					o.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

func (o *LibP2POverlay) SelfID() string { return o.host.ID().String() }

func (o *LibP2POverlay) OnDirectMessage(handler Handler) {
	o.directMu.Lock()
	o.onDirect = handler
	o.directMu.Unlock()
}

// handleStream reads one length-prefixed message off an incoming direct
// stream and dispatches it to the registered handler.
func (o *LibP2POverlay) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	s.SetReadDeadline(time.Now().Add(60 * time.Second))

	reader := bufio.NewReader(s)
	data, err := wire.ReadLengthPrefixed(reader)
	if err != nil {
		o.log.Warn("failed to read direct message", "peer", remote.String(), "error", err)
		return
	}

	o.directMu.RLock()
	handler := o.onDirect
	o.directMu.RUnlock()

	if handler != nil {
		handler(o.ctx, remote.String(), data)
	}
}

func (o *LibP2POverlay) SendToPeer(ctx context.Context, peerID string, data []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("overlay: invalid peer id %q: %w", peerID, err)
	}

	stream, err := o.host.NewStream(ctx, pid, DirectProtocol)
	if err != nil {
		return fmt.Errorf("overlay: open stream: %w", err)
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return wire.WriteLengthPrefixed(stream, data)
}

func (o *LibP2POverlay) Subscribe(ctx context.Context, topicName string, handler Handler) (func(), error) {
	topic, err := o.pubsub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("overlay: join topic %q: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("overlay: subscribe topic %q: %w", topicName, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == o.host.ID() {
				continue
			}
			handler(subCtx, msg.ReceivedFrom.String(), msg.Data)
		}
	}()

	unsubscribe := func() {
		cancel()
		sub.Cancel()
		topic.Close()
	}
	return unsubscribe, nil
}

func (o *LibP2POverlay) Publish(ctx context.Context, topicName string, data []byte) error {
	topic, err := o.pubsub.Join(topicName)
	if err != nil {
		return fmt.Errorf("overlay: join topic %q: %w", topicName, err)
	}
	return topic.Publish(ctx, data)
}

func (o *LibP2POverlay) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if o.dht == nil {
		return fmt.Errorf("overlay: DHT not enabled")
	}
	return o.dht.PutValue(ctx, "/musig2/"+key, data)
}

func (o *LibP2POverlay) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if o.dht == nil {
		return nil, false, fmt.Errorf("overlay: DHT not enabled")
	}
	data, err := o.dht.GetValue(ctx, "/musig2/"+key)
	if err != nil {
		return nil, false, nil
	}
	return data, true, nil
}

func (o *LibP2POverlay) Close() error {
	o.cancel()
	if o.mdnsService != nil {
		o.mdnsService.Close()
	}
	if o.dht != nil {
		o.dht.Close()
	}
	return o.host.Close()
}

func loadOrCreateKey(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}
	return privKey, nil
}
