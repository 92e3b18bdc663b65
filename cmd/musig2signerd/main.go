// Package main provides musig2signerd, a P2P daemon that discovers other
// signers, coordinates MuSig2 two-round Schnorr signing sessions over them,
// and emits the final aggregate signature.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2mesh/internal/config"
	"github.com/klingon-exchange/musig2mesh/internal/coordinator"
	"github.com/klingon-exchange/musig2mesh/internal/overlay"
	"github.com/klingon-exchange/musig2mesh/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.musig2mesh", "Data directory")
		configFile  = flag.String("config", "", "Config file path; only its directory is used, and config.yaml is read from there (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		enableMDNS  = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT   = flag.Bool("dht", true, "Enable DHT discovery")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("musig2signerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signingKey, err := loadOrCreateSigningKey(filepath.Join(expandPath(*dataDir), "signer.key"))
	if err != nil {
		log.Fatal("failed to load signing key", "error", err)
	}
	log.Info("signing identity ready", "publicKey", hex.EncodeToString(signingKey.PubKey().SerializeCompressed()))

	ovl, err := overlay.New(ctx, overlay.NetworkConfig{
		ListenAddrs:        cfg.Network.ListenAddrs,
		BootstrapPeers:     cfg.Network.BootstrapPeers,
		EnableMDNS:         cfg.Network.EnableMDNS,
		EnableDHT:          cfg.Network.EnableDHT,
		EnableRelay:        cfg.Network.EnableRelay,
		EnableNAT:          cfg.Network.EnableNAT,
		EnableHolePunching: cfg.Network.EnableHolePunching,
		DHTPrefix:          cfg.Network.DHTPrefix,
		DiscoveryNamespace: cfg.Network.DiscoveryNamespace,
		KeyFile:            filepath.Join(expandPath(*dataDir), "node.key"),
		ConnMgrLowWater:    cfg.Network.ConnMgr.LowWater,
		ConnMgrHighWater:   cfg.Network.ConnMgr.HighWater,
		ConnMgrGrace:       cfg.Network.ConnMgr.GracePeriod,
	}, log)
	if err != nil {
		log.Fatal("failed to start overlay", "error", err)
	}
	defer ovl.Close()
	log.Info("overlay started", "peerId", ovl.SelfID())

	coordCfg := coordinator.Config{
		SessionTimeout:            cfg.Session.SessionTimeout(),
		StuckTimeout:              cfg.Session.StuckTimeout(),
		CleanupInterval:           cfg.Session.CleanupInterval(),
		MaxSequenceGap:            cfg.Session.MaxSequenceGap,
		MaxTimestampSkew:          cfg.Session.MaxTimestampSkew(),
		MaxInvalidMessagesPerPeer: cfg.Session.MaxInvalidMessagesPerPeer,
		MaxSigners:                cfg.Session.MaxSigners,
		MinSigners:                cfg.Session.MinSigners,
		ElectionMethod:            cfg.Session.ElectionMethod,
		EnableFailover:            cfg.Session.EnableFailover,
	}

	coord := coordinator.New(ctx, coordCfg, ovl, nil, signingKey, log)
	coord.OnEvent(func(ev coordinator.Event) {
		log.Info("coordinator event", "kind", ev.Kind, "sessionId", ev.SessionID)
	})

	if err := coord.Start(); err != nil {
		log.Fatal("failed to start coordinator", "error", err)
	}
	defer coord.Stop()
	log.Info("coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")
}

// loadOrCreateSigningKey loads the node's MuSig2 secp256k1 identity from
// keyPath, generating and persisting a fresh one on first run.
func loadOrCreateSigningKey(keyPath string) (*btcec.PrivateKey, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, err
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(priv.Serialize())
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
