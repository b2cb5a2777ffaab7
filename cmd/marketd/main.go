// Package main provides marketd, the marketplace core daemon: it wires
// storage, the in-memory market registry, the settlement coordinator,
// the external contract gateway, the libp2p gossip node, and the
// JSON-RPC/WebSocket server into one running process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/extcall"
	"github.com/marble-market/core/internal/gossip"
	"github.com/marble-market/core/internal/market"
	"github.com/marble-market/core/internal/rpc"
	"github.com/marble-market/core/internal/settlement"
	"github.com/marble-market/core/internal/storage"
	"github.com/marble-market/core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		runInit(os.Args[2:])
		return
	}
	runDaemon(os.Args[1:])
}

// runInit derives a fresh genesis admin keypair and writes a starter
// config file, the marketplace-core analogue of the NEAR contract's
// #[init] constructor, now needing real key material since there is no
// chain-enforced access key to lean on.
func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	var (
		configPath = fs.String("config", "~/.marketd/config.yaml", "Where to write the genesis config")
		owner      = fs.String("owner", "owner.near", "Owner account id")
		treasury   = fs.String("treasury", "treasury.near", "Treasury account id")
		contractID = fs.String("contract-id", "market.near", "This marketplace's own chain account id")
		mnemonic   = fs.String("mnemonic", "", "Existing BIP-39 mnemonic (generates a new one if empty)")
	)
	fs.Parse(args)

	var err error
	m := *mnemonic
	if m == "" {
		m, err = generateMnemonic()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate mnemonic: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Generated a new 24-word admin mnemonic. Store it offline — it is not saved to disk:")
		fmt.Println()
		fmt.Println("  " + m)
		fmt.Println()
	}

	ownerPriv, treasuryPriv, err := deriveAdminKeypairs(m, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive admin keys: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultInit()
	cfg.Owner = *owner
	cfg.Treasury = *treasury
	cfg.ContractAccountID = *contractID
	cfg.OwnerPubKeyHex = compressedPubHex(ownerPriv)
	cfg.TreasuryPubKeyHex = compressedPubHex(treasuryPriv)

	path := expandPath(*configPath)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create config dir: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote genesis config to %s\n", path)
	fmt.Printf("Owner pubkey:    %s\n", cfg.OwnerPubKeyHex)
	fmt.Printf("Treasury pubkey: %s\n", cfg.TreasuryPubKeyHex)
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("marketd", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "~/.marketd/config.yaml", "Genesis/init config file")
		apiAddr     = fs.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = fs.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = fs.Bool("version", false, "Show version and exit")
	)
	fs.Parse(args)

	if *showVersion {
		fmt.Printf("marketd %s (commit %s)\n", version, commit)
		return
	}

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	path := expandPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: expandPath(cfg.Storage.DataDir)})
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("storage initialized", "path", expandPath(cfg.Storage.DataDir))

	registry := market.New(cfg, store)

	var gateway extcall.Gateway
	if cfg.GatewayURL != "" {
		gateway = extcall.NewJSONRPCGateway(cfg.GatewayURL, 30*time.Second)
		log.Info("external contract gateway configured", "url", cfg.GatewayURL)
	} else {
		log.Warn("no gateway_url configured; settlement payouts will fail until one is set")
		gateway = extcall.NewJSONRPCGateway("", 30*time.Second)
	}

	coordinator := settlement.NewCoordinator(settlement.CoordinatorConfig{
		Registry:          registry,
		Store:             store,
		Gateway:           gateway,
		ContractAccountID: cfg.ContractAccountID,
	})
	defer coordinator.Close()
	coordinator.Start()
	coordinator.StartTimeoutMonitor(30 * time.Second)
	log.Info("settlement coordinator started")

	rpcServer, err := rpc.NewServer(cfg, registry, store, coordinator)
	if err != nil {
		log.Fatal("failed to build RPC server", "error", err)
	}
	if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
		log.Fatal("failed to start RPC server", "error", err)
	}
	defer rpcServer.Stop()
	log.Info("RPC server listening", "addr", cfg.RPC.ListenAddr)

	var gossipNode *gossip.Node
	if cfg.Gossip.Enabled {
		keyFile := filepath.Join(expandPath(cfg.Storage.DataDir), "gossip_identity.key")
		gossipNode, err = gossip.New(ctx, &cfg.Gossip, keyFile)
		if err != nil {
			log.Error("failed to create gossip node, continuing without it", "error", err)
		} else if err := gossipNode.Start(); err != nil {
			log.Error("failed to start gossip node, continuing without it", "error", err)
			gossipNode = nil
		} else {
			wireGossip(log, rpcServer, coordinator, gossipNode)
		}
	}
	if gossipNode != nil {
		defer gossipNode.Stop()
	}

	printBanner(log, cfg, gossipNode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")
	cancel()
}

// wireGossip publishes the settlement coordinator's events onto the
// marketplace's gossip topic (as EventSettlementResolved), logs P2P
// connectivity changes, and runs a periodic status log. Listing, bid,
// offer and trade activity from the RPC layer is not published to
// gossip; rpcServer is not used.
func wireGossip(log *logging.Logger, rpcServer *rpc.Server, coord *settlement.Coordinator, n *gossip.Node) {
	p2pLog := log.Component("p2p")

	n.OnPeerConnected(func(p peer.ID) {
		p2pLog.Info("peer connected", "peer", p.String(), "total", n.PeerCount())
	})
	n.OnPeerDisconnected(func(p peer.ID) {
		p2pLog.Info("peer disconnected", "peer", p.String(), "total", n.PeerCount())
	})

	coord.OnEvent(func(ev settlement.Event) {
		if err := n.Events().Publish(context.Background(), gossip.EventSettlementResolved, ev); err != nil {
			p2pLog.Debug("gossip publish failed", "error", err)
		}
	})

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			p2pLog.Info("status", "peers", n.PeerCount(), "uptime", n.Uptime().Round(time.Second))
		}
	}()
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Init, n *gossip.Node) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Marble Market core (%s)", version)
	log.Info("=================================================")
	log.Infof("  Owner:     %s", cfg.Owner)
	log.Infof("  Treasury:  %s", cfg.Treasury)
	log.Infof("  Contract:  %s", cfg.ContractAccountID)
	log.Infof("  API:       http://%s", cfg.RPC.ListenAddr)
	log.Infof("  WS:        ws://%s/ws", cfg.RPC.ListenAddr)
	if n != nil {
		log.Infof("  Peer ID:   %s", n.ID().String())
		for _, addr := range n.Addrs() {
			log.Infof("  Listening: %s/p2p/%s", addr.String(), n.ID().String())
		}
	} else {
		log.Info("  Gossip:    disabled")
	}
	log.Info("=================================================")
	log.Info("")
}
