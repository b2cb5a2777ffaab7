// Package gossip provides the marketplace core's libp2p P2P node: peer
// discovery over a Kademlia DHT (plus local mDNS), and a GossipSub
// topic broadcasting marketplace events so off-chain indexers and
// other marketplace nodes can follow listing/bid/trade/settlement
// activity without polling the JSON-RPC surface. Adapted from the
// teacher's internal/node package, dropping the direct-messaging and
// swap-protocol machinery that has no marketplace analogue.
package gossip

import (
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
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/pkg/logging"
)

const (
	dhtPrefix      = "/marble-market"
	discoveryNS    = "marble-market-nodes"
	connLowWater   = 32
	connHighWater  = 128
	connGracePeriod = 30 * time.Second
)

// Node is a marketplace-core P2P node.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	cfg    *config.GossipConfig
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	events *EventHandler

	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu sync.RWMutex
}

// New creates a gossip node from the marketplace init config's Gossip
// section. keyFile is where the node's Ed25519 libp2p identity is
// persisted across restarts, under cfg's data directory.
func New(ctx context.Context, cfg *config.GossipConfig, keyFile string) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("gossip"),
	}

	privKey, err := loadOrCreateKey(keyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gossip: load/create identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("gossip: invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(connLowWater, connHighWater, connmgr.WithGracePeriod(connGracePeriod))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gossip: connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gossip: create host: %w", err)
	}
	n.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(net network.Network, conn network.Conn) {
			n.mu.RLock()
			cb := n.onPeerConnected
			n.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
		DisconnectedF: func(net network.Network, conn network.Conn) {
			n.mu.RLock()
			cb := n.onPeerDisconnected
			n.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
	})

	if err := n.initDHT(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip: init DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithPeerExchange(true), pubsub.WithFloodPublish(true))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip: init pubsub: %w", err)
	}
	n.pubsub = ps

	n.mdnsService = mdns.NewMdnsService(h, discoveryNS, n)
	if err := n.mdnsService.Start(); err != nil {
		n.log.Warn("mDNS init failed, continuing without local discovery", "error", err)
	}

	return n, nil
}

func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(keyFile); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, data, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host, dht.Mode(dht.ModeAutoServer), dht.ProtocolPrefix(protocol.ID(dhtPrefix)))
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

// HandlePeerFound implements mdns.Notifee.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("mDNS peer connect failed", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start connects to configured bootstrap peers, begins routing-table
// advertisement, and joins the marketplace-event topic.
func (n *Node) Start() error {
	n.startTime = time.Now()

	for _, addrStr := range n.cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			n.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("bootstrap connect failed", "peer", shortID(pi.ID), "error", err)
			} else {
				n.log.Info("connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, discoveryNS)
		go n.discoverPeers()
	}

	events, err := NewEventHandler(n)
	if err != nil {
		return fmt.Errorf("gossip: event handler: %w", err)
	}
	if err := events.Start(); err != nil {
		return fmt.Errorf("gossip: start event handler: %w", err)
	}
	n.events = events

	return nil
}

func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, discoveryNS)
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
					defer cancel()
					n.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// Stop shuts the node down gracefully.
func (n *Node) Stop() error {
	n.cancel()
	if n.events != nil {
		n.events.Stop()
	}
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// Events returns the marketplace event pubsub handler.
func (n *Node) Events() *EventHandler { return n.events }

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the node's listen multiaddrs.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int { return len(n.host.Network().Peers()) }

// OnPeerConnected sets a callback fired when a new peer connects.
func (n *Node) OnPeerConnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerConnected = cb
	n.mu.Unlock()
}

// OnPeerDisconnected sets a callback fired when a peer disconnects.
func (n *Node) OnPeerDisconnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerDisconnected = cb
	n.mu.Unlock()
}

// Uptime reports how long the node has been running.
func (n *Node) Uptime() time.Duration { return time.Since(n.startTime) }

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
