// Package node runs the libp2p host and the periodic status dialer.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"

	"github.com/dxnetwork/dxd/internal/config"
	"github.com/dxnetwork/dxd/internal/history"
	"github.com/dxnetwork/dxd/internal/identity"
	"github.com/dxnetwork/dxd/internal/metrics"
	"github.com/dxnetwork/dxd/internal/service"
	"github.com/dxnetwork/dxd/internal/status"
	"github.com/dxnetwork/dxd/internal/trust"
)

var log = logging.Logger("dx-node")

// Node owns the libp2p host, the trust store, and the status service.
type Node struct {
	host    host.Host
	trust   *trust.Store
	service *service.Service
	history *history.Log
	metrics *metrics.Metrics
	config  *config.Config

	// peers from the config with a known multiaddr
	dialTargets []peer.ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from the configuration: identity key, trust store,
// digest provider, history log, libp2p host, and the status service
// wired together.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		config:  cfg,
		metrics: metrics.New(),
		ctx:     nodeCtx,
		cancel:  cancel,
	}
	if err := n.init(); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	privKey, err := identity.LoadOrCreate(n.config.Trust.KeyPath)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	n.trust, err = trust.Load(n.config.Trust.StorePath)
	if err != nil {
		return fmt.Errorf("loading trust store: %w", err)
	}

	provider, err := status.NewProvider(n.config.Status.Provider)
	if err != nil {
		return fmt.Errorf("building digest provider: %w", err)
	}

	if n.config.History.Path != "" {
		n.history, err = history.Open(n.config.History.Path)
		if err != nil {
			return fmt.Errorf("opening history log: %w", err)
		}
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.config.Network.Listen))
	for _, s := range n.config.Network.Listen {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, addr)
	}

	maxConns := n.config.Network.MaxConns
	if maxConns <= 0 {
		maxConns = 256
	}
	connMgr, err := connmgr.NewConnManager(maxConns/2, maxConns,
		connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return fmt.Errorf("creating connection manager: %w", err)
	}

	n.host, err = libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(newTrustGater(n.trust)),
	)
	if err != nil {
		return fmt.Errorf("creating libp2p host: %w", err)
	}

	n.service = service.New(n.host.ID(), n.trust, provider, n, n.historySink(), n.metrics, service.Config{
		AutoProvision: n.config.Status.AutoProvision,
		MaxSessions:   n.config.Status.MaxSessions,
		RedialMax:     n.config.Status.RedialMax,
		Session: status.SessionConfig{
			HandshakeTimeout: n.config.Status.HandshakeTimeout,
			ExchangeTimeout:  n.config.Status.ExchangeTimeout,
		},
	})

	n.host.SetStreamHandler(status.ProtocolID, n.handleStream)

	if err := n.loadPeerAddrs(); err != nil {
		return err
	}

	log.Infof("node up: id=%s addrs=%v", n.host.ID(), n.host.Addrs())
	return nil
}

// historySink returns the outcome sink, nil when history is disabled.
func (n *Node) historySink() service.OutcomeSink {
	if n.history == nil {
		return nil
	}
	return n.history
}

// loadPeerAddrs seeds the peerstore with the statically configured
// peer addresses.
func (n *Node) loadPeerAddrs() error {
	for idStr, addrStr := range n.config.Peers {
		id, err := peer.Decode(idStr)
		if err != nil {
			return fmt.Errorf("invalid peer id %q: %w", idStr, err)
		}
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			return fmt.Errorf("invalid address %q for peer %s: %w", addrStr, idStr, err)
		}
		n.host.Peerstore().AddAddrs(id, []multiaddr.Multiaddr{addr}, peerstore.PermanentAddrTTL)
		n.dialTargets = append(n.dialTargets, id)
	}
	return nil
}

// ID returns the local peer identity.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Service exposes the status service.
func (n *Node) Service() *service.Service { return n.service }

// Trust exposes the trust store.
func (n *Node) Trust() *trust.Store { return n.trust }

// Open implements service.Transport via the libp2p host.
func (n *Node) Open(ctx context.Context, id peer.ID) (status.Stream, error) {
	stream, err := n.host.NewStream(ctx, id, status.ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("opening stream to %s: %w", id, err)
	}
	return stream, nil
}

func (n *Node) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	if err := n.service.HandleInbound(remote, s); err != nil {
		log.Debugf("inbound exchange from %s: %v", remote.ShortString(), err)
	}
}

// Start launches the periodic dial loop and, when configured, the
// metrics snapshot loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.dialLoop()

	if n.config.Metrics.Path != "" {
		n.wg.Add(1)
		go n.metricsLoop()
	}
}

// dialLoop initiates an exchange with every admitted configured peer on
// each tick. Failures are logged and retried on the next tick.
func (n *Node) dialLoop() {
	defer n.wg.Done()

	interval := n.config.Status.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.dialRound()
		}
	}
}

func (n *Node) dialRound() {
	for _, id := range n.dialTargets {
		if id == n.host.ID() {
			continue
		}
		if !n.trust.IsAdmitted(id) && !n.config.Status.AutoProvision {
			continue
		}
		id := id
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			out, err := n.service.Initiate(n.ctx, id)
			if err != nil {
				log.Debugf("exchange with %s: %v", id.ShortString(), err)
				return
			}
			log.Infof("exchange with %s: %s (peer digest %x)",
				id.ShortString(), out.Result, out.PeerDigest)
		}()
	}
}

func (n *Node) metricsLoop() {
	defer n.wg.Done()

	interval := n.config.Metrics.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			// Final snapshot on shutdown.
			if err := n.metrics.WriteSnapshot(n.config.Metrics.Path); err != nil {
				log.Warnf("writing metrics snapshot: %v", err)
			}
			return
		case <-ticker.C:
			if err := n.metrics.WriteSnapshot(n.config.Metrics.Path); err != nil {
				log.Warnf("writing metrics snapshot: %v", err)
			}
		}
	}
}

// Close shuts the node down: no new sessions, running ones drained, then
// the host and history log released.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()

	if n.service != nil {
		n.service.Close()
	}
	var firstErr error
	if n.host != nil {
		if err := n.host.Close(); err != nil {
			firstErr = err
		}
	}
	if n.history != nil {
		if err := n.history.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
