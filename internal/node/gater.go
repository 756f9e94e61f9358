package node

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/dxnetwork/dxd/internal/trust"
)

// trustGater blocks connections involving revoked peers at the transport
// layer. Unknown peers may still connect; they are refused per-protocol
// so they can observe an explicit rejection instead of a silent drop.
type trustGater struct {
	trust *trust.Store
}

func newTrustGater(ts *trust.Store) *trustGater {
	return &trustGater{trust: ts}
}

func (g *trustGater) revoked(p peer.ID) bool {
	rec, ok := g.trust.Lookup(p)
	return ok && rec.Level == trust.Revoked
}

// InterceptPeerDial is called before dialing a peer.
func (g *trustGater) InterceptPeerDial(p peer.ID) bool {
	if g.revoked(p) {
		log.Debugf("blocked dial to revoked peer %s", p.ShortString())
		return false
	}
	return true
}

// InterceptAddrDial is called before dialing a specific address.
func (g *trustGater) InterceptAddrDial(p peer.ID, _ multiaddr.Multiaddr) bool {
	return !g.revoked(p)
}

// InterceptAccept is called on inbound connections before any handshake.
func (g *trustGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured runs after the security handshake identifies the peer.
func (g *trustGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.revoked(p) {
		log.Infof("dropping connection with revoked peer %s", p.ShortString())
		return false
	}
	return true
}

// InterceptUpgraded is called after the connection is fully upgraded.
func (g *trustGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
