package consensus

// Peer references another consensus node. A peer with an empty Addr is
// co-located and resolved through the process-local node registry; a peer
// with an Addr is reached over the network. Identity is always the ID.
type Peer struct {
    ID   string `json:"id"`
    Addr string `json:"addr,omitempty"`
}

// LocalPeer returns a co-located peer reference.
func LocalPeer(id string) Peer { return Peer{ID: id} }

// RemotePeer returns a network peer reference.
func RemotePeer(id, addr string) Peer { return Peer{ID: id, Addr: addr} }

// Remote reports whether the peer must be reached over the network.
func (p Peer) Remote() bool { return p.Addr != "" }
