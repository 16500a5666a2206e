package inproc

import (
    "fmt"
    "sync"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/transport"
)

// Network resolves co-located peers (bare ids) against a process-local
// handler registry and dispatches in-process with no serialization. Peers
// carrying an address are delegated to an optional remote transport, so the
// same Network serves mixed clusters.
type Network struct {
    mu       sync.RWMutex
    handlers map[string]transport.Handler
    remote   transport.Transport
}

// NewNetwork returns an empty process-local network.
func NewNetwork() *Network { return &Network{handlers: make(map[string]transport.Handler)} }

// WithRemote sets the transport used for peers that carry an address.
func (n *Network) WithRemote(t transport.Transport) *Network {
    n.mu.Lock(); defer n.mu.Unlock()
    n.remote = t
    return n
}

// Register makes a node reachable under id. Re-registering replaces the
// previous handler (restart of a co-located node).
func (n *Network) Register(id string, h transport.Handler) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.handlers[id] = h
}

// Deregister removes a node; subsequent calls to it yield errors, modeling a
// crashed co-located peer.
func (n *Network) Deregister(id string) {
    n.mu.Lock(); defer n.mu.Unlock()
    delete(n.handlers, id)
}

func (n *Network) resolve(peer consensus.Peer) (transport.Handler, transport.Transport, error) {
    n.mu.RLock(); defer n.mu.RUnlock()
    if peer.Remote() {
        if n.remote == nil {
            return nil, nil, fmt.Errorf("inproc: no remote transport for peer %s (%s)", peer.ID, peer.Addr)
        }
        return nil, n.remote, nil
    }
    h, ok := n.handlers[peer.ID]
    if !ok { return nil, nil, fmt.Errorf("inproc: unknown peer %s", peer.ID) }
    return h, nil, nil
}

func (n *Network) SendVoteRequest(peer consensus.Peer, req consensus.VoteRequest) (consensus.VoteResponse, error) {
    h, remote, err := n.resolve(peer)
    if err != nil { return consensus.VoteResponse{}, err }
    if remote != nil { return remote.SendVoteRequest(peer, req) }
    return h.HandleVoteRequest(req), nil
}

func (n *Network) SendAppendEntries(peer consensus.Peer, req consensus.AppendEntriesRequest) (consensus.AppendEntriesResponse, error) {
    h, remote, err := n.resolve(peer)
    if err != nil { return consensus.AppendEntriesResponse{}, err }
    if remote != nil { return remote.SendAppendEntries(peer, req) }
    return h.HandleAppendEntries(req), nil
}

var _ transport.Transport = (*Network)(nil)
