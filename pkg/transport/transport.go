package transport

import (
    "github.com/hexafed/go-registry/pkg/consensus"
)

// Handler is the inbound RPC surface of a consensus node. Transports dispatch
// received protocol RPCs through it; implementations must never panic on any
// input.
type Handler interface {
    HandleVoteRequest(req consensus.VoteRequest) consensus.VoteResponse
    HandleAppendEntries(req consensus.AppendEntriesRequest) consensus.AppendEntriesResponse
}

// Transport resolves a peer reference (co-located or remote) to a callable
// endpoint. Calls return an error value for unreachable or unknown peers;
// they never crash the caller.
type Transport interface {
    SendVoteRequest(peer consensus.Peer, req consensus.VoteRequest) (consensus.VoteResponse, error)
    SendAppendEntries(peer consensus.Peer, req consensus.AppendEntriesRequest) (consensus.AppendEntriesResponse, error)
}

// PeerID extracts the identity from either peer form.
func PeerID(p consensus.Peer) string { return p.ID }

// Message is a tagged asynchronous RPC result delivered to a node's inbox.
type Message interface{}

// VoteReply delivers the outcome of an asynchronous vote request. Err is set
// when the peer was unreachable or unknown; the response is then zero.
type VoteReply struct {
    PeerID string
    Resp   consensus.VoteResponse
    Err    error
}

// AppendReply delivers the outcome of an asynchronous append-entries call.
// SentUpTo echoes the highest entry index carried by the request (0 for a
// pure heartbeat) so the caller can advance per-peer tracking.
type AppendReply struct {
    PeerID   string
    Resp     consensus.AppendEntriesResponse
    SentUpTo uint64
    Err      error
}

// Deliver posts msg to inbox without blocking. A full inbox drops the
// message; a dropped reply is indistinguishable from a lost RPC and is
// retried on the next election or heartbeat round.
func Deliver(inbox chan<- Message, msg Message) {
    select {
    case inbox <- msg:
    default:
    }
}

// AsyncVoteRequest fires the RPC without blocking the caller and delivers a
// VoteReply to inbox once the result is available.
func AsyncVoteRequest(t Transport, peer consensus.Peer, req consensus.VoteRequest, inbox chan<- Message) {
    go func() {
        resp, err := t.SendVoteRequest(peer, req)
        Deliver(inbox, VoteReply{PeerID: peer.ID, Resp: resp, Err: err})
    }()
}

// AsyncAppendEntries fires the RPC without blocking the caller and delivers
// an AppendReply to inbox once the result is available.
func AsyncAppendEntries(t Transport, peer consensus.Peer, req consensus.AppendEntriesRequest, inbox chan<- Message) {
    var sentUpTo uint64
    if n := len(req.Entries); n > 0 { sentUpTo = req.Entries[n-1].Index }
    go func() {
        resp, err := t.SendAppendEntries(peer, req)
        Deliver(inbox, AppendReply{PeerID: peer.ID, Resp: resp, SentUpTo: sentUpTo, Err: err})
    }()
}
