package raftnode

import (
    "errors"
    "log"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/transport"
)

// Options configure a consensus node.
type Options struct {
    // NodeID is the unique identity of this node within the cluster.
    NodeID string

    // Peers are the other cluster members known at start. Committed
    // AddServer/RemoveServer commands reshape the live set afterwards.
    Peers []consensus.Peer

    // Transport resolves peers to callable endpoints (required).
    Transport transport.Transport

    // WALDir roots the write-ahead log. Empty selects the documented
    // non-durable mode: the node runs correctly but loses all state on crash.
    WALDir string

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Election timeout is sampled uniformly from [Min, Max) per round so
    // repeated split votes are unlikely. Zero means defaults.
    ElectionTimeoutMin time.Duration
    ElectionTimeoutMax time.Duration

    // HeartbeatInterval must stay below ElectionTimeoutMin.
    HeartbeatInterval time.Duration

    // SnapshotEvery compacts the log each time this many committed entries
    // have been applied since the last snapshot. Zero disables compaction.
    SnapshotEvery uint64

    // InboxSize bounds the asynchronous RPC-reply inbox. Zero means default.
    InboxSize int
}

const (
    defaultElectionTimeoutMin = 150 * time.Millisecond
    defaultElectionTimeoutMax = 300 * time.Millisecond
    defaultHeartbeatInterval  = 50 * time.Millisecond
    defaultInboxSize          = 256
)

// Validate checks required fields and fills in defaults.
func (o *Options) Validate() error {
    if o.NodeID == "" { return errors.New("raftnode: empty NodeID") }
    if o.Transport == nil { return errors.New("raftnode: nil Transport") }
    if o.Logger == nil { o.Logger = log.Default() }
    if o.ElectionTimeoutMin <= 0 { o.ElectionTimeoutMin = defaultElectionTimeoutMin }
    if o.ElectionTimeoutMax <= o.ElectionTimeoutMin { o.ElectionTimeoutMax = 2 * o.ElectionTimeoutMin }
    if o.HeartbeatInterval <= 0 { o.HeartbeatInterval = defaultHeartbeatInterval }
    if o.HeartbeatInterval >= o.ElectionTimeoutMin {
        return errors.New("raftnode: HeartbeatInterval must be below ElectionTimeoutMin")
    }
    if o.InboxSize <= 0 { o.InboxSize = defaultInboxSize }
    for _, p := range o.Peers {
        if p.ID == o.NodeID { return errors.New("raftnode: Peers must not contain self") }
    }
    return nil
}
