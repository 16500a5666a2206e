package cluster

import (
    "errors"
    "log"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/membership"
    "github.com/hexafed/go-registry/pkg/transport"
)

type NodeID string

// Options carries dependency-injected components and runtime configuration
// used to assemble the cluster facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // NodeID is the unique identifier of this node within the cluster.
    NodeID NodeID
    // Logger is used by cluster to report operational messages.
    Logger *log.Logger

    // Node is the consensus engine (required). It must also implement
    // LeaderNotifier when leadership events are wanted.
    Node consensus.Node

    // Membership is the optional advisory gossip layer. It never feeds
    // quorum decisions; voting membership comes only from committed
    // AddServer/RemoveServer commands.
    Membership membership.Membership

    // Seeds are gossip join targets handed to Membership on Start.
    Seeds []string

    // Management RPC (optional): server for this node, client for reaching
    // other nodes' management endpoints.
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // PeerAddr is the consensus RPC address other nodes use to reach this
    // node; it is advertised in join requests and membership metadata.
    PeerAddr string

    // Optional callbacks for app-level hooks.
    OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("cluster: empty NodeID")
    }
    if o.Node == nil {
        return errors.New("cluster: nil Node")
    }
    if o.Logger == nil {
        return errors.New("cluster: nil Logger")
    }
    return nil
}

// LeaderNotifier is implemented by consensus engines that surface leadership
// changes as an event stream.
type LeaderNotifier interface {
    LeaderCh() <-chan consensus.LeaderInfo
}
