package cluster

import (
    "github.com/hexafed/go-registry/pkg/membership"
)

// ClusterStatus is a high-level, JSON-serializable snapshot of the cluster
// suitable for external status endpoints and tooling.
type ClusterStatus struct {
    // Healthy indicates whether a leader is known.
    Healthy bool
    // Term is the current consensus term as observed by this node.
    Term uint64
    // LeaderID is the identifier of the current leader, if any.
    LeaderID string
    // CommitIndex is the highest committed log index on this node.
    CommitIndex uint64
    // Members lists the committed voting membership.
    Members []string
    // Gossip lists the advisory membership view, when gossip is enabled.
    Gossip []membership.MemberInfo
    // Warnings contains any non-fatal observations (e.g., gossip/committed
    // membership divergence).
    Warnings []string
}
