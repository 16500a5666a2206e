package cluster

import "errors"

var (
    ErrNotLeader   = errors.New("cluster: not leader")
    ErrNoLeader    = errors.New("cluster: no known leader")
    ErrNoRPCClient = errors.New("cluster: no RPC client configured")
    ErrUnreachable = errors.New("cluster: unreachable")
)
