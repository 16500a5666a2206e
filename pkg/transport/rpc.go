package transport

import (
    "context"

    "github.com/hexafed/go-registry/pkg/registry"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// RegistryFunc returns the JSON-encoded applied registry.
type RegistryFunc func(ctx context.Context) ([]byte, error)

// DiagnosticsFunc returns the JSON-encoded consensus diagnostics snapshot.
type DiagnosticsFunc func(ctx context.Context) ([]byte, error)

// ProposeRequest submits a registry command through the management API.
type ProposeRequest struct {
    Command registry.Command `json:"command"`
}

// ProposeResponse reports the assigned log index, or the advisory leader id
// when the receiving node is not the leader.
type ProposeResponse struct {
    Index    uint64 `json:"index,omitempty"`
    LeaderID string `json:"leaderId,omitempty"`
    Error    string `json:"error,omitempty"`
}

// ProposeFunc handles command submission (leader-only).
type ProposeFunc func(ctx context.Context, req ProposeRequest) (ProposeResponse, error)

// JoinRequest asks the cluster to add a node as a voting member. PeerAddr is
// the consensus RPC address other nodes should use to reach it.
type JoinRequest struct {
    ID       string `json:"id"`
    PeerAddr string `json:"peerAddr"`
}

// JoinResponse indicates acceptance and optionally leader id or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Index    uint64 `json:"index,omitempty"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles membership-add requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a node from the voting membership.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveResponse indicates whether the removal was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Index    uint64 `json:"index,omitempty"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles membership-remove requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// Hooks bundles the management handlers a server dispatches to.
type Hooks struct {
    Status      StatusFunc
    Registry    RegistryFunc
    Diagnostics DiagnosticsFunc
    Propose     ProposeFunc
    Join        JoinFunc
    Leave       LeaveFunc
}

// RPCServer exposes the management endpoints (status/registry/diagnostics/
// propose/join/leave) for intra-cluster and operator calls.
type RPCServer interface {
    Start(ctx context.Context, hooks Hooks) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetRegistry(ctx context.Context, addr string) ([]byte, error)
    GetDiagnostics(ctx context.Context, addr string) ([]byte, error)
    PostPropose(ctx context.Context, addr string, req ProposeRequest) (ProposeResponse, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}
