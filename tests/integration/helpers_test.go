//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "testing"
    "time"

    "github.com/hexafed/go-registry/pkg/bootstrap"
    "github.com/hexafed/go-registry/pkg/registry"
    "github.com/hexafed/go-registry/pkg/transport"
)

var errNotYet = errors.New("not yet")

// status mirrors the JSON shape produced by the management /status endpoint.
type status struct {
    NodeID      string   `json:"nodeId"`
    Healthy     bool     `json:"healthy"`
    Term        uint64   `json:"term"`
    LeaderID    string   `json:"leaderId"`
    CommitIndex uint64   `json:"commitIndex"`
    Members     []string `json:"members"`
}

func freePort(t *testing.T) string {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("freePort: %v", err) }
    defer ln.Close()
    return ln.Addr().String()
}

// startNode launches a registry node with an HTTP management endpoint and a
// real consensus RPC endpoint, no gossip.
func startNode(t *testing.T, ctx context.Context, id, peersCSV string) (*bootstrap.Runtime, string) {
    t.Helper()
    mgmtAddr := freePort(t)
    rt, err := bootstrap.Run(ctx, bootstrap.Config{
        NodeID:   id,
        PeerBind: "127.0.0.1:0",
        PeersCSV: peersCSV,
        MgmtAddr: mgmtAddr,
        // tight timings keep the tests fast
        ElectionTimeoutMin: 100 * time.Millisecond,
        ElectionTimeoutMax: 200 * time.Millisecond,
        HeartbeatInterval:  30 * time.Millisecond,
    })
    if err != nil { t.Fatalf("start %s: %v", id, err) }
    t.Cleanup(func() { _ = rt.Stop(context.Background()) })
    return rt, mgmtAddr
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (*status, error) {
    data, err := cli.GetStatus(ctx, addr)
    if err != nil { return nil, err }
    var s status
    if err := json.Unmarshal(data, &s); err != nil { return nil, err }
    return &s, nil
}

func fetchRegistry(ctx context.Context, cli transport.RPCClient, addr string) (*registry.Registry, error) {
    data, err := cli.GetRegistry(ctx, addr)
    if err != nil { return nil, err }
    var reg registry.Registry
    if err := json.Unmarshal(data, &reg); err != nil { return nil, err }
    return &reg, nil
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", timeout, last)
}

func mustJoin(t *testing.T, ctx context.Context, cli transport.RPCClient, leaderMgmt, id, peerAddr string) {
    t.Helper()
    jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    resp, err := cli.PostJoin(jctx, leaderMgmt, transport.JoinRequest{ID: id, PeerAddr: peerAddr})
    if err != nil { t.Fatalf("join %s: %v", id, err) }
    if !resp.Accepted { t.Fatalf("join %s rejected: %s", id, resp.Error) }
}

func peersEntry(id, addr string) string { return fmt.Sprintf("%s@%s", id, addr) }
