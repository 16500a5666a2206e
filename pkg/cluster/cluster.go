package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/internal/logutil"
    "github.com/hexafed/go-registry/pkg/membership"
    obsmetrics "github.com/hexafed/go-registry/pkg/observability/metrics"
    "github.com/hexafed/go-registry/pkg/registry"
    "github.com/hexafed/go-registry/pkg/transport"
)

// Facade exposes the high-level API for consumers. External collaborators
// (federation query layer, entity actors, gateways) consume the registry as
// a read model through it and submit commands through Propose.
type Facade interface {
    Start(ctx context.Context) error
    Join(ctx context.Context, seedLeader string) error
    Leave(ctx context.Context) error
    Propose(ctx context.Context, cmd registry.Command) (uint64, error)
    Registry() *registry.Registry
    Diagnostics() consensus.Diagnostics
    Status(ctx context.Context) (*ClusterStatus, error)
    Stop(ctx context.Context) error
}

// Cluster is the concrete implementation of the Facade. It wires together
// the consensus node, advisory gossip membership, and the management RPC
// endpoint into a small embeddable runtime.
type Cluster struct {
    opts Options
    mu   sync.RWMutex
    run  struct {
        started bool
        closed  bool
    }
    eb eventBus
}

// New constructs a new Cluster instance from validated options. It performs
// no network activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    return &Cluster{opts: opts}, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

// Start launches gossip membership (if configured), the leader watch loop
// and the management endpoint. The consensus node itself is expected to be
// started by the caller (bootstrap does this) before Start.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.started {
        return nil
    }
    c.run.started = true
    obsmetrics.Register()

    if c.opts.Membership != nil {
        if err := c.opts.Membership.Start(ctx); err != nil { return err }
        if len(c.opts.Seeds) > 0 {
            logutil.Infof(c.opts.Logger, "joining gossip seeds: %v", c.opts.Seeds)
            _ = c.opts.Membership.Join(c.opts.Seeds)
        }
        go c.membershipEventsLoop(ctx)
    }

    if ln, ok := c.opts.Node.(LeaderNotifier); ok {
        go func() {
            for li := range ln.LeaderCh() {
                logutil.Infof(c.opts.Logger, "leader change observed: id=%s term=%d", li.ID, li.Term)
                liCopy := li
                c.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
                if c.opts.OnLeaderChange != nil { c.opts.OnLeaderChange(liCopy) }
            }
        }()
    }

    if c.opts.RPCServer != nil {
        hooks := transport.Hooks{
            Status:      func(ctx context.Context) ([]byte, error) { return c.statusLocalJSON(ctx) },
            Registry:    func(ctx context.Context) ([]byte, error) { return json.Marshal(c.opts.Node.Registry()) },
            Diagnostics: func(ctx context.Context) ([]byte, error) { return json.Marshal(c.opts.Node.Diagnostics()) },
            Propose:     c.handlePropose,
            Join:        c.handleJoin,
            Leave:       c.handleLeave,
        }
        if err := c.opts.RPCServer.Start(ctx, hooks); err != nil { return err }
        logutil.Infof(c.opts.Logger, "management endpoint listening at %s (status/registry/diagnostics/metrics)", c.opts.RPCServer.Addr())
    }
    return nil
}

// Propose submits a command to the local consensus node.
func (c *Cluster) Propose(ctx context.Context, cmd registry.Command) (uint64, error) {
    return c.opts.Node.Propose(cmd)
}

// Registry returns the applied state machine of the local node.
func (c *Cluster) Registry() *registry.Registry { return c.opts.Node.Registry() }

// Diagnostics returns the local node's observability snapshot.
func (c *Cluster) Diagnostics() consensus.Diagnostics { return c.opts.Node.Diagnostics() }

// Join asks the cluster leader to add this node as a voter. When seedLeader
// is empty, the method resolves a management address from gossip metadata.
func (c *Cluster) Join(ctx context.Context, seedLeader string) error {
    if c.opts.RPCClient == nil {
        return ErrNoRPCClient
    }
    addrs := c.candidateMgmtAddrs(seedLeader)
    if len(addrs) == 0 { return ErrNoLeader }
    req := transport.JoinRequest{ID: string(c.opts.NodeID), PeerAddr: c.opts.PeerAddr}
    var lastErr error = ErrUnreachable
    for _, addr := range addrs {
        resp, err := c.opts.RPCClient.PostJoin(ctx, addr, req)
        if err != nil { lastErr = err; continue }
        if resp.Accepted {
            logutil.Infof(c.opts.Logger, "joined cluster via %s at log index %d", addr, resp.Index)
            return nil
        }
        if resp.Error != "" { lastErr = fmt.Errorf("join rejected by %s: %s", addr, resp.Error) }
    }
    return lastErr
}

// Leave asks the leader to remove this node from the voting membership.
func (c *Cluster) Leave(ctx context.Context) error {
    if c.opts.RPCClient == nil {
        return ErrNoRPCClient
    }
    addrs := c.candidateMgmtAddrs("")
    req := transport.LeaveRequest{ID: string(c.opts.NodeID)}
    var lastErr error = ErrNoLeader
    for _, addr := range addrs {
        resp, err := c.opts.RPCClient.PostLeave(ctx, addr, req)
        if err != nil { lastErr = err; continue }
        if resp.Accepted { return nil }
        if resp.Error != "" { lastErr = fmt.Errorf("leave rejected by %s: %s", addr, resp.Error) }
    }
    return lastErr
}

// Status reports a snapshot combining consensus state with the advisory
// gossip view.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    d := c.opts.Node.Diagnostics()
    reg := c.opts.Node.Registry()
    st := &ClusterStatus{
        Healthy:     d.LeaderID != "",
        Term:        d.CurrentTerm,
        LeaderID:    d.LeaderID,
        CommitIndex: d.CommitIndex,
        Members:     reg.Config.MemberList(),
    }
    if c.opts.Membership != nil {
        st.Gossip = c.opts.Membership.Members()
        if len(st.Members) > 0 && len(st.Gossip) < len(st.Members) {
            st.Warnings = append(st.Warnings,
                fmt.Sprintf("gossip sees %d nodes, committed membership has %d", len(st.Gossip), len(st.Members)))
        }
    }
    return st, nil
}

// Stop shuts down membership and the management endpoint. The consensus
// node is stopped by its owner (bootstrap wires this up).
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return nil }
    c.run.closed = true
    if c.opts.RPCServer != nil { _ = c.opts.RPCServer.Stop(ctx) }
    if c.opts.Membership != nil {
        _ = c.opts.Membership.Leave()
        _ = c.opts.Membership.Stop()
    }
    return nil
}

// --- management hooks ---

func (c *Cluster) handlePropose(ctx context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
    idx, err := c.opts.Node.Propose(req.Command)
    if err != nil {
        var nle *consensus.NotLeaderError
        if errors.As(err, &nle) {
            return transport.ProposeResponse{LeaderID: nle.LeaderID, Error: err.Error()}, nil
        }
        return transport.ProposeResponse{Error: err.Error()}, nil
    }
    return transport.ProposeResponse{Index: idx}, nil
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    if req.ID == "" {
        return transport.JoinResponse{Error: "empty node id"}, nil
    }
    idx, err := c.opts.Node.AddServer(req.ID, req.PeerAddr)
    if err != nil {
        var nle *consensus.NotLeaderError
        if errors.As(err, &nle) {
            return transport.JoinResponse{Leader: nle.LeaderID, Error: err.Error()}, nil
        }
        return transport.JoinResponse{Error: err.Error()}, nil
    }
    logutil.Infof(c.opts.Logger, "membership add proposed: id=%s addr=%s index=%d", req.ID, req.PeerAddr, idx)
    return transport.JoinResponse{Accepted: true, Index: idx}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    if req.ID == "" {
        return transport.LeaveResponse{Error: "empty node id"}, nil
    }
    idx, err := c.opts.Node.RemoveServer(req.ID)
    if err != nil {
        var nle *consensus.NotLeaderError
        if errors.As(err, &nle) {
            return transport.LeaveResponse{Leader: nle.LeaderID, Error: err.Error()}, nil
        }
        return transport.LeaveResponse{Error: err.Error()}, nil
    }
    logutil.Infof(c.opts.Logger, "membership remove proposed: id=%s index=%d", req.ID, idx)
    return transport.LeaveResponse{Accepted: true, Index: idx}, nil
}

// statusLocalJSON renders Status through the canonical wire serializer so
// typed values (roles, ids) cross as plain JSON shapes.
func (c *Cluster) statusLocalJSON(ctx context.Context) ([]byte, error) {
    st, err := c.Status(ctx)
    if err != nil { return nil, err }
    gossip := make([]interface{}, 0, len(st.Gossip))
    for _, m := range st.Gossip {
        gossip = append(gossip, map[string]interface{}{"id": m.ID, "addr": m.Addr, "meta": m.Meta})
    }
    payload := map[string]interface{}{
        "nodeId":      c.opts.NodeID,
        "healthy":     st.Healthy,
        "term":        st.Term,
        "leaderId":    st.LeaderID,
        "commitIndex": st.CommitIndex,
        "members":     st.Members,
        "gossip":      gossip,
        "warnings":    st.Warnings,
    }
    return json.Marshal(transport.SerializeForJSON(payload))
}

// candidateMgmtAddrs lists management addresses to try, starting with the
// explicit seed, then gossip metadata.
func (c *Cluster) candidateMgmtAddrs(seed string) []string {
    var out []string
    if seed != "" { out = append(out, seed) }
    if c.opts.Membership != nil {
        for _, m := range c.opts.Membership.Members() {
            if m.ID == string(c.opts.NodeID) { continue }
            if addr := m.Meta["mgmt"]; addr != "" { out = append(out, addr) }
        }
    }
    return out
}

func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    evts := c.opts.Membership.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-evts:
            if !ok { return }
            mCopy := ev.Member
            switch ev.Type {
            case membership.EventJoin:
                c.eb.publish(Event{Type: EventMemberJoin, At: ev.At, Member: &mCopy})
            case membership.EventLeave:
                c.eb.publish(Event{Type: EventMemberLeave, At: ev.At, Member: &mCopy})
            case membership.EventFailed:
                logutil.Warnf(c.opts.Logger, "gossip marked node failed: %s", ev.Member.ID)
                c.eb.publish(Event{Type: EventMemberFailed, At: ev.At, Member: &mCopy})
            }
        }
    }
}

var _ Facade = (*Cluster)(nil)
