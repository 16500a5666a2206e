package raftnode

import (
    "context"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/registry"
    "github.com/hexafed/go-registry/pkg/transport/inproc"
)

func testOptions(id string, peers []consensus.Peer, net *inproc.Network) Options {
    return Options{
        NodeID:             id,
        Peers:              peers,
        Transport:          net,
        ElectionTimeoutMin: 60 * time.Millisecond,
        ElectionTimeoutMax: 120 * time.Millisecond,
        HeartbeatInterval:  20 * time.Millisecond,
    }
}

// startCluster launches size co-located nodes over one in-process network.
func startCluster(t *testing.T, size int) ([]*Node, *inproc.Network) {
    t.Helper()
    net := inproc.NewNetwork()
    ids := make([]string, size)
    for i := range ids { ids[i] = fmt.Sprintf("n%d", i+1) }

    nodes := make([]*Node, 0, size)
    for _, id := range ids {
        var peers []consensus.Peer
        for _, other := range ids {
            if other != id { peers = append(peers, consensus.Peer{ID: other}) }
        }
        node, err := New(testOptions(id, peers, net))
        if err != nil { t.Fatalf("new %s: %v", id, err) }
        net.Register(id, node)
        nodes = append(nodes, node)
    }
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    for _, node := range nodes {
        if err := node.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
        t.Cleanup(node.Stop)
    }
    return nodes, net
}

func awaitLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        var leader *Node
        agreed := 0
        for _, node := range nodes {
            d := node.Diagnostics()
            if d.Role == consensus.Leader { leader = node }
        }
        if leader != nil {
            lid := leader.Diagnostics().NodeID
            for _, node := range nodes {
                if node.Diagnostics().LeaderID == lid { agreed++ }
            }
            if agreed == len(nodes) { return leader }
        }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatal("no leader agreed upon within timeout")
    return nil
}

func awaitCommit(t *testing.T, nodes []*Node, index uint64, timeout time.Duration) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        done := 0
        for _, node := range nodes {
            if node.Diagnostics().CommitIndex >= index { done++ }
        }
        if done == len(nodes) { return }
        time.Sleep(10 * time.Millisecond)
    }
    for _, node := range nodes {
        t.Logf("diagnostics: %+v", node.Diagnostics())
    }
    t.Fatalf("commit index %d not reached everywhere", index)
}

func TestSingleNodeBecomesLeader(t *testing.T) {
    nodes, _ := startCluster(t, 1)
    n := nodes[0]

    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        d := n.Diagnostics()
        if d.Role == consensus.Leader {
            if d.LeaderID != "n1" { t.Fatalf("leaderId = %q, want self", d.LeaderID) }
            return
        }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatal("single node did not elect itself")
}

func TestSingleNodeProposeApplies(t *testing.T) {
    nodes, _ := startCluster(t, 1)
    n := nodes[0]
    awaitLeader(t, nodes, 2*time.Second)

    idx, err := n.Propose(registry.Command{Op: registry.OpRegisterStore, StoreID: "a", Endpoint: "http://a"})
    if err != nil { t.Fatalf("propose: %v", err) }
    awaitCommit(t, nodes, idx, 2*time.Second)

    reg := n.Registry()
    if _, ok := reg.Stores["a"]; !ok { t.Fatalf("store not applied: %#v", reg.Stores) }
}

func TestThreeNodesConvergeOnOneLeader(t *testing.T) {
    nodes, _ := startCluster(t, 3)
    leader := awaitLeader(t, nodes, 5*time.Second)

    leaders := 0
    for _, node := range nodes {
        if node.Diagnostics().Role == consensus.Leader { leaders++ }
    }
    if leaders != 1 { t.Fatalf("leaders = %d, want exactly 1", leaders) }

    idx, err := leader.Propose(registry.Command{
        Op: registry.OpMapHexad, HexadID: "hx", Locations: []string{"s1", "s2"},
    })
    if err != nil { t.Fatalf("propose: %v", err) }
    awaitCommit(t, nodes, idx, 3*time.Second)

    for _, node := range nodes {
        m, ok := node.Registry().Mappings["hx"]
        if !ok { t.Fatalf("%s missing mapping", node.Diagnostics().NodeID) }
        if m.PrimaryStore != "s1" { t.Fatalf("primary = %q", m.PrimaryStore) }
    }
}

func TestFollowerRejectsProposeWithLeaderHint(t *testing.T) {
    nodes, _ := startCluster(t, 3)
    leader := awaitLeader(t, nodes, 5*time.Second)
    leaderID := leader.Diagnostics().NodeID

    for _, node := range nodes {
        if node == leader { continue }
        _, err := node.Propose(registry.Command{Op: registry.OpRegisterStore, StoreID: "x", Endpoint: "http://x"})
        var nle *consensus.NotLeaderError
        if !errors.As(err, &nle) {
            t.Fatalf("expected NotLeaderError, got %v", err)
        }
        if nle.LeaderID != leaderID {
            t.Fatalf("leader hint = %q, want %q", nle.LeaderID, leaderID)
        }
    }
}

func TestLeaderRejectsInvalidCommand(t *testing.T) {
    nodes, _ := startCluster(t, 1)
    leader := awaitLeader(t, nodes, 2*time.Second)

    before := leader.Diagnostics().LogLength
    if _, err := leader.Propose(registry.Command{Op: "Bogus"}); err == nil {
        t.Fatal("unknown op must be rejected")
    }
    if _, err := leader.Propose(registry.Command{Op: registry.OpRegisterStore}); err == nil {
        t.Fatal("incomplete command must be rejected")
    }
    if got := leader.Diagnostics().LogLength; got != before {
        t.Fatalf("rejected proposals appended to the log: %d -> %d", before, got)
    }
}

func TestLeaderFailoverElectsNewLeader(t *testing.T) {
    nodes, net := startCluster(t, 3)
    leader := awaitLeader(t, nodes, 5*time.Second)
    leaderID := leader.Diagnostics().NodeID

    idx, err := leader.Propose(registry.Command{Op: registry.OpRegisterStore, StoreID: "pre", Endpoint: "http://pre"})
    if err != nil { t.Fatal(err) }
    awaitCommit(t, nodes, idx, 3*time.Second)

    // Crash the leader.
    net.Deregister(leaderID)
    leader.Stop()

    var rest []*Node
    for _, node := range nodes {
        if node != leader { rest = append(rest, node) }
    }
    next := awaitLeader(t, rest, 5*time.Second)
    if next.Diagnostics().NodeID == leaderID { t.Fatal("old leader returned from the dead") }

    // The survivor leader keeps the committed entry and accepts new writes.
    if _, ok := next.Registry().Stores["pre"]; !ok {
        t.Fatal("committed entry lost across failover")
    }
    idx2, err := next.Propose(registry.Command{Op: registry.OpRegisterStore, StoreID: "post", Endpoint: "http://post"})
    if err != nil { t.Fatalf("propose after failover: %v", err) }
    awaitCommit(t, rest, idx2, 3*time.Second)
}

func TestRemoveServerShrinksQuorum(t *testing.T) {
    nodes, net := startCluster(t, 3)
    leader := awaitLeader(t, nodes, 5*time.Second)

    var victim *Node
    for _, node := range nodes {
        if node != leader { victim = node; break }
    }
    victimID := victim.Diagnostics().NodeID

    idx, err := leader.RemoveServer(victimID)
    if err != nil { t.Fatalf("remove server: %v", err) }

    var rest []*Node
    for _, node := range nodes {
        if node != victim { rest = append(rest, node) }
    }
    awaitCommit(t, rest, idx, 3*time.Second)

    if got := leader.Diagnostics().PeerCount; got != 1 {
        t.Fatalf("peer count = %d after removal, want 1", got)
    }

    // Take the removed node down entirely; the remaining pair still commits.
    net.Deregister(victimID)
    victim.Stop()

    idx2, err := leader.Propose(registry.Command{Op: registry.OpRegisterStore, StoreID: "after", Endpoint: "http://after"})
    if err != nil { t.Fatal(err) }
    awaitCommit(t, rest, idx2, 3*time.Second)
}

func TestRestartRecoversDurableState(t *testing.T) {
    dir := t.TempDir()
    net := inproc.NewNetwork()
    opts := testOptions("r1", nil, net)
    opts.WALDir = dir

    node, err := New(opts)
    if err != nil { t.Fatal(err) }
    net.Register("r1", node)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := node.Start(ctx); err != nil { t.Fatal(err) }

    awaitLeader(t, []*Node{node}, 2*time.Second)
    var lastIdx uint64
    for _, store := range []string{"a", "b", "c"} {
        idx, err := node.Propose(registry.Command{Op: registry.OpRegisterStore, StoreID: store, Endpoint: "http://" + store})
        if err != nil { t.Fatal(err) }
        lastIdx = idx
    }
    awaitCommit(t, []*Node{node}, lastIdx, 2*time.Second)
    termBefore := node.Diagnostics().CurrentTerm
    node.Stop()

    // Restart from the same WAL directory.
    node2, err := New(opts)
    if err != nil { t.Fatal(err) }
    net.Register("r1", node2)
    if err := node2.Start(ctx); err != nil { t.Fatal(err) }
    defer node2.Stop()

    reg := node2.Registry()
    for _, store := range []string{"a", "b", "c"} {
        if _, ok := reg.Stores[store]; !ok {
            t.Fatalf("store %q lost across restart", store)
        }
    }
    // Terms never regress across restarts.
    awaitLeader(t, []*Node{node2}, 2*time.Second)
    if got := node2.Diagnostics().CurrentTerm; got <= 0 || got < termBefore {
        t.Fatalf("term regressed: %d -> %d", termBefore, got)
    }
}

func TestSnapshotCompactionAndRecovery(t *testing.T) {
    dir := t.TempDir()
    net := inproc.NewNetwork()
    opts := testOptions("s1", nil, net)
    opts.WALDir = dir
    opts.SnapshotEvery = 5

    node, err := New(opts)
    if err != nil { t.Fatal(err) }
    net.Register("s1", node)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := node.Start(ctx); err != nil { t.Fatal(err) }

    awaitLeader(t, []*Node{node}, 2*time.Second)
    var lastIdx uint64
    for i := 0; i < 12; i++ {
        idx, err := node.Propose(registry.Command{
            Op: registry.OpRegisterStore, StoreID: fmt.Sprintf("s%d", i), Endpoint: "http://s",
        })
        if err != nil { t.Fatal(err) }
        lastIdx = idx
    }
    awaitCommit(t, []*Node{node}, lastIdx, 2*time.Second)

    d := node.Diagnostics()
    if d.SnapshotIndex == 0 { t.Fatal("no snapshot was taken") }
    if uint64(d.LogLength) >= lastIdx {
        t.Fatalf("log not compacted: length=%d last=%d", d.LogLength, lastIdx)
    }
    node.Stop()

    node2, err := New(opts)
    if err != nil { t.Fatal(err) }
    net.Register("s1", node2)
    if err := node2.Start(ctx); err != nil { t.Fatal(err) }
    defer node2.Stop()

    reg := node2.Registry()
    for i := 0; i < 12; i++ {
        if _, ok := reg.Stores[fmt.Sprintf("s%d", i)]; !ok {
            t.Fatalf("store s%d lost across compacted restart", i)
        }
    }
    if got := node2.Diagnostics().SnapshotIndex; got != d.SnapshotIndex {
        t.Fatalf("snapshot index = %d after restart, want %d", got, d.SnapshotIndex)
    }
}

func TestAddServerReplicatesToNewPeer(t *testing.T) {
    net := inproc.NewNetwork()
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    boot, err := New(testOptions("a1", nil, net))
    if err != nil { t.Fatal(err) }
    net.Register("a1", boot)
    if err := boot.Start(ctx); err != nil { t.Fatal(err) }
    defer boot.Stop()
    awaitLeader(t, []*Node{boot}, 2*time.Second)

    if _, err := boot.AddServer("a1", ""); err != nil { t.Fatal(err) }
    if _, err := boot.Propose(registry.Command{Op: registry.OpRegisterStore, StoreID: "seed", Endpoint: "http://seed"}); err != nil {
        t.Fatal(err)
    }

    // The joiner knows the existing member so it follows instead of
    // campaigning alone.
    joiner, err := New(testOptions("a2", []consensus.Peer{{ID: "a1"}}, net))
    if err != nil { t.Fatal(err) }
    net.Register("a2", joiner)
    if err := joiner.Start(ctx); err != nil { t.Fatal(err) }
    defer joiner.Stop()

    idx, err := boot.AddServer("a2", "")
    if err != nil { t.Fatal(err) }
    awaitCommit(t, []*Node{boot, joiner}, idx, 5*time.Second)

    reg := joiner.Registry()
    if _, ok := reg.Stores["seed"]; !ok { t.Fatal("joiner missing replicated entry") }
    members := reg.Config.MemberList()
    if len(members) != 2 || members[0] != "a1" || members[1] != "a2" {
        t.Fatalf("members = %v", members)
    }
}

func TestHandleAppendEntriesContinuityCheck(t *testing.T) {
    nodes, _ := startCluster(t, 1)
    n := nodes[0]
    awaitLeader(t, nodes, 2*time.Second)

    // A request claiming history we do not hold must be refused even at a
    // higher term.
    resp := n.HandleAppendEntries(consensus.AppendEntriesRequest{
        Term:         99,
        LeaderID:     "fake",
        PrevLogIndex: 50,
        PrevLogTerm:  98,
    })
    if resp.Success { t.Fatal("continuity violation accepted") }
    if resp.Term != 99 { t.Fatalf("term = %d, want adopted 99", resp.Term) }

    // And the node stepped down from its stale leadership.
    if d := n.Diagnostics(); d.Role == consensus.Leader && d.CurrentTerm < 99 {
        t.Fatalf("stale leader did not step down: %+v", d)
    }
}

func TestHandleVoteRequestRules(t *testing.T) {
    nodes, _ := startCluster(t, 1)
    n := nodes[0]
    awaitLeader(t, nodes, 2*time.Second)
    term := n.Diagnostics().CurrentTerm

    // Stale term: refused, current term echoed.
    resp := n.HandleVoteRequest(consensus.VoteRequest{Term: 0, CandidateID: "x"})
    if resp.VoteGranted || resp.Term != term {
        t.Fatalf("stale vote answered %+v", resp)
    }

    // Higher term but out-of-date log: term adopted, vote refused.
    resp = n.HandleVoteRequest(consensus.VoteRequest{
        Term: term + 5, CandidateID: "x", LastLogIndex: 0, LastLogTerm: 0,
    })
    if resp.VoteGranted { t.Fatal("granted vote to a candidate with an older log") }
    if resp.Term != term+5 { t.Fatalf("term not adopted: %d", resp.Term) }

    // Higher term and up-to-date log: granted.
    d := n.Diagnostics()
    resp = n.HandleVoteRequest(consensus.VoteRequest{
        Term:         d.CurrentTerm + 1,
        CandidateID:  "x",
        LastLogIndex: d.CommitIndex + 100,
        LastLogTerm:  d.CurrentTerm + 1,
    })
    if !resp.VoteGranted { t.Fatal("up-to-date candidate refused") }
}
