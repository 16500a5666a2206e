package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/consensus/raftnode"
    "github.com/hexafed/go-registry/pkg/registry"
    "github.com/hexafed/go-registry/pkg/transport/inproc"
)

// localdemo runs a three-node co-located cluster in one process, all nodes
// wired through the in-process network. It registers a couple of stores and
// a hexad mapping, then prints each node's applied view.
func main() {
    var (
        n       = flag.Int("n", 3, "number of co-located nodes")
        walRoot = flag.String("wal-root", "", "root directory for per-node WALs (empty = non-durable)")
    )
    flag.Parse()

    ctx, cancel := signalContext()
    defer cancel()

    net := inproc.NewNetwork()
    ids := make([]string, *n)
    for i := range ids {
        ids[i] = fmt.Sprintf("node-%d", i+1)
    }

    nodes := make([]*raftnode.Node, 0, *n)
    for _, id := range ids {
        var peers []consensus.Peer
        for _, other := range ids {
            if other != id {
                peers = append(peers, consensus.Peer{ID: other})
            }
        }
        walDir := ""
        if *walRoot != "" {
            walDir = fmt.Sprintf("%s/%s", *walRoot, id)
        }
        node, err := raftnode.New(raftnode.Options{
            NodeID:    id,
            Peers:     peers,
            Transport: net,
            WALDir:    walDir,
            Logger:    log.Default(),
        })
        if err != nil { log.Fatal(err) }
        net.Register(id, node)
        nodes = append(nodes, node)
    }
    for _, node := range nodes {
        if err := node.Start(ctx); err != nil { log.Fatal(err) }
        defer node.Stop()
    }

    leader := awaitLeader(nodes, 5*time.Second)
    if leader == nil { log.Fatal("no leader elected") }
    fmt.Printf("leader: %s\n", leader.Diagnostics().NodeID)

    cmds := []registry.Command{
        {Op: registry.OpRegisterStore, StoreID: "store-a", Endpoint: "http://a.local", Modalities: []string{"text"}},
        {Op: registry.OpRegisterStore, StoreID: "store-b", Endpoint: "http://b.local", Modalities: []string{"image"}},
        {Op: registry.OpMapHexad, HexadID: "hx-1", Locations: []string{"store-a", "store-b"}},
        {Op: registry.OpUpdateTrust, StoreID: "store-b", TrustLevel: 0.9},
    }
    for _, cmd := range cmds {
        idx, err := leader.Propose(cmd)
        if err != nil { log.Fatalf("propose %s: %v", cmd.Op, err) }
        fmt.Printf("proposed %-16s -> index %d\n", cmd.Op, idx)
    }

    // Give followers a heartbeat round to apply.
    time.Sleep(200 * time.Millisecond)
    for _, node := range nodes {
        d := node.Diagnostics()
        reg := node.Registry()
        fmt.Printf("%s role=%s commit=%d stores=%d mappings=%d\n",
            d.NodeID, d.Role, d.CommitIndex, len(reg.Stores), len(reg.Mappings))
    }

    fmt.Println("localdemo running. Press Ctrl+C to exit.")
    <-ctx.Done()
}

func awaitLeader(nodes []*raftnode.Node, timeout time.Duration) *raftnode.Node {
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        for _, node := range nodes {
            if node.Diagnostics().Role == consensus.Leader {
                return node
            }
        }
        time.Sleep(20 * time.Millisecond)
    }
    return nil
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
