package raftnode

import (
    "context"
    "fmt"
    "log"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/internal/logutil"
    obsmetrics "github.com/hexafed/go-registry/pkg/observability/metrics"
    "github.com/hexafed/go-registry/pkg/registry"
    "github.com/hexafed/go-registry/pkg/transport"
    "github.com/hexafed/go-registry/pkg/wal"
)

// Node is one consensus participant. All protocol state below the calls/inbox
// channels is owned exclusively by the run loop goroutine: transitions happen
// strictly sequentially, so NodeState needs no locking. Concurrency across
// nodes exists only through the Transport.
type Node struct {
    opts Options
    log  *log.Logger
    wal  *wal.WAL

    // calls carries external requests (proposals, inbound RPCs, reads); a
    // send blocks until the loop picks it up. inbox carries asynchronous RPC
    // replies and may drop when full; a dropped reply is retried naturally
    // on the next round.
    calls chan interface{}
    inbox chan transport.Message
    done  chan struct{}
    loopDone chan struct{}

    lch chan consensus.LeaderInfo

    // --- state owned by the run loop ---
    role        consensus.Role
    currentTerm uint64
    votedFor    string
    entries     []consensus.LogEntry // above snapshotIndex, contiguous
    commitIndex uint64
    lastApplied uint64
    snapshotIndex uint64
    snapshotTerm  uint64
    peers       map[string]consensus.Peer
    leaderID    string
    reg         *registry.Registry

    electionCount uint64
    votesGranted  map[string]bool
    nextIndex     map[string]uint64
    matchIndex    map[string]uint64
    appliedSinceSnapshot uint64

    electionTimer *time.Timer
    heartbeats    *time.Ticker
}

// call/response envelopes routed through the single loop.
type proposeCall struct {
    cmd   registry.Command
    reply chan proposeResult
}

type proposeResult struct {
    index uint64
    err   error
}

type voteCall struct {
    req   consensus.VoteRequest
    reply chan consensus.VoteResponse
}

type appendCall struct {
    req   consensus.AppendEntriesRequest
    reply chan consensus.AppendEntriesResponse
}

type registryCall struct{ reply chan *registry.Registry }

type diagnosticsCall struct{ reply chan consensus.Diagnostics }

// New constructs a node without starting it.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    n := &Node{
        opts:  opts,
        log:   opts.Logger,
        wal:   wal.New(opts.WALDir),
        calls: make(chan interface{}),
        inbox: make(chan transport.Message, opts.InboxSize),
        done:  make(chan struct{}),
        loopDone: make(chan struct{}),
        lch:   make(chan consensus.LeaderInfo, 16),
        role:  consensus.Follower,
        peers: make(map[string]consensus.Peer, len(opts.Peers)),
        reg:   registry.New(),
        votesGranted: make(map[string]bool),
        nextIndex:  make(map[string]uint64),
        matchIndex: make(map[string]uint64),
    }
    for _, p := range opts.Peers { n.peers[p.ID] = p }
    return n, nil
}

// Start recovers durable state and launches the run loop. A recovered node
// always rejoins as Follower; it must win an election before leading again.
func (n *Node) Start(ctx context.Context) error {
    if err := n.wal.Init(); err != nil { return fmt.Errorf("raftnode: wal init: %w", err) }
    rs, err := n.wal.Recover()
    if err != nil { return fmt.Errorf("raftnode: wal recover: %w", err) }
    n.currentTerm = rs.CurrentTerm
    n.votedFor = rs.VotedFor
    n.snapshotIndex = rs.SnapshotIndex
    n.snapshotTerm = rs.SnapshotTerm
    n.entries = rs.Entries
    if rs.Registry != nil { n.reg = rs.Registry }
    // Rebuild the registry by replaying retained entries above the snapshot.
    // Replay runs through the same apply path, so committed membership
    // changes reshape the live peer set exactly as they did originally.
    n.commitIndex = n.snapshotIndex
    n.lastApplied = n.snapshotIndex
    for _, e := range n.entries {
        n.applyEntry(e)
        n.commitIndex = e.Index
        n.lastApplied = e.Index
    }
    n.appliedSinceSnapshot = 0
    if rs.CurrentTerm > 0 || len(rs.Entries) > 0 {
        logutil.Infof(n.log, "%s: recovered term=%d votedFor=%q entries=%d snapshotIndex=%d",
            n.opts.NodeID, n.currentTerm, n.votedFor, len(n.entries), n.snapshotIndex)
    }

    n.electionTimer = time.NewTimer(n.electionTimeout())
    n.heartbeats = time.NewTicker(n.opts.HeartbeatInterval)
    n.heartbeats.Stop() // armed only while leader
    go n.run(ctx)
    return nil
}

// Stop terminates the run loop, cancels timers and closes the WAL. The WAL
// stays recoverable for a future Start.
func (n *Node) Stop() {
    select {
    case <-n.done:
        return
    default:
    }
    close(n.done)
    <-n.loopDone
}

// run is the single-writer control loop. Every state transition for this
// node happens here.
func (n *Node) run(ctx context.Context) {
    defer close(n.loopDone)
    defer func() {
        n.electionTimer.Stop()
        n.heartbeats.Stop()
        _ = n.wal.Close()
    }()
    for {
        select {
        case <-ctx.Done():
            return
        case <-n.done:
            return
        case <-n.electionTimer.C:
            if n.role != consensus.Leader { n.startElection() }
        case <-n.heartbeats.C:
            if n.role == consensus.Leader { n.broadcastAppend() }
        case msg := <-n.inbox:
            n.handleReply(msg)
        case c := <-n.calls:
            n.handleCall(c)
        }
    }
}

func (n *Node) handleCall(c interface{}) {
    switch m := c.(type) {
    case proposeCall:
        idx, err := n.propose(m.cmd)
        m.reply <- proposeResult{index: idx, err: err}
    case voteCall:
        m.reply <- n.onVoteRequest(m.req)
    case appendCall:
        m.reply <- n.onAppendEntries(m.req)
    case registryCall:
        m.reply <- n.reg.Clone()
    case diagnosticsCall:
        m.reply <- n.diagnostics()
    }
}

func (n *Node) handleReply(msg transport.Message) {
    switch m := msg.(type) {
    case transport.VoteReply:
        n.onVoteReply(m)
    case transport.AppendReply:
        n.onAppendReply(m)
    }
}

// --- caller-facing API (safe from any goroutine) ---

// Propose submits a command. Only a leader accepts; the assigned index is
// returned immediately while replication and commit proceed asynchronously.
func (n *Node) Propose(cmd registry.Command) (uint64, error) {
    reply := make(chan proposeResult, 1)
    select {
    case n.calls <- proposeCall{cmd: cmd, reply: reply}:
    case <-n.done:
        return 0, fmt.Errorf("raftnode: node stopped")
    }
    res := <-reply
    return res.index, res.err
}

// AddServer proposes adding peerID (reachable at addr, which may be empty
// for a co-located peer) to the voting membership.
func (n *Node) AddServer(peerID, addr string) (uint64, error) {
    return n.Propose(registry.Command{Op: registry.OpAddServer, PeerID: peerID, PeerAddr: addr})
}

// RemoveServer proposes removing peerID from the voting membership.
func (n *Node) RemoveServer(peerID string) (uint64, error) {
    return n.Propose(registry.Command{Op: registry.OpRemoveServer, PeerID: peerID})
}

// Registry returns a deep copy of the applied state machine.
func (n *Node) Registry() *registry.Registry {
    reply := make(chan *registry.Registry, 1)
    select {
    case n.calls <- registryCall{reply: reply}:
        return <-reply
    case <-n.done:
        return registry.New()
    }
}

// Diagnostics returns a read-only snapshot of protocol counters.
func (n *Node) Diagnostics() consensus.Diagnostics {
    reply := make(chan consensus.Diagnostics, 1)
    select {
    case n.calls <- diagnosticsCall{reply: reply}:
        return <-reply
    case <-n.done:
        return consensus.Diagnostics{NodeID: n.opts.NodeID}
    }
}

// LeaderCh delivers leadership change notifications. Events are dropped
// rather than blocking the protocol when the consumer is slow.
func (n *Node) LeaderCh() <-chan consensus.LeaderInfo { return n.lch }

// HandleVoteRequest dispatches an inbound RequestVote through the node loop.
func (n *Node) HandleVoteRequest(req consensus.VoteRequest) consensus.VoteResponse {
    reply := make(chan consensus.VoteResponse, 1)
    select {
    case n.calls <- voteCall{req: req, reply: reply}:
        return <-reply
    case <-n.done:
        return consensus.VoteResponse{Term: req.Term, VoteGranted: false}
    }
}

// HandleAppendEntries dispatches an inbound AppendEntries through the node loop.
func (n *Node) HandleAppendEntries(req consensus.AppendEntriesRequest) consensus.AppendEntriesResponse {
    reply := make(chan consensus.AppendEntriesResponse, 1)
    select {
    case n.calls <- appendCall{req: req, reply: reply}:
        return <-reply
    case <-n.done:
        return consensus.AppendEntriesResponse{Term: req.Term, Success: false}
    }
}

// --- loop-internal helpers ---

func (n *Node) diagnostics() consensus.Diagnostics {
    return consensus.Diagnostics{
        NodeID:          n.opts.NodeID,
        Role:            n.role,
        CurrentTerm:     n.currentTerm,
        CommitIndex:     n.commitIndex,
        LastApplied:     n.lastApplied,
        LogLength:       len(n.entries),
        SnapshotIndex:   n.snapshotIndex,
        PeerCount:       len(n.peers),
        ElectionCount:   n.electionCount,
        PendingRequests: len(n.inbox),
        LeaderID:        n.leaderID,
    }
}

func (n *Node) propose(cmd registry.Command) (uint64, error) {
    if n.role != consensus.Leader {
        obsmetrics.ProposalsTotal.WithLabelValues("not_leader").Inc()
        return 0, &consensus.NotLeaderError{LeaderID: n.leaderID}
    }
    if err := cmd.Validate(); err != nil {
        obsmetrics.ProposalsTotal.WithLabelValues("invalid").Inc()
        return 0, err
    }
    entry := consensus.LogEntry{
        Term:      n.currentTerm,
        Index:     n.lastIndex() + 1,
        Command:   cmd,
        Timestamp: time.Now().UTC(),
    }
    if err := n.wal.AppendEntry(entry); err != nil {
        obsmetrics.ProposalsTotal.WithLabelValues("wal_error").Inc()
        return 0, fmt.Errorf("raftnode: wal append: %w", err)
    }
    n.entries = append(n.entries, entry)
    obsmetrics.ProposalsTotal.WithLabelValues("accepted").Inc()
    obsmetrics.LogLength.Set(float64(len(n.entries)))
    // Single-node cluster: the entry is majority-replicated already.
    n.advanceCommit()
    n.broadcastAppend()
    return entry.Index, nil
}

// lastIndex is the highest index present, falling back to the snapshot when
// the retained log is empty.
func (n *Node) lastIndex() uint64 {
    if len(n.entries) > 0 { return n.entries[len(n.entries)-1].Index }
    return n.snapshotIndex
}

func (n *Node) lastTerm() uint64 {
    if len(n.entries) > 0 { return n.entries[len(n.entries)-1].Term }
    return n.snapshotTerm
}

// entryAt returns the retained entry with the given index, or nil.
func (n *Node) entryAt(index uint64) *consensus.LogEntry {
    if index <= n.snapshotIndex || index > n.lastIndex() { return nil }
    i := int(index - n.snapshotIndex - 1)
    if i < 0 || i >= len(n.entries) { return nil }
    return &n.entries[i]
}

// termAt resolves the term of an index, using the snapshot marker for the
// compaction boundary. Returns false below the snapshot.
func (n *Node) termAt(index uint64) (uint64, bool) {
    if index == 0 { return 0, true }
    if index == n.snapshotIndex { return n.snapshotTerm, true }
    if e := n.entryAt(index); e != nil { return e.Term, true }
    return 0, false
}

// persistState must complete before the term/vote change becomes externally
// visible (vote reply, append ack).
func (n *Node) persistState() {
    if err := n.wal.PersistState(n.currentTerm, n.votedFor); err != nil {
        logutil.Errorf(n.log, "%s: wal persist state: %v", n.opts.NodeID, err)
    }
    obsmetrics.CurrentTerm.Set(float64(n.currentTerm))
}

// stepDown adopts a higher observed term and reverts to Follower.
func (n *Node) stepDown(term uint64) {
    wasLeader := n.role == consensus.Leader
    n.currentTerm = term
    n.votedFor = ""
    n.role = consensus.Follower
    n.votesGranted = make(map[string]bool)
    n.persistState()
    if wasLeader {
        n.heartbeats.Stop()
        obsmetrics.IsLeader.Set(0)
    }
    n.resetElectionTimer()
}

func (n *Node) setLeader(id string) {
    if n.leaderID == id { return }
    n.leaderID = id
    obsmetrics.LeaderChanges.Inc()
    info := consensus.LeaderInfo{ID: id, Term: n.currentTerm}
    if p, ok := n.peers[id]; ok { info.Addr = p.Addr }
    select {
    case n.lch <- info:
    default:
        // drop; last-writer-wins semantics are fine for leadership events
    }
}

// applyEntry routes a committed command into the registry and, for
// membership commands, reshapes the live peer set.
func (n *Node) applyEntry(e consensus.LogEntry) {
    if err := n.reg.Apply(e.Command); err != nil {
        logutil.Warnf(n.log, "%s: apply index=%d op=%s: %v", n.opts.NodeID, e.Index, e.Command.Op, err)
        return
    }
    switch e.Command.Op {
    case registry.OpAddServer:
        if e.Command.PeerID != n.opts.NodeID {
            if _, ok := n.peers[e.Command.PeerID]; !ok {
                n.peers[e.Command.PeerID] = consensus.Peer{ID: e.Command.PeerID, Addr: e.Command.PeerAddr}
                if n.role == consensus.Leader {
                    n.nextIndex[e.Command.PeerID] = n.lastIndex() + 1
                    n.matchIndex[e.Command.PeerID] = 0
                }
            }
        }
    case registry.OpRemoveServer:
        delete(n.peers, e.Command.PeerID)
        delete(n.nextIndex, e.Command.PeerID)
        delete(n.matchIndex, e.Command.PeerID)
    }
    obsmetrics.ClusterMembers.Set(float64(len(n.reg.Config.Members)))
}

// applyCommitted applies entries in (lastApplied, commitIndex] in index
// order and advances lastApplied, snapshotting when due.
func (n *Node) applyCommitted() {
    for n.lastApplied < n.commitIndex {
        next := n.lastApplied + 1
        e := n.entryAt(next)
        if e == nil {
            logutil.Errorf(n.log, "%s: missing committed entry %d", n.opts.NodeID, next)
            return
        }
        n.applyEntry(*e)
        n.lastApplied = next
        n.appliedSinceSnapshot++
        obsmetrics.EntriesApplied.Inc()
    }
    obsmetrics.CommitIndex.Set(float64(n.commitIndex))
    n.maybeSnapshot()
}

// maybeSnapshot compacts the log once enough entries were applied.
func (n *Node) maybeSnapshot() {
    if n.opts.SnapshotEvery == 0 || n.appliedSinceSnapshot < n.opts.SnapshotEvery { return }
    term, ok := n.termAt(n.lastApplied)
    if !ok { return }
    if err := n.wal.SaveSnapshot(n.reg, n.lastApplied, term); err != nil {
        logutil.Errorf(n.log, "%s: save snapshot: %v", n.opts.NodeID, err)
        return
    }
    // drop in-memory entries covered by the snapshot
    keepFrom := len(n.entries)
    for i, e := range n.entries {
        if e.Index > n.lastApplied { keepFrom = i; break }
    }
    n.entries = append([]consensus.LogEntry(nil), n.entries[keepFrom:]...)
    n.snapshotIndex = n.lastApplied
    n.snapshotTerm = term
    n.appliedSinceSnapshot = 0
    obsmetrics.LogLength.Set(float64(len(n.entries)))
    logutil.Infof(n.log, "%s: compacted log at index=%d term=%d", n.opts.NodeID, n.snapshotIndex, n.snapshotTerm)
}

var _ consensus.Node = (*Node)(nil)
var _ transport.Handler = (*Node)(nil)
