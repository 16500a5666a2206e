package raftnode

import (
    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/internal/logutil"
    obsmetrics "github.com/hexafed/go-registry/pkg/observability/metrics"
    "github.com/hexafed/go-registry/pkg/transport"
)

// broadcastAppend sends AppendEntries to every peer concurrently: empty for
// heartbeat, non-empty where a peer lags. Responses come back through the
// inbox, so a slow peer never stalls the round.
func (n *Node) broadcastAppend() {
    for id, p := range n.peers {
        ni, ok := n.nextIndex[id]
        if !ok || ni == 0 {
            ni = n.lastIndex() + 1
            n.nextIndex[id] = ni
        }
        // The snapshot bounds what we can serve; a peer that lags behind the
        // compaction point restarts from the first retained entry.
        if ni <= n.snapshotIndex { ni = n.snapshotIndex + 1 }
        prev := ni - 1
        prevTerm, ok := n.termAt(prev)
        if !ok {
            prev = n.snapshotIndex
            prevTerm = n.snapshotTerm
            ni = prev + 1
        }
        var entries []consensus.LogEntry
        if ni <= n.lastIndex() {
            start := int(ni - n.snapshotIndex - 1)
            entries = append(entries, n.entries[start:]...)
        }
        req := consensus.AppendEntriesRequest{
            Term:         n.currentTerm,
            LeaderID:     n.opts.NodeID,
            PrevLogIndex: prev,
            PrevLogTerm:  prevTerm,
            Entries:      entries,
            LeaderCommit: n.commitIndex,
        }
        transport.AsyncAppendEntries(n.opts.Transport, p, req, n.inbox)
    }
}

// onAppendReply integrates one asynchronous replication result.
func (n *Node) onAppendReply(m transport.AppendReply) {
    if m.Err != nil {
        obsmetrics.PeerRPCFailures.WithLabelValues("append").Inc()
        return
    }
    if m.Resp.Term > n.currentTerm {
        n.stepDown(m.Resp.Term)
        return
    }
    if n.role != consensus.Leader || m.Resp.Term < n.currentTerm {
        return
    }
    if _, ok := n.peers[m.PeerID]; !ok {
        // removed while the RPC was in flight
        return
    }
    if !m.Resp.Success {
        // walk back one entry and retry on the next round
        if n.nextIndex[m.PeerID] > n.snapshotIndex+1 {
            n.nextIndex[m.PeerID]--
        }
        return
    }
    match := m.Resp.MatchIndex
    if match < m.SentUpTo { match = m.SentUpTo }
    if match > n.matchIndex[m.PeerID] { n.matchIndex[m.PeerID] = match }
    if n.matchIndex[m.PeerID]+1 > n.nextIndex[m.PeerID] {
        n.nextIndex[m.PeerID] = n.matchIndex[m.PeerID] + 1
    }
    n.advanceCommit()
}

// advanceCommit moves commitIndex to the highest own-term entry replicated
// on a majority, then applies everything newly committed. Entries from prior
// terms commit implicitly once an own-term entry above them commits.
func (n *Node) advanceCommit() {
    if n.role != consensus.Leader { return }
    for idx := n.commitIndex + 1; idx <= n.lastIndex(); idx++ {
        term, ok := n.termAt(idx)
        if !ok || term != n.currentTerm { continue }
        count := 1 // self
        for id := range n.peers {
            if n.matchIndex[id] >= idx { count++ }
        }
        if count < n.majority() { break }
        n.commitIndex = idx
    }
    n.applyCommitted()
}

// onAppendEntries answers an inbound AppendEntries: continuity check,
// conflict truncation, durable append, commit advancement, in that order,
// with the WAL written before the acknowledgment leaves this node.
func (n *Node) onAppendEntries(req consensus.AppendEntriesRequest) consensus.AppendEntriesResponse {
    resp := consensus.AppendEntriesResponse{Term: n.currentTerm}
    if req.Term < n.currentTerm {
        return resp
    }
    if req.Term > n.currentTerm {
        n.stepDown(req.Term)
    } else if n.role != consensus.Follower {
        // same term, a leader exists: a candidate (or stale leader) yields
        n.role = consensus.Follower
        n.heartbeats.Stop()
        obsmetrics.IsLeader.Set(0)
    }
    resp.Term = n.currentTerm
    n.setLeader(req.LeaderID)
    n.resetElectionTimer()

    // log continuity: we must hold prevLogIndex with prevLogTerm
    if req.PrevLogIndex > 0 {
        term, ok := n.termAt(req.PrevLogIndex)
        if !ok || term != req.PrevLogTerm {
            return resp
        }
    }

    // Entries at or below the compaction point are already applied state.
    incoming := req.Entries
    for len(incoming) > 0 && incoming[0].Index <= n.snapshotIndex {
        incoming = incoming[1:]
    }

    // Drop local entries that conflict with the leader's authoritative
    // suffix, then append what we do not already hold.
    newEntries := incoming
    for i, e := range incoming {
        local := n.entryAt(e.Index)
        if local == nil {
            newEntries = incoming[i:]
            break
        }
        if local.Term != e.Term {
            if err := n.truncateFrom(e.Index); err != nil {
                logutil.Errorf(n.log, "%s: truncate at %d: %v", n.opts.NodeID, e.Index, err)
                return resp
            }
            newEntries = incoming[i:]
            break
        }
        newEntries = incoming[i+1:]
    }
    if len(newEntries) > 0 {
        if err := n.wal.AppendEntries(newEntries); err != nil {
            logutil.Errorf(n.log, "%s: wal append: %v", n.opts.NodeID, err)
            return resp
        }
        n.entries = append(n.entries, newEntries...)
        obsmetrics.LogLength.Set(float64(len(n.entries)))
    }

    if req.LeaderCommit > n.commitIndex {
        ci := req.LeaderCommit
        if last := n.lastIndex(); ci > last { ci = last }
        n.commitIndex = ci
        n.applyCommitted()
    }

    resp.Success = true
    resp.MatchIndex = req.PrevLogIndex + uint64(len(req.Entries))
    return resp
}

// truncateFrom discards retained entries with index >= index, durably.
func (n *Node) truncateFrom(index uint64) error {
    if err := n.wal.TruncateAfter(index - 1); err != nil { return err }
    if index <= n.snapshotIndex {
        n.entries = nil
        return nil
    }
    keep := int(index - n.snapshotIndex - 1)
    if keep < len(n.entries) { n.entries = n.entries[:keep] }
    return nil
}
