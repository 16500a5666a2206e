package raftnode

import (
    "math/rand"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/internal/logutil"
    obsmetrics "github.com/hexafed/go-registry/pkg/observability/metrics"
    "github.com/hexafed/go-registry/pkg/registry"
    "github.com/hexafed/go-registry/pkg/transport"
)

// electionTimeout samples a fresh jittered duration for this round. Jitter
// per node per round keeps repeated split votes unlikely.
func (n *Node) electionTimeout() time.Duration {
    spread := n.opts.ElectionTimeoutMax - n.opts.ElectionTimeoutMin
    return n.opts.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(spread)))
}

func (n *Node) resetElectionTimer() {
    if !n.electionTimer.Stop() {
        select {
        case <-n.electionTimer.C:
        default:
        }
    }
    n.electionTimer.Reset(n.electionTimeout())
}

// majority is the quorum size over the current voting membership
// (live peers plus self).
func (n *Node) majority() int { return (len(n.peers)+1)/2 + 1 }

// startElection runs when the election timer fires without a valid
// heartbeat: advance the term, vote for self, persist, and fan out
// RequestVote to every peer concurrently.
func (n *Node) startElection() {
    n.role = consensus.Candidate
    n.currentTerm++
    n.votedFor = n.opts.NodeID
    n.persistState()
    n.electionCount++
    obsmetrics.ElectionsStarted.Inc()
    n.votesGranted = map[string]bool{n.opts.NodeID: true}
    n.resetElectionTimer()
    logutil.Infof(n.log, "%s: starting election for term %d (%d peers)", n.opts.NodeID, n.currentTerm, len(n.peers))

    // A node with zero peers has a majority of one: its own vote.
    if len(n.votesGranted) >= n.majority() {
        n.becomeLeader()
        return
    }

    req := consensus.VoteRequest{
        Term:         n.currentTerm,
        CandidateID:  n.opts.NodeID,
        LastLogIndex: n.lastIndex(),
        LastLogTerm:  n.lastTerm(),
    }
    for _, p := range n.peers {
        transport.AsyncVoteRequest(n.opts.Transport, p, req, n.inbox)
    }
}

// onVoteReply integrates one asynchronous vote result. Stale replies from
// earlier rounds carry an older term and are ignored.
func (n *Node) onVoteReply(m transport.VoteReply) {
    if m.Err != nil {
        obsmetrics.PeerRPCFailures.WithLabelValues("vote").Inc()
        return
    }
    if m.Resp.Term > n.currentTerm {
        n.stepDown(m.Resp.Term)
        return
    }
    if n.role != consensus.Candidate || m.Resp.Term < n.currentTerm || !m.Resp.VoteGranted {
        return
    }
    n.votesGranted[m.PeerID] = true
    if len(n.votesGranted) >= n.majority() {
        n.becomeLeader()
    }
}

// becomeLeader transitions to Leader and appends a Noop entry so entries
// left uncommitted by prior terms become committable: a leader may only
// directly commit entries from its own term.
func (n *Node) becomeLeader() {
    if n.role != consensus.Candidate { return }
    n.role = consensus.Leader
    n.setLeader(n.opts.NodeID)
    last := n.lastIndex()
    for id := range n.peers {
        n.nextIndex[id] = last + 1
        n.matchIndex[id] = 0
    }
    n.electionTimer.Stop()
    n.heartbeats.Reset(n.opts.HeartbeatInterval)
    obsmetrics.IsLeader.Set(1)
    logutil.Infof(n.log, "%s: won election, leading term %d", n.opts.NodeID, n.currentTerm)
    if _, err := n.propose(registry.Noop()); err != nil {
        logutil.Errorf(n.log, "%s: noop propose: %v", n.opts.NodeID, err)
    }
}

// onVoteRequest answers an inbound RequestVote. Granting persists the
// (term, vote) pair before the reply leaves this node.
func (n *Node) onVoteRequest(req consensus.VoteRequest) consensus.VoteResponse {
    if req.Term > n.currentTerm {
        n.stepDown(req.Term)
    }
    resp := consensus.VoteResponse{Term: n.currentTerm}
    if req.Term < n.currentTerm {
        return resp
    }
    if n.votedFor != "" && n.votedFor != req.CandidateID {
        return resp
    }
    // The candidate's log must be at least as up to date as ours: compare
    // last terms first, last indices on a tie.
    upToDate := req.LastLogTerm > n.lastTerm() ||
        (req.LastLogTerm == n.lastTerm() && req.LastLogIndex >= n.lastIndex())
    if !upToDate {
        return resp
    }
    n.votedFor = req.CandidateID
    n.persistState()
    n.resetElectionTimer()
    resp.VoteGranted = true
    return resp
}
