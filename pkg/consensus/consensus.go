package consensus

import (
    "fmt"
    "time"

    "github.com/hexafed/go-registry/pkg/registry"
)

// Role is the protocol role of a node.
type Role string

const (
    Follower  Role = "follower"
    Candidate Role = "candidate"
    Leader    Role = "leader"
)

// LogEntry is one replicated command. Index is 1-based and contiguous from
// the oldest retained entry; Term is the term of the leader that created it.
type LogEntry struct {
    Term      uint64           `json:"term"`
    Index     uint64           `json:"index"`
    Command   registry.Command `json:"command"`
    Timestamp time.Time        `json:"timestamp"`
}

// VoteRequest is the RequestVote RPC payload.
type VoteRequest struct {
    Term         uint64 `json:"term"`
    CandidateID  string `json:"candidateId"`
    LastLogIndex uint64 `json:"lastLogIndex"`
    LastLogTerm  uint64 `json:"lastLogTerm"`
}

// VoteResponse always carries the receiver's current term so a stale
// candidate can step down.
type VoteResponse struct {
    Term        uint64 `json:"term"`
    VoteGranted bool   `json:"voteGranted"`
}

// AppendEntriesRequest is both heartbeat (empty Entries) and log replication.
type AppendEntriesRequest struct {
    Term         uint64     `json:"term"`
    LeaderID     string     `json:"leaderId"`
    PrevLogIndex uint64     `json:"prevLogIndex"`
    PrevLogTerm  uint64     `json:"prevLogTerm"`
    Entries      []LogEntry `json:"entries,omitempty"`
    LeaderCommit uint64     `json:"leaderCommit"`
}

// AppendEntriesResponse reports whether the follower's log matched at
// PrevLogIndex/PrevLogTerm and the entries were stored.
type AppendEntriesResponse struct {
    Term    uint64 `json:"term"`
    Success bool   `json:"success"`
    // MatchIndex is the highest index known replicated on the responder when
    // Success is true; it lets the leader advance tracking without guessing.
    MatchIndex uint64 `json:"matchIndex,omitempty"`
}

// LeaderInfo describes an observed leadership change.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// Diagnostics is a read-only observability snapshot; producing one never
// mutates protocol state.
type Diagnostics struct {
    NodeID          string `json:"nodeId"`
    Role            Role   `json:"role"`
    CurrentTerm     uint64 `json:"currentTerm"`
    CommitIndex     uint64 `json:"commitIndex"`
    LastApplied     uint64 `json:"lastApplied"`
    LogLength       int    `json:"logLength"`
    SnapshotIndex   uint64 `json:"snapshotIndex"`
    PeerCount       int    `json:"peerCount"`
    ElectionCount   uint64 `json:"electionCount"`
    PendingRequests int    `json:"pendingRequests"`
    LeaderID        string `json:"leaderId,omitempty"`
}

// NotLeaderError rejects writes on non-leaders and carries the advisory
// leader id (possibly empty) for client redirects.
type NotLeaderError struct {
    LeaderID string
}

func (e *NotLeaderError) Error() string {
    if e.LeaderID == "" { return "consensus: not leader (leader unknown)" }
    return fmt.Sprintf("consensus: not leader (try %s)", e.LeaderID)
}

// Node is the caller-facing surface of a consensus node. Everything else in
// the subsystem consumes the registry as a read model through it.
type Node interface {
    // Propose submits a command; on the leader it returns the assigned log
    // index immediately (replication and commit proceed asynchronously).
    // Followers and candidates return *NotLeaderError.
    Propose(cmd registry.Command) (uint64, error)
    // AddServer / RemoveServer are membership changes as ordinary commands,
    // subject to the same leader-only rule as Propose.
    AddServer(peerID, addr string) (uint64, error)
    RemoveServer(peerID string) (uint64, error)
    // Registry returns a deep copy of the applied state machine.
    Registry() *registry.Registry
    // Diagnostics returns a read-only snapshot of protocol counters.
    Diagnostics() Diagnostics
}
