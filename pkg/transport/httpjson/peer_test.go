package httpjson

import (
    "context"
    "testing"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
)

type echoHandler struct{}

func (echoHandler) HandleVoteRequest(req consensus.VoteRequest) consensus.VoteResponse {
    return consensus.VoteResponse{Term: req.Term, VoteGranted: req.CandidateID == "ok"}
}

func (echoHandler) HandleAppendEntries(req consensus.AppendEntriesRequest) consensus.AppendEntriesResponse {
    return consensus.AppendEntriesResponse{
        Term:       req.Term,
        Success:    true,
        MatchIndex: req.PrevLogIndex + uint64(len(req.Entries)),
    }
}

func TestPeerRPC_RoundTrip(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    srv := NewPeerServer("127.0.0.1:0", echoHandler{}, nil)
    if err := srv.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = srv.Stop(context.Background()) })

    peer := consensus.Peer{ID: "n1", Addr: srv.Addr()}
    cli := NewPeerClient(2 * time.Second)

    vresp, err := cli.SendVoteRequest(peer, consensus.VoteRequest{Term: 4, CandidateID: "ok"})
    if err != nil { t.Fatalf("vote: %v", err) }
    if !vresp.VoteGranted || vresp.Term != 4 { t.Fatalf("vote resp = %+v", vresp) }

    aresp, err := cli.SendAppendEntries(peer, consensus.AppendEntriesRequest{
        Term:         4,
        LeaderID:     "n2",
        PrevLogIndex: 3,
        Entries:      []consensus.LogEntry{{Term: 4, Index: 4}, {Term: 4, Index: 5}},
    })
    if err != nil { t.Fatalf("append: %v", err) }
    if !aresp.Success || aresp.MatchIndex != 5 { t.Fatalf("append resp = %+v", aresp) }
}

func TestPeerClient_Errors(t *testing.T) {
    cli := NewPeerClient(200 * time.Millisecond)

    // Co-located peers have no address and cannot be resolved here.
    if _, err := cli.SendVoteRequest(consensus.Peer{ID: "local"}, consensus.VoteRequest{}); err == nil {
        t.Fatal("peer without address must be an error")
    }

    // Unreachable peers yield an error value, never a panic.
    dead := consensus.Peer{ID: "n9", Addr: "127.0.0.1:1"}
    if _, err := cli.SendAppendEntries(dead, consensus.AppendEntriesRequest{}); err == nil {
        t.Fatal("unreachable peer must be an error")
    }
}
