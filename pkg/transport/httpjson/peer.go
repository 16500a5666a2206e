package httpjson

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "net"
    "net/http"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/transport"
)

// PeerServer exposes the consensus protocol RPCs (vote, append-entries) of a
// single node over HTTP/JSON. It is bound to the node's peer address and is
// separate from the management API.
type PeerServer struct {
    bind    string
    srv     *http.Server
    logger  *log.Logger
    handler transport.Handler
}

// NewPeerServer binds to the given TCP address and dispatches inbound RPCs
// to h.
func NewPeerServer(bind string, h transport.Handler, logger *log.Logger) *PeerServer {
    if logger == nil { logger = log.Default() }
    return &PeerServer{bind: bind, handler: h, logger: logger}
}

// Start launches the peer RPC server; it is shut down when ctx is canceled.
func (s *PeerServer) Start(ctx context.Context) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/raft/vote", func(w http.ResponseWriter, r *http.Request) {
        var req consensus.VoteRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        resp := s.handler.HandleVoteRequest(req)
        w.Header().Set("Content-Type", "application/json")
        _ = json.NewEncoder(w).Encode(resp)
    })
    mux.HandleFunc("/raft/append", func(w http.ResponseWriter, r *http.Request) {
        var req consensus.AppendEntriesRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        resp := s.handler.HandleAppendEntries(req)
        w.Header().Set("Content-Type", "application/json")
        _ = json.NewEncoder(w).Encode(resp)
    })

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.bind = ln.Addr().String()
    s.srv = &http.Server{Handler: mux}
    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.logger.Printf("httpjson: peer server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound peer RPC address.
func (s *PeerServer) Addr() string { return s.bind }

// Stop shuts the peer server down.
func (s *PeerServer) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

// PeerClient implements transport.Transport for remote peers over HTTP/JSON.
// An unreachable address yields an error value, never a panic. A peer with no
// address cannot be resolved here; co-located peers belong to inproc.
type PeerClient struct {
    httpc *http.Client
}

// NewPeerClient constructs a peer RPC client. The timeout should stay well
// below the minimum election timeout so a dead peer cannot stall a round.
func NewPeerClient(timeout time.Duration) *PeerClient {
    if timeout <= 0 { timeout = 1 * time.Second }
    return &PeerClient{httpc: &http.Client{Timeout: timeout}}
}

func (c *PeerClient) call(addr, path string, in, out interface{}) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    resp, err := c.httpc.Post(fmt.Sprintf("http://%s%s", addr, path), "application/json", bytes.NewReader(body))
    if err != nil { return err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return err }
    if resp.StatusCode != http.StatusOK {
        return fmt.Errorf("httpjson: %s status %d: %s", path, resp.StatusCode, string(b))
    }
    return json.Unmarshal(b, out)
}

func (c *PeerClient) SendVoteRequest(peer consensus.Peer, req consensus.VoteRequest) (consensus.VoteResponse, error) {
    var resp consensus.VoteResponse
    if !peer.Remote() { return resp, fmt.Errorf("httpjson: peer %s has no address", peer.ID) }
    err := c.call(peer.Addr, "/raft/vote", req, &resp)
    return resp, err
}

func (c *PeerClient) SendAppendEntries(peer consensus.Peer, req consensus.AppendEntriesRequest) (consensus.AppendEntriesResponse, error) {
    var resp consensus.AppendEntriesResponse
    if !peer.Remote() { return resp, fmt.Errorf("httpjson: peer %s has no address", peer.ID) }
    err := c.call(peer.Addr, "/raft/append", req, &resp)
    return resp, err
}

var _ transport.Transport = (*PeerClient)(nil)
