package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/hexafed/go-registry/pkg/observability/tracing"
    "github.com/hexafed/go-registry/pkg/transport"
)

// Server is a minimal HTTP server exposing the management endpoints for
// status, registry reads, diagnostics, proposals, membership changes and
// metrics/healthz. It is intended for intra-cluster calls and operator
// tooling.
type Server struct {
    bind   string
    srv    *http.Server
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func handleGet(name string, fn func(ctx context.Context) ([]byte, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil { http.Error(w, name+" not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        data, err := fn(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("%s error: %v", name, err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    }
}

func handlePost[Req any, Resp any](name string, fn func(ctx context.Context, req Req) (Resp, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil { http.Error(w, name+" not supported", http.StatusNotImplemented); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        resp, err := fn(ctx, req)
        w.Header().Set("Content-Type", "application/json")
        if err != nil { w.WriteHeader(http.StatusInternalServerError) }
        _ = json.NewEncoder(w).Encode(resp)
    }
}

// Start launches the HTTP server with handlers backed by hooks. The server
// is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, hooks transport.Hooks) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", handleGet("status", hooks.Status))
    mux.HandleFunc("/registry", handleGet("registry", hooks.Registry))
    mux.HandleFunc("/diagnostics", handleGet("diagnostics", hooks.Diagnostics))
    mux.HandleFunc("/propose", handlePost("propose", hooks.Propose))
    mux.HandleFunc("/join", handlePost("join", hooks.Join))
    mux.HandleFunc("/leave", handlePost("leave", hooks.Leave))
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())

    s.srv = &http.Server{Addr: s.bind, Handler: mux}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    s.bind = ln.Addr().String()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.logger.Printf("httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.bind }

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

var _ transport.RPCServer = (*Server)(nil)
