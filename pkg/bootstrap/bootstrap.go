package bootstrap

import (
    "context"
    "crypto/tls"
    "log"
    "time"

    "github.com/hexafed/go-registry/pkg/cluster"
    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/consensus/raftnode"
    "github.com/hexafed/go-registry/pkg/discovery"
    dDNS "github.com/hexafed/go-registry/pkg/discovery/dns"
    dFile "github.com/hexafed/go-registry/pkg/discovery/file"
    dStatic "github.com/hexafed/go-registry/pkg/discovery/static"
    ml "github.com/hexafed/go-registry/pkg/membership/memberlist"
    tlsx "github.com/hexafed/go-registry/pkg/security/tlsconfig"
    mgmtgrpc "github.com/hexafed/go-registry/pkg/transport/grpc"
    httpjson "github.com/hexafed/go-registry/pkg/transport/httpjson"
    "github.com/hexafed/go-registry/pkg/transport/inproc"
)

// Config defines high-level inputs to assemble a registry node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Run.
type Config struct {
    // Identity and addresses
    NodeID   string
    PeerBind string // consensus RPC bind, e.g. ":9521"; empty means in-process only
    PeersCSV string // initial voting peers as "id@host:port" (bare id = co-located)
    MemBind  string // gossip bind host:port; empty disables gossip
    MemAdv   string // optional gossip advertise host:port

    // Management API (status/registry/diagnostics/propose/join/leave/metrics)
    MgmtAddr  string // host:port for management API
    MgmtProto string // "http" (default) or "grpc"

    // Gossip seed discovery
    DiscoveryKind string        // "static" (default), "dns", or "file"
    SeedsCSV      string        // used when DiscoveryKind=static
    DNSNamesCSV   string        // used when kind=dns
    DNSPort       int           // used when kind=dns (A/AAAA)
    DiscRefresh   time.Duration // cache/refresh duration for discovery
    FilePath      string        // used when kind=file
    FileEnv       string        // used when kind=file

    // Persistence. Empty WALDir selects non-durable mode.
    WALDir string

    // Consensus tuning (zero means defaults)
    ElectionTimeoutMin time.Duration
    ElectionTimeoutMax time.Duration
    HeartbeatInterval  time.Duration
    SnapshotEvery      uint64

    // TLS (optional) for the management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger

    // Optional callbacks
    OnLeaderChange func(info consensus.LeaderInfo)
}

// Runtime owns the assembled node lifecycle: the consensus engine, its peer
// RPC endpoint and the cluster facade. Start launches them in dependency
// order; Stop tears them down in reverse.
type Runtime struct {
    cfg     Config
    node    *raftnode.Node
    peerSrv *httpjson.PeerServer
    copts   cluster.Options
    cl      *cluster.Cluster
}

// Build assembles a Runtime from Config without starting anything.
func Build(cfg Config) (*Runtime, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }

    peers, err := dStatic.ParsePeers(cfg.PeersCSV)
    if err != nil { return nil, err }

    // Consensus transport: co-located peers dispatch in-process, peers with
    // an address go over HTTP/JSON.
    net := inproc.NewNetwork().WithRemote(httpjson.NewPeerClient(time.Second))

    node, err := raftnode.New(raftnode.Options{
        NodeID:             cfg.NodeID,
        Peers:              peers,
        Transport:          net,
        WALDir:             cfg.WALDir,
        Logger:             cfg.Logger,
        ElectionTimeoutMin: cfg.ElectionTimeoutMin,
        ElectionTimeoutMax: cfg.ElectionTimeoutMax,
        HeartbeatInterval:  cfg.HeartbeatInterval,
        SnapshotEvery:      cfg.SnapshotEvery,
    })
    if err != nil { return nil, err }
    net.Register(cfg.NodeID, node)

    var peerSrv *httpjson.PeerServer
    if cfg.PeerBind != "" {
        peerSrv = httpjson.NewPeerServer(cfg.PeerBind, node, cfg.Logger)
    }

    // Gossip seed discovery backend
    var disc discovery.Discovery
    switch cfg.DiscoveryKind {
    case "dns":
        names := dStatic.Parse(cfg.DNSNamesCSV)
        opts := dDNS.Options{Names: names, Port: cfg.DNSPort}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        disc = dDNS.New(opts)
    case "file":
        opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        disc = dFile.New(opts)
    default:
        disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
    }

    // Membership (memberlist), advisory only. The management address rides
    // along in gossip metadata so join/leave can find a reachable endpoint.
    copts := cluster.Options{
        NodeID:         cluster.NodeID(cfg.NodeID),
        Logger:         cfg.Logger,
        Node:           node,
        Seeds:          disc.Seeds(),
        PeerAddr:       cfg.PeerBind,
        OnLeaderChange: cfg.OnLeaderChange,
    }
    if cfg.MemBind != "" {
        memMeta := map[string]string{}
        if cfg.MgmtAddr != "" { memMeta["mgmt"] = cfg.MgmtAddr }
        mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: memMeta})
        if err != nil { return nil, err }
        copts.Membership = mem
    }

    // Management API
    if cfg.MgmtAddr != "" {
        var srvTLS, cliTLS *tls.Config
        if cfg.TLSEnable {
            topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
            // Hot-reload configs allow rotation by replacing files in place
            if s, err := topts.ServerHotReload(); err == nil { srvTLS = s } else { return nil, err }
            if c, err := topts.ClientHotReload(); err == nil { cliTLS = c } else { return nil, err }
        }
        switch cfg.MgmtProto {
        case "grpc":
            s := mgmtgrpc.NewServer(cfg.MgmtAddr)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            c := mgmtgrpc.NewClient(3 * time.Second)
            if cliTLS != nil { c.UseTLS(cliTLS) }
            copts.RPCServer, copts.RPCClient = s, c
        default:
            s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            c := httpjson.NewClient(3 * time.Second)
            if cliTLS != nil { c.UseTLS(cliTLS) }
            copts.RPCServer, copts.RPCClient = s, c
        }
    }

    return &Runtime{cfg: cfg, node: node, peerSrv: peerSrv, copts: copts}, nil
}

// Start launches the peer endpoint, the consensus engine and the facade.
func (r *Runtime) Start(ctx context.Context) error {
    if r.peerSrv != nil {
        if err := r.peerSrv.Start(ctx); err != nil { return err }
        // the bound address may differ from PeerBind (":0")
        r.copts.PeerAddr = r.peerSrv.Addr()
    }
    if err := r.node.Start(ctx); err != nil { return err }
    cl, err := cluster.New(r.copts)
    if err != nil { return err }
    r.cl = cl
    return cl.Start(ctx)
}

// Cluster returns the facade. Valid after Start.
func (r *Runtime) Cluster() *cluster.Cluster { return r.cl }

// Node returns the consensus engine.
func (r *Runtime) Node() *raftnode.Node { return r.node }

// PeerAddr returns the bound consensus RPC address, empty when the node is
// in-process only. Valid after Start.
func (r *Runtime) PeerAddr() string {
    if r.peerSrv == nil { return "" }
    return r.peerSrv.Addr()
}

// Stop tears the runtime down in reverse start order.
func (r *Runtime) Stop(ctx context.Context) error {
    var first error
    if r.cl != nil {
        if err := r.cl.Stop(ctx); err != nil && first == nil { first = err }
    }
    r.node.Stop()
    if r.peerSrv != nil {
        if err := r.peerSrv.Stop(ctx); err != nil && first == nil { first = err }
    }
    return first
}

// Run builds and starts a runtime, returning it for lifecycle control. The
// caller is responsible for calling Stop when finished.
func Run(ctx context.Context, cfg Config) (*Runtime, error) {
    rt, err := Build(cfg)
    if err != nil { return nil, err }
    if err := rt.Start(ctx); err != nil { return nil, err }
    return rt, nil
}
