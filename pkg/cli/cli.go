package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/hexafed/go-registry/pkg/bootstrap"
    tracing "github.com/hexafed/go-registry/pkg/observability/tracing"
    "github.com/hexafed/go-registry/pkg/registry"
    tlsx "github.com/hexafed/go-registry/pkg/security/tlsconfig"
    "github.com/hexafed/go-registry/pkg/transport"
    mgmtgrpc "github.com/hexafed/go-registry/pkg/transport/grpc"
    httpjson "github.com/hexafed/go-registry/pkg/transport/httpjson"
)

// AddAll attaches registry subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewDiagnosticsCmd())
    root.AddCommand(NewRegistryCmd())
    root.AddCommand(NewJoinCmd())
    root.AddCommand(NewLeaveCmd())
    root.AddCommand(NewProposeCmd())
}

// clientFlags carries the flags shared by every command that dials a node's
// management endpoint.
type clientFlags struct {
    addr      string
    proto     string
    timeout   time.Duration
    tlsEnable bool
    tlsSkip   bool
    tlsCA     string
    tlsCert   string
    tlsKey    string
    tlsName   string
}

func (f *clientFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    cmd.Flags().StringVar(&f.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().BoolVar(&f.tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    cmd.Flags().StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.tlsName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) client() (transport.RPCClient, error) {
    var cliTLS *tls.Config
    if f.tlsEnable {
        topts := tlsx.Options{Enable: true, CAFile: f.tlsCA, CertFile: f.tlsCert, KeyFile: f.tlsKey, InsecureSkipVerify: f.tlsSkip, ServerName: f.tlsName}
        var err error
        cliTLS, err = topts.Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch f.proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(f.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    default:
        cli := httpjson.NewClient(f.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    }
}

func (f *clientFlags) ctx() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), f.timeout)
}

func printJSON(data []byte) {
    os.Stdout.Write(data)
    if len(data) == 0 || data[len(data)-1] != '\n' { os.Stdout.Write([]byte("\n")) }
}

// NewRunCmd returns the "run" command used to start a registry node.
func NewRunCmd() *cobra.Command {
    var (
        id, peerBind, peersCSV, memBind, memAdv, mgmtAddr, mgmtProto, discoveryKind string
        dnsNames, filePath, fileEnv, joinCSV, walDir                                string
        dnsPort                                                                     int
        discRefresh, electMin, electMax, heartbeat                                  time.Duration
        snapshotEvery                                                               uint64
        tlsEnable, tlsSkip, traceEnable                                             bool
        tlsCA, tlsCert, tlsKey, tlsServerName                                       string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a registry node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing -id") }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg := bootstrap.Config{
                NodeID:             id,
                PeerBind:           peerBind,
                PeersCSV:           peersCSV,
                MemBind:            memBind,
                MemAdv:             memAdv,
                MgmtAddr:           mgmtAddr,
                MgmtProto:          mgmtProto,
                DiscoveryKind:      discoveryKind,
                SeedsCSV:           joinCSV,
                DNSNamesCSV:        dnsNames,
                DNSPort:            dnsPort,
                DiscRefresh:        discRefresh,
                FilePath:           filePath,
                FileEnv:            fileEnv,
                WALDir:             walDir,
                ElectionTimeoutMin: electMin,
                ElectionTimeoutMax: electMax,
                HeartbeatInterval:  heartbeat,
                SnapshotEvery:      snapshotEvery,
                TLSEnable:          tlsEnable,
                TLSCA:              tlsCA,
                TLSCert:            tlsCert,
                TLSKey:             tlsKey,
                TLSServerName:      tlsServerName,
                TLSSkipVerify:      tlsSkip,
                Logger:             log.Default(),
            }
            rt, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer rt.Stop(context.Background())

            fmt.Println("registry node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id (required)")
    cmd.Flags().StringVar(&peerBind, "peer-bind", ":9520", "consensus RPC bind addr (tcp)")
    cmd.Flags().StringVar(&peersCSV, "peers", "", "initial voting peers as comma-separated id@host:port")
    cmd.Flags().StringVar(&memBind, "mem-bind", ":7946", "gossip bind addr (host:port); empty disables gossip")
    cmd.Flags().StringVar(&memAdv, "mem-adv", "", "gossip advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated gossip seeds (host:port) for discovery=static")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp), separate from gossip port")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "gossip seed discovery backend: static|dns|file")
    cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _registry._tcp.example.com)")
    cmd.Flags().IntVar(&dnsPort, "dns-port", 7946, "port used for A/AAAA lookups")
    cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    cmd.Flags().StringVar(&walDir, "wal-dir", "", "write-ahead log directory; empty runs non-durable")
    cmd.Flags().DurationVar(&electMin, "election-min", 0, "minimum election timeout (0 = default)")
    cmd.Flags().DurationVar(&electMax, "election-max", 0, "maximum election timeout (0 = default)")
    cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "leader heartbeat interval (0 = default)")
    cmd.Flags().Uint64Var(&snapshotEvery, "snapshot-every", 0, "snapshot after this many applied entries (0 disables)")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch cluster status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            data, err := client.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            printJSON(data)
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

// NewDiagnosticsCmd returns the "diagnostics" command.
func NewDiagnosticsCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "diagnostics",
        Short: "Fetch consensus diagnostics of a node as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            data, err := client.GetDiagnostics(ctx, cf.addr)
            if err != nil { return fmt.Errorf("diagnostics error: %w", err) }
            printJSON(data)
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

// NewRegistryCmd returns the "registry" command dumping the applied state.
func NewRegistryCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "registry",
        Short: "Fetch the applied registry state as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            data, err := client.GetRegistry(ctx, cf.addr)
            if err != nil { return fmt.Errorf("registry error: %w", err) }
            printJSON(data)
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

// NewJoinCmd returns the "join" command (add a voting member).
func NewJoinCmd() *cobra.Command {
    var cf clientFlags
    var id, peerAddr string
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Request to add a node to the voting membership",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || peerAddr == "" { return fmt.Errorf("missing required flags: -id and -peer-addr") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            resp, err := client.PostJoin(ctx, cf.addr, transport.JoinRequest{ID: id, PeerAddr: peerAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&peerAddr, "peer-addr", "", "node consensus RPC address (host:port, required)")
    cf.register(cmd)
    return cmd
}

// NewLeaveCmd returns the "leave" command (remove a voting member).
func NewLeaveCmd() *cobra.Command {
    var cf clientFlags
    var id string
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a node from the voting membership",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: -id") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            resp, err := client.PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
    cf.register(cmd)
    return cmd
}

// NewProposeCmd returns the "propose" command family submitting registry
// commands through the leader.
func NewProposeCmd() *cobra.Command {
    parent := &cobra.Command{Use: "propose", Short: "Submit registry commands through the cluster leader"}
    parent.AddCommand(newRegisterStoreCmd())
    parent.AddCommand(newUnregisterStoreCmd())
    parent.AddCommand(newMapHexadCmd())
    parent.AddCommand(newUnmapHexadCmd())
    parent.AddCommand(newUpdateTrustCmd())
    return parent
}

func proposeRun(cf *clientFlags, cmd registry.Command) error {
    client, err := cf.client()
    if err != nil { return err }
    ctx, cancel := cf.ctx()
    defer cancel()
    resp, err := client.PostPropose(ctx, cf.addr, transport.ProposeRequest{Command: cmd})
    if err != nil { return fmt.Errorf("propose error: %w", err) }
    if resp.Error != "" && resp.LeaderID != "" {
        return fmt.Errorf("%s (retry against leader %s)", resp.Error, resp.LeaderID)
    }
    return json.NewEncoder(os.Stdout).Encode(resp)
}

func newRegisterStoreCmd() *cobra.Command {
    var cf clientFlags
    var storeID, endpoint string
    var modalities []string
    var trust float64
    cmd := &cobra.Command{
        Use:   "register-store",
        Short: "Register a data store in the federation",
        RunE: func(cmd *cobra.Command, args []string) error {
            if storeID == "" { return fmt.Errorf("missing required flag: -store") }
            return proposeRun(&cf, registry.Command{
                Op:         registry.OpRegisterStore,
                StoreID:    storeID,
                Endpoint:   endpoint,
                Modalities: modalities,
                TrustLevel: trust,
            })
        },
    }
    cmd.Flags().StringVar(&storeID, "store", "", "store id (required)")
    cmd.Flags().StringVar(&endpoint, "endpoint", "", "store endpoint URL")
    cmd.Flags().StringSliceVar(&modalities, "modalities", nil, "supported modalities")
    cmd.Flags().Float64Var(&trust, "trust", 0.5, "initial trust level [0,1]")
    cf.register(cmd)
    return cmd
}

func newUnregisterStoreCmd() *cobra.Command {
    var cf clientFlags
    var storeID string
    cmd := &cobra.Command{
        Use:   "unregister-store",
        Short: "Remove a data store from the federation",
        RunE: func(cmd *cobra.Command, args []string) error {
            if storeID == "" { return fmt.Errorf("missing required flag: -store") }
            return proposeRun(&cf, registry.Command{Op: registry.OpUnregisterStore, StoreID: storeID})
        },
    }
    cmd.Flags().StringVar(&storeID, "store", "", "store id (required)")
    cf.register(cmd)
    return cmd
}

func newMapHexadCmd() *cobra.Command {
    var cf clientFlags
    var hexadID, primary string
    var locations []string
    cmd := &cobra.Command{
        Use:   "map-hexad",
        Short: "Map a hexad to its hosting stores",
        RunE: func(cmd *cobra.Command, args []string) error {
            if hexadID == "" || len(locations) == 0 {
                return fmt.Errorf("missing required flags: -hexad and -locations")
            }
            return proposeRun(&cf, registry.Command{
                Op:           registry.OpMapHexad,
                HexadID:      hexadID,
                Locations:    locations,
                PrimaryStore: primary,
            })
        },
    }
    cmd.Flags().StringVar(&hexadID, "hexad", "", "hexad id (required)")
    cmd.Flags().StringSliceVar(&locations, "locations", nil, "store ids hosting the hexad (required)")
    cmd.Flags().StringVar(&primary, "primary", "", "primary store (defaults to first location)")
    cf.register(cmd)
    return cmd
}

func newUnmapHexadCmd() *cobra.Command {
    var cf clientFlags
    var hexadID string
    cmd := &cobra.Command{
        Use:   "unmap-hexad",
        Short: "Remove a hexad mapping",
        RunE: func(cmd *cobra.Command, args []string) error {
            if hexadID == "" { return fmt.Errorf("missing required flag: -hexad") }
            return proposeRun(&cf, registry.Command{Op: registry.OpUnmapHexad, HexadID: hexadID})
        },
    }
    cmd.Flags().StringVar(&hexadID, "hexad", "", "hexad id (required)")
    cf.register(cmd)
    return cmd
}

func newUpdateTrustCmd() *cobra.Command {
    var cf clientFlags
    var storeID string
    var trust float64
    cmd := &cobra.Command{
        Use:   "update-trust",
        Short: "Update the trust level of a registered store",
        RunE: func(cmd *cobra.Command, args []string) error {
            if storeID == "" { return fmt.Errorf("missing required flag: -store") }
            return proposeRun(&cf, registry.Command{Op: registry.OpUpdateTrust, StoreID: storeID, TrustLevel: trust})
        },
    }
    cmd.Flags().StringVar(&storeID, "store", "", "store id (required)")
    cmd.Flags().Float64Var(&trust, "trust", 0.5, "new trust level, clamped to [0,1]")
    cf.register(cmd)
    return cmd
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
