package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/hexafed/go-registry/pkg/observability/tracing"
    "github.com/hexafed/go-registry/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec, so no
// protobuf codegen is needed for the management surface.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over the JSON codec
type empty struct{}
type jsonBlob struct {
    Data []byte `json:"data"`
}

// managementServer defines the methods exposed to peers and tooling.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*jsonBlob, error)
    GetRegistry(ctx context.Context, in *empty) (*jsonBlob, error)
    GetDiagnostics(ctx context.Context, in *empty) (*jsonBlob, error)
    Propose(ctx context.Context, in *transport.ProposeRequest) (*transport.ProposeResponse, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
}

type mgmtImpl struct {
    hooks transport.Hooks
}

func (m *mgmtImpl) getBlob(ctx context.Context, span string, fn func(ctx context.Context) ([]byte, error)) (*jsonBlob, error) {
    ctx, end := tracing.StartSpan(ctx, span)
    defer end()
    b, err := fn(ctx)
    if err != nil { return nil, err }
    return &jsonBlob{Data: b}, nil
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*jsonBlob, error) {
    return m.getBlob(ctx, "grpc.status", m.hooks.Status)
}

func (m *mgmtImpl) GetRegistry(ctx context.Context, _ *empty) (*jsonBlob, error) {
    return m.getBlob(ctx, "grpc.registry", m.hooks.Registry)
}

func (m *mgmtImpl) GetDiagnostics(ctx context.Context, _ *empty) (*jsonBlob, error) {
    return m.getBlob(ctx, "grpc.diagnostics", m.hooks.Diagnostics)
}

func (m *mgmtImpl) Propose(ctx context.Context, in *transport.ProposeRequest) (*transport.ProposeResponse, error) {
    if in == nil { in = &transport.ProposeRequest{} }
    ctx, end := tracing.StartSpan(ctx, "grpc.propose")
    defer end()
    out, err := m.hooks.Propose(ctx, *in)
    if err != nil { return &transport.ProposeResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if in == nil { in = &transport.JoinRequest{} }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, err := m.hooks.Join(ctx, *in)
    if err != nil { return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if in == nil { in = &transport.LeaveRequest{} }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    out, err := m.hooks.Leave(ctx, *in)
    if err != nil { return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: "registry.v1.Management",
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
        {MethodName: "GetRegistry", Handler: _Management_GetRegistry_Handler},
        {MethodName: "GetDiagnostics", Handler: _Management_GetDiagnostics_Handler},
        {MethodName: "Propose", Handler: _Management_Propose_Handler},
        {MethodName: "Join", Handler: _Management_Join_Handler},
        {MethodName: "Leave", Handler: _Management_Leave_Handler},
    },
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/registry.v1.Management/GetStatus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_GetRegistry_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetRegistry(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/registry.v1.Management/GetRegistry"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetRegistry(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_GetDiagnostics_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetDiagnostics(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/registry.v1.Management/GetDiagnostics"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetDiagnostics(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Propose_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.ProposeRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Propose(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/registry.v1.Management/Propose"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Propose(ctx, req.(*transport.ProposeRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Join_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.JoinRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Join(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/registry.v1.Management/Join"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Join(ctx, req.(*transport.JoinRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Leave_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.LeaveRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Leave(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/registry.v1.Management/Leave"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Leave(ctx, req.(*transport.LeaveRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, hooks transport.Hooks) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    s.bind = lis.Addr().String()
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{hooks: hooks})

    go func() {
        <-ctx.Done()
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil { _ = s.lis.Close(); s.lis = nil }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
