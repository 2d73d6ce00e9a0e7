package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "github.com/google/uuid"
    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-group/pkg/observability/tracing"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/view"
)

const deliverMethod = "/group.v1.Transport/Deliver"

// envelope addresses a protocol message to one local endpoint of the server.
type envelope struct {
    To  uuid.UUID         `json:"to"`
    Msg transport.Message `json:"msg"`
}

type empty struct{}

// Server accepts protocol messages over gRPC (JSON codec) and hands them to
// the handlers registered for the destination address.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config

    mu       sync.RWMutex
    handlers map[uuid.UUID]transport.Handler
}

func NewServer(bind string) *Server {
    return &Server{bind: bind, handlers: make(map[uuid.UUID]transport.Handler)}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// deliveryServer defines the methods we expose.
type deliveryServer interface {
    Deliver(ctx context.Context, in *envelope) (*empty, error)
}

func (s *Server) Deliver(ctx context.Context, in *envelope) (*empty, error) {
    if in == nil { return nil, status.Error(codes.InvalidArgument, "empty envelope") }
    _, end := tracing.StartSpan(ctx, "grpc.deliver", "kind", string(in.Msg.Kind), "group", in.Msg.Group)
    defer end()
    if err := s.dispatch(in.To, in.Msg); err != nil {
        return nil, status.Error(codes.NotFound, err.Error())
    }
    return &empty{}, nil
}

func (s *Server) dispatch(to uuid.UUID, msg transport.Message) error {
    s.mu.RLock()
    h, ok := s.handlers[to]
    s.mu.RUnlock()
    if !ok { return transport.ErrUnknownDestination }
    h(msg)
    return nil
}

func (s *Server) register(addr view.Address, h transport.Handler) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if _, ok := s.handlers[addr.ID]; ok { return transport.ErrAlreadyRegistered }
    s.handlers[addr.ID] = h
    return nil
}

func (s *Server) unregister(addr view.Address) {
    s.mu.Lock()
    delete(s.handlers, addr.ID)
    s.mu.Unlock()
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Transport_serviceDesc = grpc.ServiceDesc{
    ServiceName: "group.v1.Transport",
    HandlerType: (*deliveryServer)(nil),
    Methods: []grpc.MethodDesc{
        { MethodName: "Deliver", Handler: _Transport_Deliver_Handler },
    },
}

func _Transport_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(envelope)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(deliveryServer).Deliver(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(deliveryServer).Deliver(ctx, req.(*envelope))
    }
    return interceptor(ctx, in, info, handler)
}

// Start listens on the bind address and serves in the background.
func (s *Server) Start() error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
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
    srv.RegisterService(&_Transport_serviceDesc, s)
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the listening address (resolved when bound to port 0).
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

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
