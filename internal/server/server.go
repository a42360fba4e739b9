// ============================================================================
// printwatch Admin gRPC Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Read-only administrative RPCs over gRPC, plus the standard gRPC
//          health service.
//
// Service printwatch.admin.v1.Admin:
//   Status(google.protobuf.Empty)  -> google.protobuf.Struct
//       the fleet snapshot: devices, current jobs, pool sizes
//   Quota(google.protobuf.Struct)  -> google.protobuf.Struct
//       request {"user": "..."}; response {user, exempt, balance?, period,
//       ledger}. Exempt users carry no balance.
//
// Messages are well-known protobuf types so no generated code is needed;
// the service descriptor is declared by hand below.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/internal/store"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

// ServiceName is the fully qualified admin service name.
const ServiceName = "printwatch.admin.v1.Admin"

const (
	statusMethod = "/" + ServiceName + "/Status"
	quotaMethod  = "/" + ServiceName + "/Quota"
)

// Store is the read side of the reconciliation store the service uses.
type Store interface {
	FleetSnapshot(ctx context.Context) (types.FleetSnapshot, error)
	GetQuota(ctx context.Context, user string) (float64, error)
	Ledger(ctx context.Context, user string) ([]store.LedgerEntry, error)
	Quota() store.QuotaPolicy
}

// AdminServer is the service implementation.
type AdminServer interface {
	Status(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	Quota(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements AdminServer on top of the store.
type Server struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	grpc   *grpc.Server
	health *health.Server
}

// Config configures a Server.
type Config struct {
	Store  Store
	Clock  clock.Clock
	Logger *slog.Logger
}

// New builds the gRPC server with the admin and health services registered.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "admin")
	}
	s := &Server{
		store:  cfg.Store,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		health: health.NewServer(),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	s.grpc.RegisterService(&adminServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Admin server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks the service not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.logger.Info("Admin server stopped")
}

// Status returns the current fleet snapshot.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.store.FleetSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading fleet snapshot: %v", err)
	}
	return toStruct(snap)
}

// Quota returns a user's balance and ledger.
func (s *Server) Quota(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user := strings.ToLower(strings.TrimSpace(in.GetFields()["user"].GetStringValue()))
	if user == "" {
		return nil, status.Error(codes.InvalidArgument, "user is required")
	}

	policy := s.store.Quota()
	resp := map[string]any{
		"user":   user,
		"exempt": policy.IsExempt(user),
		"period": policy.Period(s.clock.Now()),
	}
	if !policy.IsExempt(user) {
		balance, err := s.store.GetQuota(ctx, user)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "reading quota: %v", err)
		}
		resp["balance"] = balance
	}
	ledger, err := s.store.Ledger(ctx, user)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading ledger: %v", err)
	}
	if ledger == nil {
		ledger = []store.LedgerEntry{}
	}
	resp["ledger"] = ledger
	return toStruct(resp)
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	began := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("Admin call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(began))
	return resp, err
}

// toStruct converts v through its JSON form so the json tags of the domain
// types decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func quotaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Quota(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: quotaMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Quota(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Quota", Handler: quotaHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "printwatch/admin/v1/admin.proto",
}

// ============================================================================
// Client
// ============================================================================

// Client calls the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Status returns the fleet snapshot.
func (c *Client) Status(ctx context.Context) (types.FleetSnapshot, error) {
	var snap types.FleetSnapshot
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return snap, fmt.Errorf("rpc status failed: %w", err)
	}
	if err := fromStruct(out, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// QuotaReport is the decoded Quota response.
type QuotaReport struct {
	User    string              `json:"user"`
	Exempt  bool                `json:"exempt"`
	Balance *float64            `json:"balance,omitempty"`
	Period  string              `json:"period"`
	Ledger  []store.LedgerEntry `json:"ledger"`
}

// Quota returns user's balance and ledger.
func (c *Client) Quota(ctx context.Context, user string) (QuotaReport, error) {
	var report QuotaReport
	in, err := structpb.NewStruct(map[string]any{"user": user})
	if err != nil {
		return report, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, quotaMethod, in, out); err != nil {
		return report, fmt.Errorf("rpc quota failed: %w", err)
	}
	if err := fromStruct(out, &report); err != nil {
		return report, err
	}
	return report, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// IsUnavailable reports whether err means the service could not be reached.
func IsUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}
