// Package grpcapi exposes grouped URL Metrics over gRPC.
//
// The service is urlmetrics.v1.URLMetricGroups with a single unary method,
// GetGroups. Request and response are google.protobuf.Struct messages so that
// no generated code is needed:
//
//	request:  {"slug": "<32 hex>", "current_etag": "<32 hex>"}
//	response: the collection snapshot, as served by GET /v1/url-metrics/groups
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/urlmetrics/pkg/collector"
	"github.com/HatiCode/urlmetrics/pkg/grouping"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "urlmetrics.v1.URLMetricGroups"
	// GetGroupsMethod is the full method name of GetGroups.
	GetGroupsMethod = "/" + ServiceName + "/GetGroups"
)

// GroupsServer is the server API for URLMetricGroups.
type GroupsServer interface {
	GetGroups(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes URLMetricGroups for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GroupsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetGroups",
			Handler:    getGroupsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "urlmetrics/v1/groups.proto",
}

func getGroupsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GroupsServer).GetGroups(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetGroupsMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GroupsServer).GetGroups(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterGroupsServer registers srv on s.
func RegisterGroupsServer(s grpc.ServiceRegistrar, srv GroupsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Collections loads the grouped records of a page.
type Collections interface {
	Collection(ctx context.Context, slug, currentETag string) (*grouping.Collection, error)
}

// Server implements GroupsServer on top of a Collections source.
type Server struct {
	collections Collections
	logger      *slog.Logger
}

// NewServer creates a Server.
func NewServer(collections Collections, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{collections: collections, logger: logger}
}

// GetGroups returns the collection snapshot for the requested page.
func (s *Server) GetGroups(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	slug := req.GetFields()["slug"].GetStringValue()
	etag := req.GetFields()["current_etag"].GetStringValue()

	c, err := s.collections.Collection(ctx, slug, etag)
	if err != nil {
		return nil, toStatus(err)
	}

	snap := c.Snapshot()
	snap.Slug = slug
	out, err := toStruct(snap)
	if err != nil {
		s.logger.Error("failed to encode groups snapshot", "slug", slug, "error", err)
		return nil, status.Error(codes.Internal, "failed to encode snapshot")
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, collector.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every unary call with its status code and duration.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("gRPC request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// NewGRPCServer builds a grpc.Server with URLMetricGroups, health and
// reflection registered. The returned health server reports SERVING for the
// whole server and for ServiceName.
func NewGRPCServer(srv GroupsServer, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))}, opts...)
	gs := grpc.NewServer(opts...)

	RegisterGroupsServer(gs, srv)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(gs)

	return gs, healthServer
}

// WatchHealth runs check every interval until ctx is done and mirrors the
// result into hs: SERVING while check succeeds, NOT_SERVING otherwise. Once hs
// is shut down its status no longer changes.
func WatchHealth(ctx context.Context, hs *health.Server, check func(context.Context) error, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, interval)
		err := check(checkCtx)
		cancel()

		if ok := err == nil; ok != serving {
			serving = ok
			st := grpc_health_v1.HealthCheckResponse_SERVING
			if !ok {
				st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
				logger.Warn("storage unhealthy, reporting NOT_SERVING", "error", err)
			} else {
				logger.Info("storage healthy again, reporting SERVING")
			}
			hs.SetServingStatus("", st)
			hs.SetServingStatus(ServiceName, st)
		}
	}
}

// Client calls URLMetricGroups over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a Client.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetGroups fetches the snapshot for slug and currentETag.
func (c *Client) GetGroups(ctx context.Context, slug, currentETag string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"slug":         slug,
		"current_etag": currentETag,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetGroupsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
