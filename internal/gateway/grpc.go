// ABOUTME: gRPC server construction with keepalive policy and auth interceptors
// ABOUTME: Serves the standard health service; anonymous callers may only reach health

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/beacon-gateway/internal/auth"
)

// newGRPCServer creates a gRPC server whose every method goes through the
// credential resolver.
func newGRPCServer(resolver *auth.Resolver, hs *health.Server, logger *slog.Logger) *grpc.Server {
	policy := auth.DefaultMethodPolicy()
	grpcLogger := logger.With("component", "grpc")

	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(resolver, policy, grpcLogger)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(resolver, policy, grpcLogger)),
	)

	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcLogger.Info("auth interceptors enabled")
	return server
}
