// ABOUTME: gRPC interceptors for authenticating requests with tokens or API keys
// ABOUTME: Extracts credentials from metadata and enforces a per-method level

package auth

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// MethodPolicy maps full gRPC method names to required levels.
type MethodPolicy struct {
	Default Level
	Methods map[string]Level
}

// DefaultMethodPolicy requires authentication everywhere except the health service.
func DefaultMethodPolicy() MethodPolicy {
	return MethodPolicy{
		Default: LevelAuthenticated,
		Methods: map[string]Level{
			"/grpc.health.v1.Health/Check": LevelNone,
			"/grpc.health.v1.Health/Watch": LevelNone,
			"/grpc.health.v1.Health/List":  LevelNone,
		},
	}
}

// LevelFor returns the level required for fullMethod.
func (p MethodPolicy) LevelFor(fullMethod string) Level {
	if level, ok := p.Methods[fullMethod]; ok {
		return level
	}
	return p.Default
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// credentialsFromMetadata reads authorization and x-api-key metadata.
func credentialsFromMetadata(ctx context.Context) Credentials {
	var creds Credentials
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-api-key"); len(v) > 0 {
			creds.APIKey = strings.TrimSpace(v[0])
		}
		if v := md.Get("authorization"); len(v) > 0 {
			creds.BearerToken = extractBearerToken(v[0])
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			creds.ClientAddr = host
		} else {
			creds.ClientAddr = p.Addr.String()
		}
	}
	return creds
}

// authorize resolves and checks the caller for fullMethod.
func authorize(ctx context.Context, resolver *Resolver, policy MethodPolicy, fullMethod string, logger *slog.Logger) (context.Context, error) {
	level := policy.LevelFor(fullMethod)

	id, err := resolver.Resolve(ctx, credentialsFromMetadata(ctx))
	if err != nil {
		if KindOf(err) != KindAuthentication || level != LevelNone {
			logAuthFailure(logger, ctx, "resolve_failed", "method", fullMethod)
			return nil, GRPCStatus(err)
		}
		id = nil
	}

	if err := Require(id, level); err != nil {
		logAuthFailure(logger, ctx, "insufficient_level", "method", fullMethod, "level", level.String())
		return nil, GRPCStatus(err)
	}

	if id != nil {
		ctx = WithIdentity(ctx, id)
	}
	return ctx, nil
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(resolver *Resolver, policy MethodPolicy, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authorize(ctx, resolver, policy, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(resolver *Resolver, policy MethodPolicy, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authorize(ss.Context(), resolver, policy, info.FullMethod, logger)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
