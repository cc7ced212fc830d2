// ABOUTME: Unit tests for gRPC auth interceptors
// ABOUTME: Tests method policy, metadata credentials, and status codes

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func runUnary(t *testing.T, f *resolverFixture, method string, md metadata.MD) (*Identity, error) {
	t.Helper()
	interceptor := UnaryInterceptor(f.resolver, DefaultMethodPolicy(), nil)

	ctx := context.Background()
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
	}

	var got *Identity
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, req any) (any, error) {
		got = FromContext(ctx)
		return nil, nil
	})
	return got, err
}

func TestUnaryInterceptor_HealthIsOpen(t *testing.T) {
	f := newResolverFixture(t)

	id, err := runUnary(t, f, "/grpc.health.v1.Health/Check", nil)
	require.NoError(t, err)
	assert.Nil(t, id)

	_, err = runUnary(t, f, "/grpc.health.v1.Health/Check", metadata.Pairs("authorization", "Bearer garbage"))
	assert.NoError(t, err, "bad credentials on an open method are ignored")
}

func TestUnaryInterceptor_RequiresAuth(t *testing.T) {
	f := newResolverFixture(t)

	_, err := runUnary(t, f, "/beacon.v1.Admin/ListAccounts", nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = runUnary(t, f, "/beacon.v1.Admin/ListAccounts", metadata.Pairs("authorization", "Bearer garbage"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryInterceptor_BearerAndAPIKey(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	token := f.login(t, alice).Token
	key := f.apiKey(t, alice)

	id, err := runUnary(t, f, "/beacon.v1.Admin/Me", metadata.Pairs("authorization", "Bearer "+token))
	require.NoError(t, err)
	assert.Equal(t, alice.ID, id.AccountID)

	id, err = runUnary(t, f, "/beacon.v1.Admin/Me", metadata.Pairs("x-api-key", key))
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, id.Method)
}

func TestUnaryInterceptor_PrivilegedPolicy(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	token := f.login(t, alice).Token

	policy := DefaultMethodPolicy()
	policy.Methods["/beacon.v1.Admin/RevokeSessions"] = LevelPrivileged
	interceptor := UnaryInterceptor(f.resolver, policy, nil)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/beacon.v1.Admin/RevokeSessions"}, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}
