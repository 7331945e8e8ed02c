package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"channelmanager/internal/config"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func authConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			APIKeys: []config.APIClientKey{
				{Key: "pms-key", Extra: "pms-extra", Name: "pms", Permissions: []string{permWriteInventory}},
				{Key: "ops-key", Extra: "ops-extra", Name: "ops"},
			},
		},
		RateLimit: config.APIRateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
	}
}

func TestAuthInterceptor(t *testing.T) {
	cfg := authConfig()
	interceptor := NewAuthInterceptor(cfg).Unary()

	handler := func(_ context.Context, req any) (any, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	t.Run("Success", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "ops-key", "x-api-extra", "ops-extra")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		resp, err := interceptor(ctx, "req", info, handler)
		assert.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})

	t.Run("MissingMetadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("MissingHeaders", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs())
		_, err := interceptor(ctx, "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidKey", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "invalid", "x-api-extra", "ops-extra")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		_, err := interceptor(ctx, "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidExtra", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "ops-key", "x-api-extra", "invalid")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		_, err := interceptor(ctx, "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "pms-key", "x-api-extra", "pms-extra")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		_, err := interceptor(ctx, "req", info, handler)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})
}

func TestAuthInterceptor_RateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Enabled:   true,
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1},
	}
	interceptor := NewAuthInterceptor(cfg).Unary()
	info := &grpc.UnaryServerInfo{FullMethod: "test"}
	handler := func(_ context.Context, req any) (any, error) { return "ok", nil }

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "key1"))

	_, err := interceptor(ctx, "req", info, handler)
	assert.NoError(t, err)

	_, err = interceptor(ctx, "req", info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// Separate bucket per key.
	other := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "key2"))
	_, err = interceptor(other, "req", info, handler)
	assert.NoError(t, err)
}

func TestLoggingUnaryInterceptor(t *testing.T) {
	interceptor := LoggingUnaryInterceptor(nil)
	handler := func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "test"}

	resp, err := interceptor(context.Background(), "req", info, handler)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRequestIDFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "req-42"))
	assert.Equal(t, "req-42", requestIDFromMetadata(ctx))
	assert.NotEmpty(t, requestIDFromMetadata(context.Background()))
}

func TestRequiredPermission(t *testing.T) {
	assert.Equal(t, permReadConnections, requiredPermission("/grpc.health.v1.Health/Check"))
	assert.Equal(t, "", requiredPermission("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"))
}

func TestHTTPAuth(t *testing.T) {
	auth := NewHTTPAuth(authConfig())
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := auth.Wrap(auth.Require(permWriteInventory)(ok))

	call := func(key, extra string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/hotels/1/inventory", nil)
		if key != "" {
			req.Header.Set("X-Api-Key", key)
			req.Header.Set("X-Api-Extra", extra)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call("", ""))
	assert.Equal(t, http.StatusUnauthorized, call("pms-key", "wrong"))
	assert.Equal(t, http.StatusNoContent, call("pms-key", "pms-extra"))
	assert.Equal(t, http.StatusNoContent, call("ops-key", "ops-extra"))

	readOnly := auth.Wrap(auth.Require(permReadConnections)(ok))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections/1", nil)
	req.Header.Set("X-Api-Key", "pms-key")
	req.Header.Set("X-Api-Extra", "pms-extra")
	rec := httptest.NewRecorder()
	readOnly.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTTPAuth_RateLimit(t *testing.T) {
	auth := NewHTTPAuth(config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1}})
	handler := auth.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	got := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/connections/1", nil)
		req.RemoteAddr = "10.0.0.7:5123"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		got = append(got, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, got)
}
