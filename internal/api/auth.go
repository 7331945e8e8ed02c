package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"channelmanager/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"

	permReadConnections  = "read:connections"
	permWriteConnections = "write:connections"
	permWriteInventory   = "write:inventory"
	permReadAvailability = "read:availability"
	permWriteBookings    = "write:bookings"
)

var (
	errMissingHeaders   = errors.New("missing api key headers")
	errInvalidKey       = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// keyring resolves partner API keys. Both transports authenticate through it.
type keyring struct {
	cfg          config.APIConfig
	clients      map[string]config.APIClientKey
	apiKeyHeader string
	extraHeader  string
	limiter      *rateLimiter
}

func newKeyring(cfg config.APIConfig) *keyring {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	apiKeyHeader := strings.ToLower(strings.TrimSpace(cfg.Auth.HeaderAPIKey))
	if apiKeyHeader == "" {
		apiKeyHeader = apiKeyHeaderDefault
	}
	extraHeader := strings.ToLower(strings.TrimSpace(cfg.Auth.HeaderExtra))
	if extraHeader == "" {
		extraHeader = apiExtraHeaderDefault
	}
	return &keyring{
		cfg:          cfg,
		clients:      m,
		apiKeyHeader: apiKeyHeader,
		extraHeader:  extraHeader,
		limiter:      newRateLimiter(cfg.RateLimit),
	}
}

func (k *keyring) authenticate(apiKey, extra string) (config.APIClientKey, error) {
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, errMissingHeaders
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return config.APIClientKey{}, errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, errInvalidExtra
	}
	return client, nil
}

// allowed treats an empty permission list as allow-all.
func allowed(client config.APIClientKey, required string) bool {
	if required == "" || len(client.Permissions) == 0 {
		return true
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return true
		}
	}
	return false
}

type clientCtxKey struct{}

func withClient(ctx context.Context, client config.APIClientKey) context.Context {
	return context.WithValue(ctx, clientCtxKey{}, client)
}

func clientFrom(ctx context.Context) (config.APIClientKey, bool) {
	client, ok := ctx.Value(clientCtxKey{}).(config.APIClientKey)
	return client, ok
}

// HTTPAuth provides API-key auth and per-key rate limiting for the partner API.
type HTTPAuth struct {
	keys *keyring
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{keys: newKeyring(cfg)}
}

// Wrap authenticates the caller and applies its rate limit.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.keys.cfg.Auth.Enabled {
			client, err := a.keys.authenticate(
				strings.TrimSpace(r.Header.Get(a.keys.apiKeyHeader)),
				strings.TrimSpace(r.Header.Get(a.keys.extraHeader)),
			)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			r = r.WithContext(withClient(r.Context(), client))
		}

		if !a.keys.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Require rejects authenticated callers lacking perm.
func (a *HTTPAuth) Require(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if client, ok := clientFrom(r.Context()); ok && !allowed(client, perm) {
				writeError(w, http.StatusForbidden, errPermissionDenied.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.apiKeyHeader)); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// AuthInterceptor applies the same keys and limits to gRPC calls.
type AuthInterceptor struct {
	keys *keyring
}

func NewAuthInterceptor(cfg config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{keys: newKeyring(cfg)}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a.keys.cfg.Auth.Enabled {
			if err := a.checkAuth(ctx, info.FullMethod); err != nil {
				return nil, err
			}
		}
		if !a.keys.limiter.allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, errRateLimited.Error())
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	client, err := a.keys.authenticate(first(md.Get(a.keys.apiKeyHeader)), first(md.Get(a.keys.extraHeader)))
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if !allowed(client, requiredPermission(fullMethod)) {
		return status.Error(codes.PermissionDenied, errPermissionDenied.Error())
	}
	return nil
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case "/grpc.health.v1.Health/Check", "/grpc.health.v1.Health/List":
		return permReadConnections
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.apiKeyHeader)); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
