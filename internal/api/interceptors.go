package api

import (
	"context"
	"time"

	"channelmanager/internal/logging"
	"channelmanager/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const requestIDMetadataKey = "x-request-id"

// LoggingUnaryInterceptor echoes the request id back as a header, counts the
// call and logs it. Failed calls other than NotFound are logged at warn level.
func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	log := logging.Component(logger, "grpc")

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		metrics.ObserveGRPC(info.FullMethod, code.String())

		ev := log.Debug()
		if code != codes.OK && code != codes.NotFound {
			ev = log.Warn().Err(err)
		}
		ev.Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", remoteAddr(ctx)).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func requestIDFromMetadata(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if id := first(md.Get(requestIDMetadataKey)); id != "" {
		return id
	}
	return uuid.NewString()
}
