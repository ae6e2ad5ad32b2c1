package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type RequestLoggingInterceptor struct {
	logger      *zap.Logger
	metadataKey string
}

// NewRequestLoggingInterceptor logs every request at debug level, tagging it
// with the caller address and the value of metadataKey when present.
func NewRequestLoggingInterceptor(log *zap.Logger, metadataKey string) *RequestLoggingInterceptor {
	return &RequestLoggingInterceptor{
		logger:      log,
		metadataKey: metadataKey,
	}
}

func (rli *RequestLoggingInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (response interface{}, err error) {
		if !rli.logger.Core().Enabled(zap.DebugLevel) {
			return handler(ctx, req)
		}

		fields := []zap.Field{zap.String("method", info.FullMethod)}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			fields = append(fields, zap.String("ip", p.Addr.String()))
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok && rli.metadataKey != "" {
			fields = append(fields, zap.Strings(rli.metadataKey, md.Get(rli.metadataKey)))
		}

		startTime := time.Now()
		resp, err := handler(ctx, req)

		rli.logger.Debug("request handled", append(fields,
			zap.Duration("duration", time.Since(startTime)),
			zap.String("code", status.Code(err).String()))...)

		return resp, err
	}
}
