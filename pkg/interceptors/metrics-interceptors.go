package interceptors

import (
	"context"

	"github.com/cheshire-cat-ai/catmesh/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type MetricsInterceptor struct {
	metrics *metrics.MeshMetrics
}

func NewMetricsInterceptor(metrics *metrics.MeshMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: metrics,
	}
}

func (mi *MetricsInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (response interface{}, err error) {
		mi.metrics.ActivePushRequests.Add(ctx, 1)

		resp, err := handler(ctx, req)

		mi.metrics.ActivePushRequests.Add(ctx, -1)
		mi.metrics.PushRequests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", info.FullMethod),
			attribute.String("code", status.Code(err).String())))

		return resp, err
	}
}
