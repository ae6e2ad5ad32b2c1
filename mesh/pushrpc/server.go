/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package pushrpc

import (
	"context"
	"errors"
	"strconv"

	"github.com/cheshire-cat-ai/catmesh/mesh/propagation"
	"github.com/cheshire-cat-ai/catmesh/pkg/interceptors"
	"github.com/cheshire-cat-ai/catmesh/pkg/metrics"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	epb "google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// PushHandler processes a version pushed by a peer and returns the local
// version once it has caught up.
type PushHandler interface {
	HandlePush(ctx context.Context, version uint64, source string) (uint64, error)
}

type ServerOptions struct {
	Logger  *zap.Logger
	Handler PushHandler
}

type Server struct {
	logger  *zap.Logger
	handler PushHandler
}

var _ pushServiceServer = (*Server)(nil)

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		logger:  logger,
		handler: opts.Handler,
	}
}

func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&pushServiceDesc, s)
}

// NewGrpcServer builds the grpc server the push service is hosted on.
func NewGrpcServer(logger *zap.Logger, meshMetrics *metrics.MeshMetrics) *grpc.Server {
	recoveryHandler := func(p any) (err error) {
		logger.Error("a panic has been triggered", zap.Any("error: ", p))
		return status.Errorf(codes.Internal, "An internal error occurred.")
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			interceptors.NewMetricsInterceptor(meshMetrics).UnaryInterceptor(),
			interceptors.NewRequestLoggingInterceptor(logger, NodeIDMetadataKey).UnaryInterceptor(),
			recovery.UnaryServerInterceptor(
				recovery.WithRecoveryHandler(recoveryHandler),
			),
		),
	}

	switch otel.GetMeterProvider().(type) {
	case noop.MeterProvider:
	default:
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	return grpc.NewServer(serverOpts...)
}

func sourceFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	ids := md.Get(NodeIDMetadataKey)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (s *Server) Notify(ctx context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error) {
	version := in.GetValue()
	if version == 0 {
		return nil, status.Error(codes.InvalidArgument, "version must be greater than zero")
	}

	current, err := s.handler.HandlePush(ctx, version, sourceFromContext(ctx))
	if err != nil {
		return nil, s.errorToStatus(err, version).Err()
	}

	return wrapperspb.UInt64(current), nil
}

func (s *Server) errorToStatus(err error, version uint64) *status.Status {
	switch {
	case errors.Is(err, propagation.ErrUpdateUnavailable):
		st := status.New(codes.NotFound, "The requested update is no longer available.")
		return tryAttachErrorInfo(st, "UPDATE_UNAVAILABLE", version)
	case errors.Is(err, propagation.ErrStopped):
		st := status.New(codes.Unavailable, "The node is shutting down.")
		return tryAttachErrorInfo(st, "NODE_STOPPING", version)
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, "Timed out applying the update.")
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, "The push was cancelled.")
	}

	s.logger.Warn("failed to handle update push",
		zap.Uint64("version", version),
		zap.Error(err))
	return status.New(codes.Unavailable, "Failed to apply the update.")
}

func tryAttachErrorInfo(st *status.Status, reason string, version uint64) *status.Status {
	newSt, err := st.WithDetails(&epb.ErrorInfo{
		Reason: reason,
		Domain: errorDomain,
		Metadata: map[string]string{
			"version": strconv.FormatUint(version, 10),
		},
	})
	if err != nil {
		return st
	}
	return newSt
}
