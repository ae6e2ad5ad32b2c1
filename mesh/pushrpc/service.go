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

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service only exchanges well-known wrapper types, so it is declared by
// hand rather than generated from a .proto file.
const (
	serviceName      = "catmesh.push.v1.PushService"
	notifyMethodName = "Notify"
	notifyFullMethod = "/" + serviceName + "/" + notifyMethodName

	// NodeIDMetadataKey carries the id of the pushing node.
	NodeIDMetadataKey = "x-catmesh-node-id"

	errorDomain = "catmesh.ai"
)

type pushServiceServer interface {
	Notify(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error)
}

var pushServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*pushServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: notifyMethodName,
			Handler:    notifyHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "catmesh/push/v1/push.proto",
}

func notifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(pushServiceServer).Notify(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: notifyFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(pushServiceServer).Notify(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}
