// Package rpc defines the transfer-queue coordinator's gRPC service by
// hand, without a .proto compilation step: request and response messages
// are google.golang.org/protobuf's precompiled well-known types
// (structpb.Struct, emptypb.Empty), which are already real proto.Message
// values, so a hand-written grpc.ServiceDesc gets genuine gRPC framing,
// interceptors, and codec support for free (Design Note "Plugin ClassAd
// exchange ... schema-checked attribute record", generalized here to the
// coordinator's own RPCs per SPEC_FULL §4.12).
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the coordinator's gRPC service name.
const ServiceName = "relayforge.coordinator.QueueService"

// QueueServer is the coordinator's RPC surface (spec §4.6, EXPANSION §4.12):
// RequestSlot begins slot acquisition, KeepAlive refreshes a pending lease,
// Release frees one.
type QueueServer interface {
	RequestSlot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	KeepAlive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Release(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

func _Queue_RequestSlot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServer).RequestSlot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RequestSlot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServer).RequestSlot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Queue_KeepAlive_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServer).KeepAlive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/KeepAlive"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServer).KeepAlive(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Queue_Release_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Release"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServer).Release(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// QueueServiceDesc is the hand-written service descriptor registered with
// grpc.Server in place of generated *_grpc.pb.go code.
var QueueServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestSlot", Handler: _Queue_RequestSlot_Handler},
		{MethodName: "KeepAlive", Handler: _Queue_KeepAlive_Handler},
		{MethodName: "Release", Handler: _Queue_Release_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator/queue_service.go",
}

// RegisterQueueServer registers srv against s.
func RegisterQueueServer(s grpc.ServiceRegistrar, srv QueueServer) {
	s.RegisterService(&QueueServiceDesc, srv)
}

// QueueClient is the coordinator's RPC surface as seen by
// internal/filetransfer/queue.Client.
type QueueClient interface {
	RequestSlot(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	KeepAlive(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type queueClient struct {
	cc grpc.ClientConnInterface
}

// NewQueueClient wraps a *grpc.ClientConn (or any grpc.ClientConnInterface)
// as a QueueClient.
func NewQueueClient(cc grpc.ClientConnInterface) QueueClient {
	return &queueClient{cc: cc}
}

func (c *queueClient) RequestSlot(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/RequestSlot", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queueClient) KeepAlive(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/KeepAlive", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queueClient) Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Release", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
