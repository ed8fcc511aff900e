package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service and method names of the reduction service. Messages are well-known
// protobuf types so no generated code is needed.
const (
	ReducerServiceName = "synthmetrics.v1.Reducer"
	submitMethod       = "/" + ReducerServiceName + "/Submit"
)

// ReducerServer is the server API of the reduction service.
type ReducerServer interface {
	Submit(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// RegisterReducerServer registers srv on s.
func RegisterReducerServer(s grpc.ServiceRegistrar, srv ReducerServer) {
	s.RegisterService(&reducerServiceDesc, srv)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReducerServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: submitMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReducerServer).Submit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var reducerServiceDesc = grpc.ServiceDesc{
	ServiceName: ReducerServiceName,
	HandlerType: (*ReducerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler:    submitHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synthmetrics/v1/reducer.proto",
}

// ReducerClient is the client API of the reduction service.
type ReducerClient interface {
	Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type reducerClient struct {
	cc grpc.ClientConnInterface
}

// NewReducerClient wraps a connection.
func NewReducerClient(cc grpc.ClientConnInterface) ReducerClient {
	return &reducerClient{cc: cc}
}

func (c *reducerClient) Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, submitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
