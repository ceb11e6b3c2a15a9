package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "santa.v1.TableService"

const (
	methodList     = "/" + ServiceName + "/List"
	methodGenerate = "/" + ServiceName + "/Generate"
	methodInsert   = "/" + ServiceName + "/Insert"
	methodDelete   = "/" + ServiceName + "/Delete"
	methodUpdate   = "/" + ServiceName + "/Update"
)

// writeMethods require an API key.
var writeMethods = map[string]bool{
	methodInsert: true,
	methodDelete: true,
	methodUpdate: true,
}

// TableServiceServer is the server API for santa.v1.TableService. Requests
// and responses are google.protobuf.Struct messages:
//
//	List     {}                                   -> {"tables": [{"name","columns","writable"}]}
//	Generate {"table"}                            -> {"table", "rows": [{column: value}]}
//	Insert   {"table", "payload"}                 -> status row
//	Delete   {"table", "rowid"}                   -> status row
//	Update   {"table", "rowid", "payload"}        -> status row
type TableServiceServer interface {
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Generate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Insert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type tableMethod func(TableServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call tableMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TableServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TableServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TableServiceDesc describes santa.v1.TableService for grpc.Server.RegisterService.
var TableServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TableServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "List", Handler: unaryHandler(methodList, TableServiceServer.List)},
		{MethodName: "Generate", Handler: unaryHandler(methodGenerate, TableServiceServer.Generate)},
		{MethodName: "Insert", Handler: unaryHandler(methodInsert, TableServiceServer.Insert)},
		{MethodName: "Delete", Handler: unaryHandler(methodDelete, TableServiceServer.Delete)},
		{MethodName: "Update", Handler: unaryHandler(methodUpdate, TableServiceServer.Update)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "santa/v1/table.proto",
}

// RegisterTableServiceServer registers srv on s.
func RegisterTableServiceServer(s grpc.ServiceRegistrar, srv TableServiceServer) {
	s.RegisterService(&TableServiceDesc, srv)
}

// TableServiceClient calls santa.v1.TableService over conn.
type TableServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTableServiceClient(cc grpc.ClientConnInterface) *TableServiceClient {
	return &TableServiceClient{cc: cc}
}

func (c *TableServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TableServiceClient) List(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodList, in, opts...)
}

func (c *TableServiceClient) Generate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGenerate, in, opts...)
}

func (c *TableServiceClient) Insert(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodInsert, in, opts...)
}

func (c *TableServiceClient) Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodDelete, in, opts...)
}

func (c *TableServiceClient) Update(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodUpdate, in, opts...)
}
