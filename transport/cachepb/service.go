package cachepb

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name
const ServiceName = "kvcache.v1.CacheService"

// Full method names
const (
	KeyExistsMethod  = "/" + ServiceName + "/KeyExists"
	KeyDeleteMethod  = "/" + ServiceName + "/KeyDelete"
	KeysDeleteMethod = "/" + ServiceName + "/KeysDelete"
	StringGetMethod  = "/" + ServiceName + "/StringGet"
	StringSetMethod  = "/" + ServiceName + "/StringSet"
	ClearAllMethod   = "/" + ServiceName + "/ClearAll"
)

// CacheServiceServer is the server API for the cache service
type CacheServiceServer interface {
	KeyExists(context.Context, *KeyRequest) (*BoolResponse, error)
	KeyDelete(context.Context, *KeyRequest) (*BoolResponse, error)
	KeysDelete(context.Context, *KeysRequest) (*BoolResponse, error)
	StringGet(context.Context, *KeyRequest) (*GetResponse, error)
	StringSet(context.Context, *SetRequest) (*BoolResponse, error)
	ClearAll(context.Context, *Empty) (*Empty, error)
}

// RegisterCacheServiceServer registers srv with s
func RegisterCacheServiceServer(s grpc.ServiceRegistrar, srv CacheServiceServer) {
	s.RegisterService(&CacheServiceDesc, srv)
}

// CacheServiceDesc is the grpc.ServiceDesc for the cache service
var CacheServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "KeyExists",
			Handler:    unaryHandler(KeyExistsMethod, CacheServiceServer.KeyExists),
		},
		{
			MethodName: "KeyDelete",
			Handler:    unaryHandler(KeyDeleteMethod, CacheServiceServer.KeyDelete),
		},
		{
			MethodName: "KeysDelete",
			Handler:    unaryHandler(KeysDeleteMethod, CacheServiceServer.KeysDelete),
		},
		{
			MethodName: "StringGet",
			Handler:    unaryHandler(StringGetMethod, CacheServiceServer.StringGet),
		},
		{
			MethodName: "StringSet",
			Handler:    unaryHandler(StringSetMethod, CacheServiceServer.StringSet),
		},
		{
			MethodName: "ClearAll",
			Handler:    unaryHandler(ClearAllMethod, CacheServiceServer.ClearAll),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvcache/v1/cache",
}

type unaryMethod[Req any, Resp any] func(CacheServiceServer, context.Context, *Req) (*Resp, error)

func unaryHandler[Req any, Resp any](fullMethod string, method unaryMethod[Req, Resp]) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)

		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return method(srv.(CacheServiceServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}

		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(CacheServiceServer), ctx, req.(*Req))
		}

		return interceptor(ctx, in, info, handler)
	}
}

// CacheServiceClient is the client API for the cache service
type CacheServiceClient interface {
	KeyExists(ctx context.Context, in *KeyRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	KeyDelete(ctx context.Context, in *KeyRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	KeysDelete(ctx context.Context, in *KeysRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	StringGet(ctx context.Context, in *KeyRequest, opts ...grpc.CallOption) (*GetResponse, error)
	StringSet(ctx context.Context, in *SetRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	ClearAll(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error)
}

type cacheServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewCacheServiceClient returns a client that encodes every call
// with the msgpack codec
func NewCacheServiceClient(cc grpc.ClientConnInterface) CacheServiceClient {
	return &cacheServiceClient{cc: cc}
}

func invoke[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *cacheServiceClient) KeyExists(ctx context.Context, in *KeyRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invoke[KeyRequest, BoolResponse](ctx, c.cc, KeyExistsMethod, in, opts)
}

func (c *cacheServiceClient) KeyDelete(ctx context.Context, in *KeyRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invoke[KeyRequest, BoolResponse](ctx, c.cc, KeyDeleteMethod, in, opts)
}

func (c *cacheServiceClient) KeysDelete(ctx context.Context, in *KeysRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invoke[KeysRequest, BoolResponse](ctx, c.cc, KeysDeleteMethod, in, opts)
}

func (c *cacheServiceClient) StringGet(ctx context.Context, in *KeyRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	return invoke[KeyRequest, GetResponse](ctx, c.cc, StringGetMethod, in, opts)
}

func (c *cacheServiceClient) StringSet(ctx context.Context, in *SetRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invoke[SetRequest, BoolResponse](ctx, c.cc, StringSetMethod, in, opts)
}

func (c *cacheServiceClient) ClearAll(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty, Empty](ctx, c.cc, ClearAllMethod, in, opts)
}
