package grpc

import (
	"context"

	"github.com/jrife/kvcache/transport"
	"github.com/jrife/kvcache/transport/cachepb"
)

var _ cachepb.CacheServiceServer = (*CacheServer)(nil)

// CacheServer adapts a transport.CacheServer to the gRPC service
type CacheServer struct {
	cacheServer transport.CacheServer
	frontend    *Frontend
}

// KeyExists implements cachepb.CacheServiceServer.KeyExists
func (server *CacheServer) KeyExists(ctx context.Context, req *cachepb.KeyRequest) (*cachepb.BoolResponse, error) {
	exists, err := server.cacheServer.KeyExists(ctx, req.Key)

	if err != nil {
		return nil, server.frontend.toStatus(err)
	}

	return &cachepb.BoolResponse{Result: exists}, nil
}

// KeyDelete implements cachepb.CacheServiceServer.KeyDelete
func (server *CacheServer) KeyDelete(ctx context.Context, req *cachepb.KeyRequest) (*cachepb.BoolResponse, error) {
	removed, err := server.cacheServer.KeyDelete(ctx, req.Key)

	if err != nil {
		return nil, server.frontend.toStatus(err)
	}

	return &cachepb.BoolResponse{Result: removed}, nil
}

// KeysDelete implements cachepb.CacheServiceServer.KeysDelete
func (server *CacheServer) KeysDelete(ctx context.Context, req *cachepb.KeysRequest) (*cachepb.BoolResponse, error) {
	ok, err := server.cacheServer.KeysDelete(ctx, req.Keys)

	if err != nil {
		return nil, server.frontend.toStatus(err)
	}

	return &cachepb.BoolResponse{Result: ok}, nil
}

// StringGet implements cachepb.CacheServiceServer.StringGet
func (server *CacheServer) StringGet(ctx context.Context, req *cachepb.KeyRequest) (*cachepb.GetResponse, error) {
	value, found, err := server.cacheServer.StringGet(ctx, req.Key)

	if err != nil {
		return nil, server.frontend.toStatus(err)
	}

	return &cachepb.GetResponse{Value: value, Found: found}, nil
}

// StringSet implements cachepb.CacheServiceServer.StringSet
func (server *CacheServer) StringSet(ctx context.Context, req *cachepb.SetRequest) (*cachepb.BoolResponse, error) {
	ok, err := server.cacheServer.StringSet(ctx, req.Key, req.Value, req.Expiry())

	if err != nil {
		return nil, server.frontend.toStatus(err)
	}

	return &cachepb.BoolResponse{Result: ok}, nil
}

// ClearAll implements cachepb.CacheServiceServer.ClearAll
func (server *CacheServer) ClearAll(ctx context.Context, req *cachepb.Empty) (*cachepb.Empty, error) {
	if err := server.cacheServer.ClearAll(ctx); err != nil {
		return nil, server.frontend.toStatus(err)
	}

	return &cachepb.Empty{}, nil
}
