package api

import (
	"context"

	"google.golang.org/grpc"
)

// serviceDesc is hand-written in place of a protoc-generated _grpc.pb.go:
// each MethodDesc wires a method name to a decode-dispatch-encode handler
// that grpc's generated stubs would otherwise produce automatically.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "fate.Admin",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListTransactions", Handler: listHandler},
		{MethodName: "GetTransaction", Handler: getHandler},
		{MethodName: "CancelTransaction", Handler: cancelHandler},
		{MethodName: "DeleteTransaction", Handler: deleteHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
}

func listHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ListRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.list(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/fate.Admin/ListTransactions"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.list(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(GetRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.get(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/fate.Admin/GetTransaction"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func cancelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CancelRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.cancel(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/fate.Admin/CancelTransaction"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.cancel(ctx, req.(*CancelRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func deleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(DeleteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.delete(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/fate.Admin/DeleteTransaction"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func healthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(HealthRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.health(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/fate.Admin/Health"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, req, info, handler)
}
