package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "cartsync.v1.CartSyncService"

// Полные имена методов.
const (
	MethodOpenSession   = "/" + ServiceName + "/OpenSession"
	MethodGetCatalog    = "/" + ServiceName + "/GetCatalog"
	MethodGetOrder      = "/" + ServiceName + "/GetOrder"
	MethodSelectProduct = "/" + ServiceName + "/SelectProduct"
	MethodActivateOrder = "/" + ServiceName + "/ActivateOrder"
	MethodRetryOrder    = "/" + ServiceName + "/RetryOrder"
	MethodSortCatalog   = "/" + ServiceName + "/SortCatalog"
	MethodSortOrder     = "/" + ServiceName + "/SortOrder"
	MethodListNotices   = "/" + ServiceName + "/ListNotices"
	MethodCloseSession  = "/" + ServiceName + "/CloseSession"
)

// CartSyncServer — серверная сторона API. Запросы и ответы передаются как
// google.protobuf.Struct, поля описаны в методах CartSyncService.
type CartSyncServer interface {
	OpenSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCatalog(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectProduct(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActivateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SortCatalog(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SortOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListNotices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(CartSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CartSyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CartSyncServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func method(name, fullMethod string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{MethodName: name, Handler: unaryHandler(fullMethod, call)}
}

// CartSyncServiceDesc описывает сервис для grpc.Server.
var CartSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CartSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		method("OpenSession", MethodOpenSession, CartSyncServer.OpenSession),
		method("GetCatalog", MethodGetCatalog, CartSyncServer.GetCatalog),
		method("GetOrder", MethodGetOrder, CartSyncServer.GetOrder),
		method("SelectProduct", MethodSelectProduct, CartSyncServer.SelectProduct),
		method("ActivateOrder", MethodActivateOrder, CartSyncServer.ActivateOrder),
		method("RetryOrder", MethodRetryOrder, CartSyncServer.RetryOrder),
		method("SortCatalog", MethodSortCatalog, CartSyncServer.SortCatalog),
		method("SortOrder", MethodSortOrder, CartSyncServer.SortOrder),
		method("ListNotices", MethodListNotices, CartSyncServer.ListNotices),
		method("CloseSession", MethodCloseSession, CartSyncServer.CloseSession),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cartsync/v1/cartsync.proto",
}

// RegisterCartSyncServer регистрирует реализацию на сервере.
func RegisterCartSyncServer(registrar grpc.ServiceRegistrar, srv CartSyncServer) {
	registrar.RegisterService(&CartSyncServiceDesc, srv)
}
