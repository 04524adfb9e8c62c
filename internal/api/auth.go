package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// AuthTokenHeader is the metadata key for admin tokens
	AuthTokenHeader = "x-auth-token"
)

// AuthInterceptor creates a gRPC unary interceptor that validates admin tokens.
// If expectedToken is empty, authentication is disabled.
func AuthInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if expectedToken == "" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		tokens := md.Get(AuthTokenHeader)
		if len(tokens) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing auth token")
		}
		if tokens[0] != expectedToken {
			return nil, status.Error(codes.Unauthenticated, "invalid auth token")
		}

		return handler(ctx, req)
	}
}

// TokenInterceptor attaches token to every outgoing unary call.
func TokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
