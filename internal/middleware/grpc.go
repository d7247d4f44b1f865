package middleware

import (
	"context"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/idot-digital/webhook-broker/internal/metrics"
)

// AuthInterceptor returns a new unary server interceptor for authentication
func AuthInterceptor(authToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		// Skip auth if no token is configured
		if authToken == "" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "metadata is not provided")
		}

		auth := md.Get("authorization")
		if len(auth) == 0 {
			return nil, status.Error(codes.Unauthenticated, "authorization token is not provided")
		}

		if !TokenMatches(auth[0], authToken) {
			return nil, status.Error(codes.Unauthenticated, "invalid authorization token")
		}

		return handler(ctx, req)
	}
}

// MetricsInterceptor records every unary call under its method name and logs
// failed calls.
func MetricsInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		operation := "grpc_" + path.Base(info.FullMethod)
		code := status.Code(err)
		metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		metrics.Operations.WithLabelValues(operation, code.String()).Inc()

		if err != nil {
			logger.WithFields(logrus.Fields{"method": info.FullMethod, "code": code.String(), "error": err}).Warn("grpc call failed")
		}
		return resp, err
	}
}
