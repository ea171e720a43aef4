package middleware

import (
	"context"
	"time"

	"e2ee-gateway/internal/platform/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// GRPCUnaryInterceptor gRPC 一元 RPC 攔截器
// 提取請求元數據供審計使用，記錄耗時並把 panic 轉為 Internal 錯誤
// 使用方式：grpc.NewServer(grpc.UnaryInterceptor(middleware.GRPCUnaryInterceptor()))
func GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		meta := &RequestMetadata{IPAddress: unknownSource, UserAgent: unknownSource}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			meta.IPAddress = p.Addr.String()
		}
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("user-agent"); len(v) > 0 {
				meta.UserAgent = v[0]
			}
			if v := md.Get("x-user-id"); len(v) > 0 {
				meta.UserID = v[0]
			}
			if v := md.Get("x-request-id"); len(v) > 0 {
				requestID = v[0]
			}
		}
		requestID = sanitizeRequestID(requestID)
		ctx = logger.WithTraceID(WithRequestMetadata(ctx, meta), requestID)

		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "gRPC 處理器 panic",
					logger.WithAction(info.FullMethod),
					logger.WithDetails(map[string]interface{}{"panic": r, "request_id": requestID}))
				err = status.Error(codes.Internal, "internal error")
			}
			code := status.Code(err)
			details := map[string]interface{}{
				"request_id":  requestID,
				"code":        code.String(),
				"duration_ms": time.Since(start).Milliseconds(),
				"peer":        meta.IPAddress,
			}
			if code == codes.OK {
				logger.Debug(ctx, "gRPC 請求完成", logger.WithAction(info.FullMethod), logger.WithDetails(details))
			} else {
				logger.Warning(ctx, "gRPC 請求失敗", logger.WithAction(info.FullMethod), logger.WithDetails(details))
			}
		}()

		return handler(ctx, req)
	}
}
