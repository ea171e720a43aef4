package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/platform/server"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/e2ee"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// 服務與方法名稱，客戶端以相同的全名呼叫
const (
	ServiceName = "e2ee.v1.KeyDirectory"

	MethodGetKeyBundle       = "/" + ServiceName + "/GetKeyBundle"
	MethodGetUserDevices     = "/" + ServiceName + "/GetUserDevices"
	MethodGetKeyLog          = "/" + ServiceName + "/GetKeyLog"
	MethodGetHybridPublicKey = "/" + ServiceName + "/GetHybridPublicKey"
	MethodGetSafetyNumber    = "/" + ServiceName + "/GetSafetyNumber"
)

// KeyDirectoryServer 公開密鑰目錄
// 請求與回應皆為 google.protobuf.Struct，二進位欄位以 base64 字串表示
type KeyDirectoryServer interface {
	GetKeyBundle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetUserDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetKeyLog(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetHybridPublicKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSafetyNumber(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(KeyDirectoryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(KeyDirectoryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(KeyDirectoryServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var keyDirectoryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KeyDirectoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetKeyBundle", Handler: unaryHandler(MethodGetKeyBundle, KeyDirectoryServer.GetKeyBundle)},
		{MethodName: "GetUserDevices", Handler: unaryHandler(MethodGetUserDevices, KeyDirectoryServer.GetUserDevices)},
		{MethodName: "GetKeyLog", Handler: unaryHandler(MethodGetKeyLog, KeyDirectoryServer.GetKeyLog)},
		{MethodName: "GetHybridPublicKey", Handler: unaryHandler(MethodGetHybridPublicKey, KeyDirectoryServer.GetHybridPublicKey)},
		{MethodName: "GetSafetyNumber", Handler: unaryHandler(MethodGetSafetyNumber, KeyDirectoryServer.GetSafetyNumber)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "e2ee/v1/key_directory.proto",
}

// RegisterKeyDirectoryServer 註冊服務
func RegisterKeyDirectoryServer(s grpc.ServiceRegistrar, srv KeyDirectoryServer) {
	s.RegisterService(&keyDirectoryServiceDesc, srv)
}

// Server gRPC 服務器
type Server struct {
	grpcServer *grpc.Server
	mgr        *e2ee.Manager
}

// NewServer 創建新的 gRPC 服務器
func NewServer(mgr *e2ee.Manager, tlsConfig config.TLSConfig) (*Server, error) {
	ctx := context.Background()
	opts := []grpc.ServerOption{grpc.UnaryInterceptor(middleware.GRPCUnaryInterceptor())}

	// 根據 TLS 配置決定是否啟用 TLS
	if tlsConfig.Enabled {
		tc, err := server.LoadTLSConfig(tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tc)))
		logger.Info(ctx, "gRPC TLS 已啟用")
	} else {
		logger.Warning(ctx, "gRPC 以非加密模式運行（開發環境）")
	}

	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		mgr:        mgr,
	}

	// 註冊服務
	RegisterKeyDirectoryServer(s.grpcServer, s)
	return s, nil
}

// Serve 在指定的 listener 上提供服務
func (s *Server) Serve(lis net.Listener) error {
	logger.LogInfof("gRPC 服務器啟動在 %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// Start 啟動 gRPC 服務器
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop 停止 gRPC 服務器
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// GetKeyBundle 取得設備的公開密鑰包
func (s *Server) GetKeyBundle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, deviceID, err := deviceFields(req)
	if err != nil {
		return nil, err
	}
	bundle, err := s.mgr.GetKeyBundle(ctx, userID, deviceID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"bundle": bundle})
}

// GetUserDevices 列出用戶的設備
func (s *Server) GetUserDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userField(req, "user_id")
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]interface{}{"devices": s.mgr.GetUserDevices(userID)})
}

// GetKeyLog 取得用戶的透明日誌，since 為 RFC3339（可省略）
func (s *Server) GetKeyLog(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userField(req, "user_id")
	if err != nil {
		return nil, err
	}
	var since time.Time
	if v := req.GetFields()["since"].GetStringValue(); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, status.Error(codes.InvalidArgument, "since must be RFC3339")
		}
	}
	return toStruct(map[string]interface{}{
		"entries":    s.mgr.GetKeyLog(userID, since),
		"public_key": s.mgr.Ledger().PublicKey(),
	})
}

// GetHybridPublicKey 取得設備的混合公鑰
func (s *Server) GetHybridPublicKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, deviceID, err := deviceFields(req)
	if err != nil {
		return nil, err
	}
	pub, err := s.mgr.HybridPublicKey(userID, deviceID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"public_key": pub})
}

// GetSafetyNumber 計算兩個用戶之間的安全碼與 QR 內容
func (s *Server) GetSafetyNumber(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userField(req, "user_id")
	if err != nil {
		return nil, err
	}
	otherID, err := userField(req, "other_user_id")
	if err != nil {
		return nil, err
	}
	number, err := s.mgr.GenerateSafetyNumber(userID, otherID)
	if err != nil {
		return nil, toStatus(err)
	}
	qr, err := s.mgr.GenerateQRPayload(userID, otherID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"safety_number": number, "qr_payload": qr})
}

func userField(req *structpb.Struct, name string) (string, error) {
	v := req.GetFields()[name].GetStringValue()
	if err := middleware.ValidateUserID(v); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return v, nil
}

func deviceFields(req *structpb.Struct) (string, string, error) {
	userID, err := userField(req, "user_id")
	if err != nil {
		return "", "", err
	}
	deviceID := req.GetFields()["device_id"].GetStringValue()
	if err := middleware.ValidateDeviceID(deviceID); err != nil {
		return "", "", status.Errorf(codes.InvalidArgument, "device_id: %v", err)
	}
	return userID, deviceID, nil
}

// toStruct 經由 JSON 轉為 Struct，沿用各型別的 json 標籤
func toStruct(v map[string]interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// toStatus 將錯誤分類映射為 gRPC 狀態碼
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, cryptoerr.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, cryptoerr.ErrUnknownDevice),
		errors.Is(err, cryptoerr.ErrUnknownSession),
		errors.Is(err, cryptoerr.ErrGroupNotFound):
		code = codes.NotFound
	case errors.Is(err, cryptoerr.ErrStaleBundle),
		errors.Is(err, cryptoerr.ErrEpochMismatch),
		errors.Is(err, cryptoerr.ErrSessionCompromised):
		code = codes.FailedPrecondition
	case cryptoerr.Fatal(err):
		code = codes.PermissionDenied
	case errors.Is(err, cryptoerr.ErrCapacity):
		code = codes.ResourceExhausted
	case errors.Is(err, cryptoerr.ErrTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, cryptoerr.ErrTransient):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
