package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	keydir "e2ee-gateway/internal/grpc"
	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/hybrid"
	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/transparency"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dial 建立新連接
func Dial(address string, tlsConfig config.TLSConfig) (*grpc.ClientConn, error) {
	var (
		c   *grpc.ClientConn
		err error
	)
	if tlsConfig.Enabled {
		c, err = dialWithTLS(address, tlsConfig)
	} else {
		c, err = dialInsecure(address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server at %s: %w", address, err)
	}
	return c, nil
}

// dialWithTLS 使用 TLS 連接
func dialWithTLS(address string, tlsConfig config.TLSConfig) (*grpc.ClientConn, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if tlsConfig.CAFile != "" {
		// 清理路徑（移除 ../ 等）
		caFile, err := filepath.Abs(filepath.Clean(tlsConfig.CAFile))
		if err != nil {
			return nil, fmt.Errorf("無法解析證書文件路徑: %w", err)
		}
		// #nosec G304 -- file path is cleaned above
		ca, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		tc.RootCAs = certPool
	}

	// 如果有客戶端證書（雙向 TLS）
	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return grpc.NewClient(address, grpc.WithTransportCredentials(credentials.NewTLS(tc)))
}

// dialInsecure 不使用 TLS 連接（僅開發環境）
func dialInsecure(address string) (*grpc.ClientConn, error) {
	logger.LogWarnf("gRPC 使用不安全連接（開發環境）: %s", address)
	return grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// KeyDirectoryClient 密鑰目錄客戶端
type KeyDirectoryClient struct {
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

// NewKeyDirectoryClient 以既有連接建立客戶端
func NewKeyDirectoryClient(cc grpc.ClientConnInterface) *KeyDirectoryClient {
	return &KeyDirectoryClient{cc: cc, timeout: 10 * time.Second}
}

func (c *KeyDirectoryClient) call(ctx context.Context, method string, fields map[string]interface{}, out interface{}) error {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	raw, err := resp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// GetKeyBundle 取得遠端設備的公開密鑰包
func (c *KeyDirectoryClient) GetKeyBundle(ctx context.Context, userID, deviceID string) (*keymanager.KeyBundle, error) {
	var out struct {
		Bundle *keymanager.KeyBundle `json:"bundle"`
	}
	err := c.call(ctx, keydir.MethodGetKeyBundle, map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Bundle, nil
}

// GetUserDevices 列出用戶的設備
func (c *KeyDirectoryClient) GetUserDevices(ctx context.Context, userID string) ([]keymanager.DeviceState, error) {
	var out struct {
		Devices []keymanager.DeviceState `json:"devices"`
	}
	if err := c.call(ctx, keydir.MethodGetUserDevices, map[string]interface{}{"user_id": userID}, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// KeyLog 透明日誌與驗證用的帳本公鑰
type KeyLog struct {
	Entries   []transparency.KeyLogEntry `json:"entries"`
	PublicKey struct {
		Material []byte `json:"material"`
	} `json:"public_key"`
}

// Verify 逐筆驗證簽名
func (l *KeyLog) Verify() error {
	for i := range l.Entries {
		if !transparency.VerifyEntry(l.PublicKey.Material, &l.Entries[i]) {
			return fmt.Errorf("key log entry %d has an invalid signature", l.Entries[i].Sequence)
		}
	}
	return nil
}

// GetKeyLog 取得用戶的透明日誌
func (c *KeyDirectoryClient) GetKeyLog(ctx context.Context, userID string, since time.Time) (*KeyLog, error) {
	fields := map[string]interface{}{"user_id": userID}
	if !since.IsZero() {
		fields["since"] = since.UTC().Format(time.RFC3339)
	}
	out := &KeyLog{}
	if err := c.call(ctx, keydir.MethodGetKeyLog, fields, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHybridPublicKey 取得設備的混合公鑰
func (c *KeyDirectoryClient) GetHybridPublicKey(ctx context.Context, userID, deviceID string) (*hybrid.PublicKey, error) {
	var out struct {
		PublicKey *hybrid.PublicKey `json:"public_key"`
	}
	err := c.call(ctx, keydir.MethodGetHybridPublicKey, map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.PublicKey, nil
}

// GetSafetyNumber 取得兩個用戶之間的安全碼與 QR 內容
func (c *KeyDirectoryClient) GetSafetyNumber(ctx context.Context, userID, otherUserID string) (string, string, error) {
	var out struct {
		SafetyNumber string `json:"safety_number"`
		QRPayload    string `json:"qr_payload"`
	}
	err := c.call(ctx, keydir.MethodGetSafetyNumber, map[string]interface{}{
		"user_id":       userID,
		"other_user_id": otherUserID,
	}, &out)
	if err != nil {
		return "", "", err
	}
	return out.SafetyNumber, out.QRPayload, nil
}
