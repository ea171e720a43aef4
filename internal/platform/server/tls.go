package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"e2ee-gateway/internal/platform/config"
)

// LoadTLSConfig 載入伺服器 TLS 配置，HTTP 與 gRPC 共用
// 提供 CA 文件時要求並驗證客戶端憑證
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	// 載入服務器憑證和私鑰
	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS13, // 只接受 TLS 1.3
	}

	if cfg.CAFile != "" {
		ca, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
		tlsConfig.ClientCAs = certPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
