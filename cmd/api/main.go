package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee-gateway/internal/grpc"
	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/driver"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/platform/server"
	"e2ee-gateway/internal/security/audit"
	"e2ee-gateway/internal/security/e2ee"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/secrets"
	"e2ee-gateway/internal/storage"
	"e2ee-gateway/internal/storage/badgerstore"
	"e2ee-gateway/internal/storage/database"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// openStore 依存儲驅動開啟持久化層；memory 驅動返回 nil
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverMongo:
		db, err := driver.ConnectMongo(ctx)
		if err != nil {
			return nil, err
		}
		return database.NewMongoStore(ctx, db)
	case config.StorageDriverBadger:
		return badgerstore.Open(cfg.Storage.BadgerDir)
	default:
		logger.Warning(ctx, "[WARNING] 使用記憶體存儲，重啟後所有密鑰與會話將遺失")
		return nil, nil
	}
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 載入配置.
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()

	// 帳本簽名種子與存儲主密鑰
	vault, err := secrets.Open(cfg.Security.Keyring)
	if err != nil {
		logger.Error(ctx, "無法開啟 keyring", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("secret store initialization failed")
	}
	seed, err := vault.LedgerSeed()
	if err != nil {
		logger.Error(ctx, "無法載入帳本簽名種子", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("encryption initialization failed")
	}
	signer, err := encryption.SigningKeyPairFromSeed(seed)
	encryption.Zero(seed)
	if err != nil {
		return fmt.Errorf("encryption initialization failed")
	}

	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled)
	auditService.SetMetadataSource(func(ctx context.Context) (string, string) {
		md := middleware.GetRequestMetadata(ctx)
		if md == nil {
			return "", ""
		}
		return md.IPAddress, md.UserAgent
	})

	opts := []e2ee.Option{
		e2ee.WithLedgerSigner(signer),
		e2ee.WithAudit(auditService),
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "存儲初始化失敗", logger.WithDetails(map[string]interface{}{
			"driver": cfg.Storage.Driver,
			"error":  err.Error(),
		}))
		return fmt.Errorf("storage initialization failed")
	}
	if cfg.Storage.Driver == config.StorageDriverMongo {
		defer func() {
			if err := driver.CloseMongo(); err != nil {
				logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
			}
		}()
	}
	if store != nil {
		masterKey, err := vault.MasterKey()
		if err != nil {
			logger.Error(ctx, "無法載入主密鑰", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			return fmt.Errorf("encryption initialization failed")
		}
		opts = append(opts, e2ee.WithStore(store, masterKey))
	}

	// 建立加密核心並還原狀態
	mgr, err := e2ee.New(ctx, e2ee.ConfigFromSettings(cfg.E2EE, cfg.Optimizer), opts...)
	if err != nil {
		logger.Error(ctx, "加密核心初始化失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		if store != nil {
			_ = store.Close(context.Background())
		}
		return fmt.Errorf("encryption initialization failed")
	}
	mgr.Start(ctx)
	defer func() {
		timeout := time.Duration(cfg.E2EE.ShutdownFlushTimeoutSecond) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.Errorf(closeCtx, "加密核心關閉失敗: %v", err)
		}
	}()

	// 啟動 gRPC 密鑰目錄
	grpcServer, err := grpc.NewServer(mgr, cfg.Security.TLS)
	if err != nil {
		logger.Error(ctx, "gRPC 服務器創建失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("server initialization failed")
	}
	go func() {
		if err := grpcServer.Start(config.GetGRPCAddr()); err != nil {
			logger.Errorf(ctx, "gRPC 服務器啟動失敗: %v", err)
			stop()
		}
	}()
	defer grpcServer.Stop()

	logger.Info(ctx, "[System] 服務器啟動完成", logger.WithDetails(map[string]interface{}{
		"http":    config.GetServerAddr(),
		"grpc":    config.GetGRPCAddr(),
		"storage": cfg.Storage.Driver,
	}))

	// 阻塞直到收到中斷信號
	if err := server.Run(ctx, mgr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info(context.Background(), "正在關閉服務器...", logger.WithAction("shutdown"))
	return nil
}
