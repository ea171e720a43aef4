package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/e2ee"
)

// Run 啟動 HTTP 伺服器，ctx 結束後優雅關閉.
func Run(ctx context.Context, mgr *e2ee.Manager) error {
	cfg := config.Get()

	// setting router
	router, stopLimiter := Router(mgr)
	defer stopLimiter()

	timeout := cfg.Server.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}

	// create HTTP server
	srv := &http.Server{
		Addr:              config.GetServerAddr(),
		Handler:           router,
		ReadTimeout:       time.Duration(timeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(timeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.Server.UseHTTPS {
		tlsConfig, err := LoadTLSConfig(config.TLSConfig{
			Enabled:  true,
			CertFile: cfg.Server.CertPath,
			KeyFile:  cfg.Server.KeyPath,
		})
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		logger.LogInfof("HTTP 伺服器正在監聽: %s (https=%v)", srv.Addr, cfg.Server.UseHTTPS)
		var err error
		if cfg.Server.UseHTTPS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.LogErrorf("HTTP 伺服器啟動失敗: %v", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.LogInfof("正在優雅關閉 HTTP 伺服器...")

	// 優雅關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.LogErrorf("伺服器關閉失敗: %v", err)
		return err
	}

	logger.LogInfof("HTTP 伺服器已優雅關閉")
	return nil
}
