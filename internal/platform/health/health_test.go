package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/security/e2ee"

	"github.com/gin-gonic/gin"
)

type fakeCore struct {
	configured bool
	pingErr    error
	pending    int
}

func (f *fakeCore) GetEncryptionMetrics() e2ee.Metrics {
	return e2ee.Metrics{PendingPersist: f.pending}
}

func (f *fakeCore) CheckStorage(context.Context) (bool, error) {
	return f.configured, f.pingErr
}

func serve(t *testing.T, h *Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", h.HealthCheck)
	r.GET("/ready", h.Ready)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("無法解析回應 %q: %v", w.Body.String(), err)
	}
	return w.Code, body
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name          string
		core          *fakeCore
		wantStatus    string
		wantStorage   string
		wantReadyCode int
	}{
		{"記憶體模式", &fakeCore{}, statusHealthy, statusDisabled, http.StatusOK},
		{"存儲正常", &fakeCore{configured: true}, statusHealthy, statusHealthy, http.StatusOK},
		{"存儲失敗", &fakeCore{configured: true, pingErr: errors.New("connection refused")}, statusDegraded, statusUnhealthy, http.StatusServiceUnavailable},
		{"持久化積壓", &fakeCore{configured: true, pending: maxPendingPersist}, statusHealthy, statusHealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.core, config.StorageDriverBadger)

			code, body := serve(t, h, "/health")
			if code != http.StatusOK {
				t.Fatalf("/health 應總是回 200，得到 %d", code)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			storage, _ := body["storage"].(map[string]interface{})
			if storage["status"] != tt.wantStorage {
				t.Errorf("storage.status = %v, want %s", storage["status"], tt.wantStorage)
			}

			code, _ = serve(t, h, "/ready")
			if code != tt.wantReadyCode {
				t.Errorf("/ready = %d, want %d", code, tt.wantReadyCode)
			}
		})
	}
}
