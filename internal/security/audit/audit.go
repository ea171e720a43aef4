// Package audit 安全相關事件的審計軌跡
//
// 事件以 JSON Lines 寫出，每筆帶遞增序號與請求 trace，便於偵測遺漏並與應用日誌對照。
// 事件只記錄指紋與識別碼，從不記錄密鑰材料或明文。
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"e2ee-gateway/internal/platform/logger"
)

// 事件類型
const (
	EventKeyLifecycle = "key_lifecycle"
	EventSession      = "session"
	EventGroup        = "group"
	EventTrust        = "trust"
	EventSuspicious   = "suspicious_activity"
)

// MetadataSource 從 context 取出請求來源
type MetadataSource func(ctx context.Context) (ipAddress, userAgent string)

// AuditService 審計服務；停用時所有方法皆為空操作
type AuditService struct {
	enabled bool

	mu       sync.Mutex
	out      io.Writer
	metadata MetadataSource
	seq      uint64
}

// NewAuditService 創建審計服務，預設寫到 stderr
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{enabled: enabled, out: os.Stderr}
}

// SetOutput 替換審計輸出
func (a *AuditService) SetOutput(w io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = w
}

// SetMetadataSource 設定請求元數據來源（HTTP 與 gRPC 中介層提供）
func (a *AuditService) SetMetadataSource(src MetadataSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata = src
}

// AuditEvent 審計事件
type AuditEvent struct {
	Sequence  uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Trace     string                 `json:"trace,omitempty"`
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	GroupID   string                 `json:"group_id,omitempty"`
	Action    string                 `json:"action"`
	Result    string                 `json:"result"` // success, flagged
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
}

// LogKeyEvent 記錄密鑰生命週期事件
func (a *AuditService) LogKeyEvent(ctx context.Context, operation, userID, deviceID, oldFingerprint, newFingerprint, reason string) {
	a.record(ctx, AuditEvent{
		EventType: EventKeyLifecycle,
		UserID:    userID,
		DeviceID:  deviceID,
		Action:    operation,
		Details: map[string]interface{}{
			"old_fingerprint": oldFingerprint,
			"new_fingerprint": newFingerprint,
			"reason":          reason,
		},
	})
}

// LogSessionEvent 記錄會話建立、輪替、失陷與關閉
func (a *AuditService) LogSessionEvent(ctx context.Context, action, sessionID, userID, peerUserID string) {
	ev := AuditEvent{
		EventType: EventSession,
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
	}
	if peerUserID != "" {
		ev.Details = map[string]interface{}{"peer_user_id": peerUserID}
	}
	a.record(ctx, ev)
}

// LogGroupEvent 記錄群組 epoch 變更
func (a *AuditService) LogGroupEvent(ctx context.Context, action, groupID, userID string, epoch uint64) {
	a.record(ctx, AuditEvent{
		EventType: EventGroup,
		UserID:    userID,
		GroupID:   groupID,
		Action:    action,
		Details:   map[string]interface{}{"epoch": epoch},
	})
}

// LogTrustChange 記錄信任等級變更；method 為空表示手動設定
func (a *AuditService) LogTrustChange(ctx context.Context, userID, trustedUserID, from, to, method string) {
	details := map[string]interface{}{
		"trusted_user_id": trustedUserID,
		"from":            from,
		"to":              to,
	}
	if method != "" {
		details["method"] = method
	}
	a.record(ctx, AuditEvent{
		EventType: EventTrust,
		UserID:    userID,
		Action:    "trust_change",
		Details:   details,
	})
}

// LogCryptoFailure 記錄驗證失敗（重放、竄改、安全碼不符），標記為可疑
func (a *AuditService) LogCryptoFailure(ctx context.Context, operation, userID, targetID, reason string) {
	a.record(ctx, AuditEvent{
		EventType: EventSuspicious,
		UserID:    userID,
		Action:    operation,
		Result:    "flagged",
		Details: map[string]interface{}{
			"target_id": targetID,
			"reason":    reason,
		},
	})
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a.enabled
}

// Count 已寫出的事件數
func (a *AuditService) Count() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// record 補上序號、時間、trace 與請求來源後寫出一行 JSON
func (a *AuditService) record(ctx context.Context, ev AuditEvent) {
	if a == nil || !a.enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.Result == "" {
		ev.Result = "success"
	}
	ev.Timestamp = time.Now().UTC()
	ev.Trace = logger.GetTraceID(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.metadata != nil {
		ev.IPAddress, ev.UserAgent = a.metadata(ctx)
	}
	a.seq++
	ev.Sequence = a.seq

	line, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf(ctx, "審計事件序列化失敗: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.out, "%s\n", line); err != nil {
		logger.Error(ctx, "審計事件寫出失敗",
			logger.WithAction(ev.Action),
			logger.WithDetails(map[string]interface{}{"seq": ev.Sequence, "error": err.Error()}))
	}
}
