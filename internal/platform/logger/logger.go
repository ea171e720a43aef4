// Package logger GCP Cloud Logging 格式的結構化日誌
//
// 每筆日誌為一行 JSON，同時寫入輪轉檔案與標準輸出。詳細欄位中名稱像密鑰材料的值
// 一律遮蔽，避免私鑰、明文或種子進入日誌。
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"e2ee-gateway/internal/platform/config"

	"github.com/google/uuid"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// Severity GCP Cloud Logging 嚴重級別
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityDebug:    100,
	SeverityInfo:     200,
	SeverityWarning:  400,
	SeverityError:    500,
	SeverityCritical: 600,
}

// ParseSeverity 解析級別名稱，無法識別時返回 INFO
func ParseSeverity(name string) Severity {
	s := Severity(strings.ToUpper(strings.TrimSpace(name)))
	if s == "WARN" {
		return SeverityWarning
	}
	if _, ok := severityRank[s]; ok {
		return s
	}
	return SeverityInfo
}

// LogEntry GCP Cloud Logging 格式的日誌條目
type LogEntry struct {
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Timestamp      string            `json:"timestamp"`       // RFC3339 格式
	TraceID        string            `json:"trace,omitempty"` // projects/[PROJECT_ID]/traces/[TRACE_ID]
	HTTPRequest    *HTTPRequest      `json:"httpRequest,omitempty"`
	SourceLocation *SourceLocation   `json:"sourceLocation,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Operation      *Operation        `json:"operation,omitempty"`
	InsertID       string            `json:"insertId,omitempty"` // 用於去重
	// 加密核心欄位
	UserID    string                 `json:"userId,omitempty"`
	DeviceID  string                 `json:"deviceId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	GroupID   string                 `json:"groupId,omitempty"`
	Epoch     *uint64                `json:"epoch,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPRequest HTTP 請求信息
type HTTPRequest struct {
	RequestMethod string `json:"requestMethod,omitempty"`
	RequestURL    string `json:"requestUrl,omitempty"`
	RequestSize   int64  `json:"requestSize,omitempty"`
	Status        int    `json:"status,omitempty"`
	ResponseSize  int64  `json:"responseSize,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	RemoteIP      string `json:"remoteIp,omitempty"`
	Latency       string `json:"latency,omitempty"` // 格式: "1.234s"
	Protocol      string `json:"protocol,omitempty"`
}

// SourceLocation 源代碼位置
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int64  `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// Operation 跨多筆日誌的長時間操作（例如一次維護週期）
type Operation struct {
	ID       string `json:"id,omitempty"`
	Producer string `json:"producer,omitempty"`
	First    bool   `json:"first,omitempty"`
	Last     bool   `json:"last,omitempty"`
}

type traceKey struct{}

var (
	mu          sync.Mutex
	fileWriter  io.Writer
	console     io.Writer = os.Stdout
	minSeverity           = SeverityDebug
	projectID             = "local-dev"
	serviceName           = "e2ee-gateway"
)

// InitLogger 初始化日誌系統：輪轉檔案、服務名稱與最低級別
func InitLogger() error {
	logDir := os.Getenv("LOG_PATH")
	if logDir == "" {
		logDir = "./logs"
	}
	if v := os.Getenv("GCP_PROJECT_ID"); v != "" {
		projectID = v
	}
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		serviceName = v
	}

	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	// 從配置檔案讀取日誌輪轉設定
	cfg := config.Get()
	rotationTime, maxAge, maxSize := 24, 30, 100
	level := os.Getenv("LOG_LEVEL")
	if cfg != nil {
		if cfg.Log.RotationTimeHours > 0 {
			rotationTime = cfg.Log.RotationTimeHours
		}
		if cfg.Log.MaxAgeDays > 0 {
			maxAge = cfg.Log.MaxAgeDays
		}
		if cfg.Log.MaxSizeMB > 0 {
			maxSize = cfg.Log.MaxSizeMB
		}
		if level == "" {
			level = cfg.Log.Level
		}
	}
	if level != "" {
		SetLevel(ParseSeverity(level))
	}

	logFileName := filepath.Join(logDir, "app.log")
	writer, err := rotatelogs.New(
		logFileName+".%Y%m%d",
		rotatelogs.WithLinkName(logFileName),
		rotatelogs.WithRotationTime(time.Duration(rotationTime)*time.Hour),
		rotatelogs.WithMaxAge(time.Duration(maxAge)*24*time.Hour),
		rotatelogs.WithRotationSize(int64(maxSize)*1024*1024),
	)
	if err != nil {
		return err
	}

	mu.Lock()
	fileWriter = writer
	mu.Unlock()
	return nil
}

// CloseLogger 關閉日誌檔案
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()
	if closer, ok := fileWriter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}
	fileWriter = nil
}

// SetLevel 設定最低輸出級別
func SetLevel(s Severity) {
	mu.Lock()
	defer mu.Unlock()
	minSeverity = s
}

// SetOutput 替換控制台輸出，返回原本的 writer（測試使用）
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := console
	console = w
	return prev
}

func enabled(s Severity) bool {
	mu.Lock()
	defer mu.Unlock()
	return severityRank[s] >= severityRank[minSeverity]
}

// writeLog 寫入日誌（內部方法）
func writeLog(entry *LogEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	line := append(jsonData, '\n')

	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		_, _ = fileWriter.Write(line)
	}
	if console != nil {
		_, _ = console.Write(line)
	}
}

// getSourceLocation 獲取源代碼位置
func getSourceLocation(skip int) *SourceLocation {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return nil
	}

	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = fn.Name()
	}
	return &SourceLocation{
		File:     filepath.Base(file),
		Line:     int64(line),
		Function: funcName,
	}
}

// WithTraceID 將 trace ID（通常為 request ID）放入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// GetTraceID 從 context 獲取 GCP 格式的 trace
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, ok := ctx.Value(traceKey{}).(string)
	if !ok || traceID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", projectID, traceID)
}

// Log 通用日誌方法
func Log(ctx context.Context, severity Severity, message string, opts ...LogOption) {
	if !enabled(severity) {
		return
	}
	entry := &LogEntry{
		Severity:       severity,
		Message:        message,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:        GetTraceID(ctx),
		SourceLocation: getSourceLocation(3),
		InsertID:       uuid.New().String(),
		Labels:         map[string]string{"service": serviceName},
	}
	for _, opt := range opts {
		opt(entry)
	}
	writeLog(entry)
}

// LogOption 日誌選項
type LogOption func(*LogEntry)

// WithUserID 添加用戶 ID
func WithUserID(userID string) LogOption {
	return func(e *LogEntry) { e.UserID = userID }
}

// WithDeviceID 添加設備 ID
func WithDeviceID(deviceID string) LogOption {
	return func(e *LogEntry) { e.DeviceID = deviceID }
}

// WithSessionID 添加會話 ID
func WithSessionID(sessionID string) LogOption {
	return func(e *LogEntry) { e.SessionID = sessionID }
}

// WithGroupID 添加群組 ID
func WithGroupID(groupID string) LogOption {
	return func(e *LogEntry) { e.GroupID = groupID }
}

// WithEpoch 添加群組 epoch
func WithEpoch(epoch uint64) LogOption {
	return func(e *LogEntry) { e.Epoch = &epoch }
}

// WithAction 添加操作
func WithAction(action string) LogOption {
	return func(e *LogEntry) { e.Action = action }
}

// WithOperation 將多筆日誌關聯到同一操作
func WithOperation(id, producer string, first, last bool) LogOption {
	return func(e *LogEntry) {
		e.Operation = &Operation{ID: id, Producer: producer, First: first, Last: last}
	}
}

// WithHTTPRequest 添加 HTTP 請求信息
func WithHTTPRequest(req *HTTPRequest) LogOption {
	return func(e *LogEntry) { e.HTTPRequest = req }
}

// sensitiveFields 名稱包含這些片段的字串欄位會被遮蔽
var sensitiveFields = []string{"key", "secret", "seed", "plaintext", "private", "password", "token", "chain"}

// WithDetails 添加詳細信息；疑似密鑰材料的字串與所有位元組切片不會原樣輸出
func WithDetails(details map[string]interface{}) LogOption {
	return func(e *LogEntry) {
		if details == nil {
			return
		}
		out := make(map[string]interface{}, len(details))
		for k, v := range details {
			out[k] = redact(k, v)
		}
		e.Details = out
	}
}

// redact 計數與布林值照常輸出，只遮蔽字串形式的敏感值
func redact(field string, v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return fmt.Sprintf("[%d bytes]", len(val))
	case string:
		name := strings.ToLower(field)
		if strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "fingerprint") {
			return val
		}
		for _, s := range sensitiveFields {
			if strings.Contains(name, s) {
				return "[REDACTED]"
			}
		}
	}
	return v
}

// 便捷方法

// Debug 記錄 DEBUG 級別日誌
func Debug(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityDebug, message, opts...)
}

// Info 記錄 INFO 級別日誌
func Info(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityInfo, message, opts...)
}

// Warning 記錄 WARNING 級別日誌
func Warning(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityWarning, message, opts...)
}

// Error 記錄 ERROR 級別日誌
func Error(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityError, message, opts...)
}

// Critical 記錄 CRITICAL 級別日誌（密鑰洩露、帳本鏈斷裂）
func Critical(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityCritical, message, opts...)
}

// Errorf 格式化 ERROR 日誌
func Errorf(ctx context.Context, format string, args ...interface{}) {
	Error(ctx, fmt.Sprintf(format, args...))
}

// 無 context 的簡寫，用於啟動與關閉流程

// LogInfof INFO 日誌
func LogInfof(format string, v ...interface{}) {
	Info(context.Background(), fmt.Sprintf(format, v...))
}

// LogWarnf WARNING 日誌
func LogWarnf(format string, v ...interface{}) {
	Warning(context.Background(), fmt.Sprintf(format, v...))
}

// LogErrorf ERROR 日誌
func LogErrorf(format string, v ...interface{}) {
	Error(context.Background(), fmt.Sprintf(format, v...))
}
