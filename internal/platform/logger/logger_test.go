package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// capture 把控制台輸出導到 buffer，並設定最低級別
func capture(t *testing.T, level Severity) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(prev)
		SetLevel(SeverityDebug)
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("無法解析日誌行 %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"debug":   SeverityDebug,
		" INFO ":  SeverityInfo,
		"warn":    SeverityWarning,
		"warning": SeverityWarning,
		"error":   SeverityError,
		"bogus":   SeverityInfo,
		"":        SeverityInfo,
	}
	for in, want := range tests {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, SeverityWarning)

	Debug(context.Background(), "debug")
	Info(context.Background(), "info")
	Warning(context.Background(), "warning")
	Error(context.Background(), "error")

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("期望 2 筆日誌，得到 %d: %s", len(entries), buf.String())
	}
	if entries[0].Severity != SeverityWarning || entries[1].Severity != SeverityError {
		t.Errorf("級別錯誤: %s, %s", entries[0].Severity, entries[1].Severity)
	}
}

func TestEntryFields(t *testing.T) {
	buf := capture(t, SeverityDebug)

	ctx := WithTraceID(context.Background(), "req-1")
	Info(ctx, "群組已重新金鑰",
		WithUserID("alice"),
		WithGroupID("g1"),
		WithEpoch(0),
		WithAction("rekey"),
		WithOperation("maint-1", "maintenance", true, false))

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("期望 1 筆日誌，得到 %d", len(entries))
	}
	e := entries[0]
	if !strings.HasSuffix(e.TraceID, "/traces/req-1") {
		t.Errorf("trace = %q", e.TraceID)
	}
	if e.UserID != "alice" || e.GroupID != "g1" || e.Action != "rekey" {
		t.Errorf("欄位不符: %+v", e)
	}
	if e.Epoch == nil || *e.Epoch != 0 {
		t.Error("epoch 0 也應輸出")
	}
	if e.Operation == nil || !e.Operation.First || e.Operation.ID != "maint-1" {
		t.Errorf("operation = %+v", e.Operation)
	}
	if e.SourceLocation == nil || e.SourceLocation.File != "logger_test.go" {
		t.Errorf("source location 應指向呼叫者: %+v", e.SourceLocation)
	}
	if e.InsertID == "" {
		t.Error("insertId 不應為空")
	}
}

func TestWithDetailsRedaction(t *testing.T) {
	buf := capture(t, SeverityDebug)

	Info(context.Background(), "details", WithDetails(map[string]interface{}{
		"private_key":        "c2VjcmV0",
		"plaintext":          "hello",
		"ciphertext":         []byte{1, 2, 3},
		"rotated_prekeys":    3,
		"one_time_prekey":    true,
		"session_id":         "s-1",
		"ledger_fingerprint": "ab:cd",
		"member":             "bob",
	}))

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("期望 1 筆日誌，得到 %d", len(entries))
	}
	d := entries[0].Details

	tests := map[string]interface{}{
		"private_key":        "[REDACTED]",
		"plaintext":          "[REDACTED]",
		"ciphertext":         "[3 bytes]",
		"rotated_prekeys":    float64(3),
		"one_time_prekey":    true,
		"session_id":         "s-1",
		"ledger_fingerprint": "ab:cd",
		"member":             "bob",
	}
	for k, want := range tests {
		if d[k] != want {
			t.Errorf("details[%s] = %v, want %v", k, d[k], want)
		}
	}
	if strings.Contains(buf.String(), "hello") {
		t.Error("明文不應出現在日誌中")
	}
}

func TestGetTraceIDWithoutTrace(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("未設定 trace 應返回空字串，得到 %q", got)
	}
}
