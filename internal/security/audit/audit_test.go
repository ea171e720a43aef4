package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"e2ee-gateway/internal/platform/logger"
)

func decode(t *testing.T, buf *bytes.Buffer) []AuditEvent {
	t.Helper()
	var events []AuditEvent
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("invalid audit json %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestAuditService_KeyEvent(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditService(true)
	a.SetOutput(&buf)
	a.SetMetadataSource(func(context.Context) (string, string) { return "10.0.0.1", "e2eectl" })

	ctx := logger.WithTraceID(context.Background(), "req-9")
	a.LogKeyEvent(ctx, "rotate", "alice", "phone", "aa", "bb", "scheduled")

	events := decode(t, &buf)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.EventType != EventKeyLifecycle || event.Action != "rotate" || event.Result != "success" {
		t.Errorf("unexpected event %+v", event)
	}
	if event.IPAddress != "10.0.0.1" || event.UserAgent != "e2eectl" {
		t.Errorf("metadata not applied: %+v", event)
	}
	if !strings.HasSuffix(event.Trace, "/traces/req-9") {
		t.Errorf("trace = %q", event.Trace)
	}
}

func TestAuditService_Sequence(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditService(true)
	a.SetOutput(&buf)

	ctx := context.Background()
	a.LogSessionEvent(ctx, "initiate", "s1", "alice", "bob")
	a.LogGroupEvent(ctx, "remove_member", "g1", "carol", 1)
	a.LogCryptoFailure(ctx, "decrypt_message", "bob", "s1", "replay")
	a.LogTrustChange(ctx, "alice", "bob", "unverified", "verified", "")

	events := decode(t, &buf)
	if len(events) != 4 || a.Count() != 4 {
		t.Fatalf("expected 4 events, got %d (count %d)", len(events), a.Count())
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Sequence)
		}
	}
	if events[2].Result != "flagged" || events[2].EventType != EventSuspicious {
		t.Errorf("crypto failure should be flagged: %+v", events[2])
	}
	if _, ok := events[3].Details["method"]; ok {
		t.Error("manual trust change should not carry a method")
	}
}

func TestAuditService_Disabled(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditService(false)
	a.SetOutput(&buf)

	a.LogSessionEvent(context.Background(), "initiate", "s1", "alice", "bob")
	a.LogGroupEvent(context.Background(), "remove_member", "g1", "carol", 1)

	if buf.Len() != 0 {
		t.Errorf("disabled audit wrote %q", buf.String())
	}
	if a.Count() != 0 {
		t.Errorf("disabled audit counted %d events", a.Count())
	}
}
