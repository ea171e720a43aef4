package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRunDemo(t *testing.T) {
	var out bytes.Buffer
	if err := runDemo(context.Background(), &out, "ping"); err != nil {
		t.Fatalf("demo 失敗: %v", err)
	}

	got := out.String()
	if strings.Count(got, "ping") != 4 {
		t.Errorf("期望四次解密結果，輸出:\n%s", got)
	}
	if !strings.Contains(got, "安全碼") {
		t.Error("輸出應包含安全碼")
	}
}
