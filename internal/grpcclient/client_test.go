package grpcclient

import (
	"context"
	"net"
	"testing"
	"time"

	keydir "e2ee-gateway/internal/grpc"
	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/security/e2ee"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// startDirectory 在記憶體 listener 上啟動密鑰目錄服務
func startDirectory(t *testing.T) (*e2ee.Manager, *KeyDirectoryClient) {
	t.Helper()
	ctx := context.Background()

	mgr, err := e2ee.New(ctx, e2ee.DefaultConfig())
	if err != nil {
		t.Fatalf("建立加密核心失敗: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	srv, err := keydir.NewServer(mgr, config.TLSConfig{})
	if err != nil {
		t.Fatalf("建立 gRPC 服務器失敗: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("連接失敗: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return mgr, NewKeyDirectoryClient(conn)
}

// TestGetKeyBundle 測試取得密鑰包
func TestGetKeyBundle(t *testing.T) {
	mgr, client := startDirectory(t)
	ctx := context.Background()

	published, err := mgr.AddDevice(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("新增設備失敗: %v", err)
	}

	bundle, err := client.GetKeyBundle(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("取得密鑰包失敗: %v", err)
	}
	if bundle == nil {
		t.Fatal("密鑰包為空")
	}
	if bundle.UserID != "alice" || bundle.DeviceID != "phone" {
		t.Errorf("密鑰包擁有者錯誤: %s/%s", bundle.UserID, bundle.DeviceID)
	}
	if string(bundle.IdentityKey.Material) != string(published.IdentityKey.Material) {
		t.Error("身份公鑰與發布的不一致")
	}
}

// TestGetKeyBundle_UnknownDevice 測試未知設備回傳 NotFound
func TestGetKeyBundle_UnknownDevice(t *testing.T) {
	_, client := startDirectory(t)

	_, err := client.GetKeyBundle(context.Background(), "nobody", "phone")
	if status.Code(err) != codes.NotFound {
		t.Errorf("期望 NotFound，得到 %v", err)
	}
}

// TestGetKeyBundle_InvalidArgument 測試非法參數
func TestGetKeyBundle_InvalidArgument(t *testing.T) {
	_, client := startDirectory(t)

	_, err := client.GetKeyBundle(context.Background(), "", "phone")
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("期望 InvalidArgument，得到 %v", err)
	}
}

// TestGetUserDevices 測試列出設備
func TestGetUserDevices(t *testing.T) {
	mgr, client := startDirectory(t)
	ctx := context.Background()

	for _, d := range []string{"phone", "laptop"} {
		if _, err := mgr.AddDevice(ctx, "bob", d); err != nil {
			t.Fatalf("新增設備失敗: %v", err)
		}
	}

	devices, err := client.GetUserDevices(ctx, "bob")
	if err != nil {
		t.Fatalf("列出設備失敗: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("期望 2 個設備，得到 %d", len(devices))
	}
}

// TestGetKeyLog 測試透明日誌可在客戶端驗證
func TestGetKeyLog(t *testing.T) {
	mgr, client := startDirectory(t)
	ctx := context.Background()

	if _, err := mgr.AddDevice(ctx, "carol", "phone"); err != nil {
		t.Fatalf("新增設備失敗: %v", err)
	}
	if _, err := mgr.UpdateUserKeys(ctx, "carol", "phone"); err != nil {
		t.Fatalf("輪換密鑰失敗: %v", err)
	}

	log, err := client.GetKeyLog(ctx, "carol", time.Time{})
	if err != nil {
		t.Fatalf("取得日誌失敗: %v", err)
	}
	if len(log.Entries) < 2 {
		t.Fatalf("期望至少 2 筆日誌，得到 %d", len(log.Entries))
	}
	if err := log.Verify(); err != nil {
		t.Errorf("日誌驗證失敗: %v", err)
	}

	// 竄改後驗證應失敗
	log.Entries[0].Reason = "tampered"
	if err := log.Verify(); err == nil {
		t.Error("竄改的日誌不應通過驗證")
	}

	future, err := client.GetKeyLog(ctx, "carol", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("取得日誌失敗: %v", err)
	}
	if len(future.Entries) != 0 {
		t.Errorf("未來時間之後不應有日誌，得到 %d", len(future.Entries))
	}
}

// TestGetHybridPublicKey 測試混合公鑰
func TestGetHybridPublicKey(t *testing.T) {
	mgr, client := startDirectory(t)
	ctx := context.Background()

	if _, err := mgr.AddDevice(ctx, "dave", "phone"); err != nil {
		t.Fatalf("新增設備失敗: %v", err)
	}
	generated, err := mgr.GenerateHybridKeys(ctx, "dave", "phone")
	if err != nil {
		t.Fatalf("生成混合密鑰失敗: %v", err)
	}

	pub, err := client.GetHybridPublicKey(ctx, "dave", "phone")
	if err != nil {
		t.Fatalf("取得混合公鑰失敗: %v", err)
	}
	if string(pub.X25519) != string(generated.X25519) {
		t.Error("經典公鑰不一致")
	}
	if string(pub.KEM) != string(generated.KEM) {
		t.Error("後量子公鑰不一致")
	}
}

// TestGetSafetyNumber 測試雙方取得相同的安全碼
func TestGetSafetyNumber(t *testing.T) {
	mgr, client := startDirectory(t)
	ctx := context.Background()

	for _, u := range []string{"erin", "frank"} {
		if _, err := mgr.AddDevice(ctx, u, "phone"); err != nil {
			t.Fatalf("新增設備失敗: %v", err)
		}
	}

	a, qr, err := client.GetSafetyNumber(ctx, "erin", "frank")
	if err != nil {
		t.Fatalf("取得安全碼失敗: %v", err)
	}
	b, _, err := client.GetSafetyNumber(ctx, "frank", "erin")
	if err != nil {
		t.Fatalf("取得安全碼失敗: %v", err)
	}
	if a == "" || a != b {
		t.Errorf("雙方安全碼應相同: %q vs %q", a, b)
	}
	if qr == "" {
		t.Error("QR 內容為空")
	}
}
