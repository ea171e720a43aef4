package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"e2ee-gateway/internal/constants"

	"github.com/99designs/keyring"
)

func TestLoadOrCreate_Persists(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	first, err := s.LedgerSeed()
	if err != nil {
		t.Fatalf("生成種子失敗: %v", err)
	}
	if len(first) != constants.LedgerSeedLength {
		t.Fatalf("種子長度錯誤: %d", len(first))
	}

	second, err := s.LedgerSeed()
	if err != nil {
		t.Fatalf("讀取種子失敗: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("重複讀取應得到相同種子")
	}
}

func TestLoadOrCreate_WrongLength(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: LedgerSeedItem, Data: []byte("short")}})
	s := NewStore(ring)

	if _, err := s.LedgerSeed(); err == nil {
		t.Error("長度不符的種子應返回錯誤")
	}
}

func TestMasterKey_EnvOverridesKeyring(t *testing.T) {
	key := make([]byte, constants.MasterKeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	t.Setenv(MasterKeyEnv, base64.StdEncoding.EncodeToString(key))

	ring := keyring.NewArrayKeyring(nil)
	got, err := NewStore(ring).MasterKey()
	if err != nil {
		t.Fatalf("載入主密鑰失敗: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("應使用環境變數中的主密鑰")
	}
	if keys, _ := ring.Keys(); len(keys) != 0 {
		t.Errorf("使用環境變數時不應寫入 keyring，得到 %v", keys)
	}
}

func TestMasterKey_InvalidEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"非 base64", "not-base64!!"},
		{"長度錯誤", base64.StdEncoding.EncodeToString([]byte("too short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(MasterKeyEnv, tt.value)
			if _, err := NewStore(keyring.NewArrayKeyring(nil)).MasterKey(); err == nil {
				t.Error("無效的主密鑰應返回錯誤")
			}
		})
	}
}

func TestMasterKey_FromKeyring(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	s := NewStore(keyring.NewArrayKeyring(nil))

	first, err := s.MasterKey()
	if err != nil {
		t.Fatalf("生成主密鑰失敗: %v", err)
	}
	second, err := s.MasterKey()
	if err != nil {
		t.Fatalf("讀取主密鑰失敗: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("主密鑰應保存在 keyring")
	}
}
