// Package secrets 長期密鑰材料的來源：帳本簽名種子與存儲主密鑰
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/logger"

	"github.com/99designs/keyring"
)

// 密鑰項目名稱
const (
	LedgerSeedItem = "ledger-signing-seed"
	MasterKeyItem  = "storage-master-key"
)

// 環境變數
const (
	MasterKeyEnv       = "MASTER_KEY"
	KeyringPasswordEnv = "KEYRING_PASSWORD"
)

// Store 以系統 keyring 保存密鑰材料
type Store struct {
	ring keyring.Keyring
}

// Open 依配置開啟 keyring；Backend 為空時由系統決定
func Open(cfg config.KeyringConfig) (*Store, error) {
	kc := keyring.Config{
		ServiceName:      cfg.ServiceName,
		FileDir:          cfg.FileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(os.Getenv(KeyringPasswordEnv)),
	}
	if kc.ServiceName == "" {
		kc.ServiceName = "e2ee-gateway"
	}
	if cfg.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore 以既有 keyring 建立（測試使用記憶體 keyring）
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// LoadOrCreate 讀取指定長度的密鑰；不存在時生成並寫入
func (s *Store) LoadOrCreate(name string, length int) ([]byte, error) {
	item, err := s.ring.Get(name)
	switch {
	case err == nil:
		if len(item.Data) != length {
			return nil, fmt.Errorf("keyring item %s has length %d, expected %d", name, len(item.Data), length)
		}
		return item.Data, nil
	case errors.Is(err, keyring.ErrKeyNotFound):
	default:
		return nil, fmt.Errorf("failed to get %s from keyring: %w", name, err)
	}

	secret := make([]byte, length)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate %s: %w", name, err)
	}
	if err := s.ring.Set(keyring.Item{
		Key:         name,
		Data:        secret,
		Label:       "e2ee-gateway " + name,
		Description: "e2ee-gateway secret material",
	}); err != nil {
		return nil, fmt.Errorf("failed to store %s in keyring: %w", name, err)
	}
	logger.Info(context.Background(), "已生成並保存新的密鑰材料", logger.WithDetails(map[string]interface{}{
		"item": name,
	}))
	return secret, nil
}

// LedgerSeed 帳本簽名種子
func (s *Store) LedgerSeed() ([]byte, error) {
	return s.LoadOrCreate(LedgerSeedItem, constants.LedgerSeedLength)
}

// MasterKey 存儲主密鑰；MASTER_KEY 環境變數（base64）優先於 keyring
func (s *Store) MasterKey() ([]byte, error) {
	if key, ok, err := MasterKeyFromEnv(); ok || err != nil {
		return key, err
	}
	return s.LoadOrCreate(MasterKeyItem, constants.MasterKeyLength)
}

// MasterKeyFromEnv 從環境變數讀取主密鑰，未設置時 ok 為 false
func MasterKeyFromEnv() ([]byte, bool, error) {
	encoded := os.Getenv(MasterKeyEnv)
	if encoded == "" {
		return nil, false, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, true, fmt.Errorf("invalid master key configuration")
	}
	if len(key) != constants.MasterKeyLength {
		return nil, true, fmt.Errorf("invalid master key configuration")
	}

	// 遮罩顯示，只顯示前兩個位元組
	logger.Info(context.Background(), "成功從環境變量載入主密鑰", logger.WithDetails(map[string]interface{}{
		"masked": fmt.Sprintf("%x****", key[:2]),
		"source": MasterKeyEnv,
	}))
	return key, true, nil
}
