package storage

import (
	"context"
	"errors"
	"time"

	"e2ee-gateway/internal/security/transparency"
)

// Kind 狀態記錄類型
type Kind string

const (
	KindDevice  Kind = "device"
	KindSession Kind = "session"
	KindGroup   Kind = "group"
	KindHybrid  Kind = "hybrid"
)

// ErrClosed 存儲已關閉
var ErrClosed = errors.New("storage: closed")

// StateRecord 加密後的狀態快照
// Blob 為已封裝（AEAD + 壓縮）的內容，存儲層不解讀
type StateRecord struct {
	Kind       Kind      `json:"kind" bson:"kind"`
	ID         string    `json:"id" bson:"id"`
	UserID     string    `json:"user_id,omitempty" bson:"user_id,omitempty"`
	PeerUserID string    `json:"peer_user_id,omitempty" bson:"peer_user_id,omitempty"`
	Epoch      uint64    `json:"epoch,omitempty" bson:"epoch,omitempty"`
	Blob       []byte    `json:"blob" bson:"blob"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// Store 端對端加密核心的持久層
//
// 設備與金鑰包以 (user_id, device_id) 為鍵，群組以 (group_id, epoch) 記錄，
// 會話以 session_id 為鍵並保留雙方用戶 ID。
type Store interface {
	PutState(ctx context.Context, rec StateRecord) error
	DeleteState(ctx context.Context, kind Kind, id string) error
	LoadStates(ctx context.Context, kind Kind) ([]StateRecord, error)

	AppendKeyLog(ctx context.Context, entries []transparency.KeyLogEntry) error
	LoadKeyLog(ctx context.Context) ([]transparency.KeyLogEntry, error)
	PruneKeyLog(ctx context.Context, cutoff time.Time) (int64, error)

	PutTrust(ctx context.Context, states []transparency.TrustState) error
	LoadTrust(ctx context.Context) ([]transparency.TrustState, error)

	Close(ctx context.Context) error
}

// Pinger 可檢查連線狀態的存儲
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeviceID 設備記錄的鍵
func DeviceID(userID, deviceID string) string {
	return userID + "/" + deviceID
}
