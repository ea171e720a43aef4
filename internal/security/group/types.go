package group

import (
	"time"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// AlgorithmID 群組信封的演算法標識
const AlgorithmID = "mls-epoch/xchacha20poly1305"

// MemberInfo 群組成員的公開資訊
type MemberInfo struct {
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	IdentityKey []byte    `json:"identity_key,omitempty"`
	LeafKey     []byte    `json:"leaf_key"`
	LeafIndex   uint32    `json:"leaf_index"`
	JoinedAt    time.Time `json:"joined_at"`
	IsActive    bool      `json:"is_active"`
}

// GroupInfo 群組狀態的公開視圖（不含密鑰）
type GroupInfo struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Epoch           uint64       `json:"epoch"`
	EpochID         string       `json:"epoch_id"`
	Members         []MemberInfo `json:"members"`
	RetainedEpochs  []uint64     `json:"retained_epochs,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	LastEpochChange time.Time    `json:"last_epoch_change"`
	IsActive        bool         `json:"is_active"`
}

// CommitReason 觸發 epoch 變更的原因
type CommitReason string

const (
	ReasonCreate CommitReason = "create"
	ReasonAdd    CommitReason = "add"
	ReasonRemove CommitReason = "remove"
	ReasonRotate CommitReason = "rotate"
)

// Commit epoch 變更訊息
// Secrets 為封裝給既有成員的 commit secret，Welcome 為封裝給新成員的 epoch secret
type Commit struct {
	GroupID string            `json:"group_id"`
	Epoch   uint64            `json:"epoch"`
	EpochID string            `json:"epoch_id"`
	Reason  CommitReason      `json:"reason"`
	Secrets map[uint32][]byte `json:"secrets,omitempty"`
	Welcome map[uint32][]byte `json:"welcome,omitempty"`
	Members []MemberInfo      `json:"members"`
}

// GroupMessage 群組密文
type GroupMessage struct {
	GroupID        string `json:"group_id"`
	Epoch          uint64 `json:"epoch"`
	SenderUserID   string `json:"sender_user_id"`
	SenderDeviceID string `json:"sender_device_id"`
	SenderLeaf     uint32 `json:"sender_leaf"`
	Ciphertext     []byte `json:"ciphertext"` // 24 bytes nonce ‖ 密文
}

// ToEnvelope 轉為傳輸層信封
func (m *GroupMessage) ToEnvelope() *encryption.Envelope {
	return &encryption.Envelope{
		Kind:           encryption.EnvelopeKindGroup,
		Algorithm:      AlgorithmID,
		SenderUserID:   m.SenderUserID,
		SenderDeviceID: m.SenderDeviceID,
		GroupID:        m.GroupID,
		Epoch:          m.Epoch,
		SenderLeaf:     m.SenderLeaf,
		Ciphertext:     m.Ciphertext,
	}
}

// MessageFromEnvelope 由傳輸層信封還原群組訊息
func MessageFromEnvelope(env *encryption.Envelope) (*GroupMessage, error) {
	if env == nil || env.Kind != encryption.EnvelopeKindGroup {
		return nil, cryptoerr.New("decode_envelope", cryptoerr.ErrValidation, "not a group envelope")
	}
	if env.Algorithm != AlgorithmID {
		return nil, cryptoerr.New("decode_envelope", cryptoerr.ErrValidation, "unsupported algorithm %q", env.Algorithm)
	}
	return &GroupMessage{
		GroupID:        env.GroupID,
		Epoch:          env.Epoch,
		SenderUserID:   env.SenderUserID,
		SenderDeviceID: env.SenderDeviceID,
		SenderLeaf:     env.SenderLeaf,
		Ciphertext:     env.Ciphertext,
	}, nil
}

// Config 群組管理器配置
type Config struct {
	EpochGracePeriod time.Duration
	RekeyInterval    time.Duration
	MaxMembers       int
}

// Stats 群組統計
type Stats struct {
	Groups         int `json:"groups"`
	ActiveGroups   int `json:"active_groups"`
	Members        int `json:"members"`
	RetainedEpochs int `json:"retained_epochs"`
}
