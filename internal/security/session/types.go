package session

import (
	"time"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// State 會話狀態
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateHandshaking   State = "HANDSHAKING"
	StateActive        State = "ACTIVE"
	StateCompromised   State = "COMPROMISED"
	StateClosed        State = "CLOSED" // 終態，密鑰已清零
)

// Role 本端在最近一次握手中的角色
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// AlgorithmID 信封中的演算法標識
const AlgorithmID = "x3dh+dr/chacha20poly1305"

// Handshake X3DH 握手資料，初始者在收到回覆前每則訊息都附帶
type Handshake struct {
	SenderUserID    string  `json:"sender_user_id"`
	SenderDeviceID  string  `json:"sender_device_id"`
	IdentityKey     []byte  `json:"identity_key"`
	EphemeralKey    []byte  `json:"ephemeral_key"`
	SignedPrekeyID  string  `json:"signed_prekey_id"`
	OneTimePrekeyID *string `json:"one_time_prekey_id,omitempty"` // nil 表示預密鑰已耗盡，只用了三組 DH
}

func (h *Handshake) clone() *Handshake {
	if h == nil {
		return nil
	}
	out := *h
	out.IdentityKey = encryption.Clone(h.IdentityKey)
	out.EphemeralKey = encryption.Clone(h.EphemeralKey)
	if h.OneTimePrekeyID != nil {
		id := *h.OneTimePrekeyID
		out.OneTimePrekeyID = &id
	}
	return &out
}

func (h *Handshake) validate(op string) error {
	if h.SenderUserID == "" || h.SenderDeviceID == "" {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "handshake sender is required")
	}
	if len(h.IdentityKey) != encryption.KeySize || len(h.EphemeralKey) != encryption.KeySize {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "handshake keys must be %d bytes", encryption.KeySize)
	}
	if h.SignedPrekeyID == "" {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "handshake signed prekey id is required")
	}
	return nil
}

// EncryptedMessage 加密後的訊息與其 metadata
type EncryptedMessage struct {
	SessionID      string     `json:"session_id"` // 發送端的會話 ID
	SenderUserID   string     `json:"sender_user_id"`
	SenderDeviceID string     `json:"sender_device_id"`
	Header         Header     `json:"header"`
	Handshake      *Handshake `json:"handshake,omitempty"`
	Ciphertext     []byte     `json:"ciphertext"`
}

// ToEnvelope 轉為傳輸層信封
func (m *EncryptedMessage) ToEnvelope() *encryption.Envelope {
	env := &encryption.Envelope{
		Kind:           encryption.EnvelopeKindPairwise,
		Algorithm:      AlgorithmID,
		SessionID:      m.SessionID,
		SenderUserID:   m.SenderUserID,
		SenderDeviceID: m.SenderDeviceID,
		DHPub:          m.Header.DHPub,
		PN:             m.Header.PN,
		N:              m.Header.N,
		Ciphertext:     m.Ciphertext,
	}
	if hs := m.Handshake; hs != nil {
		env.Handshake = &encryption.HandshakeFields{
			SenderUserID:   hs.SenderUserID,
			SenderDeviceID: hs.SenderDeviceID,
			IdentityKey:    hs.IdentityKey,
			EphemeralKey:   hs.EphemeralKey,
			SignedPrekeyID: hs.SignedPrekeyID,
		}
		if hs.OneTimePrekeyID != nil {
			env.Handshake.OneTimePrekeyID = *hs.OneTimePrekeyID
		}
	}
	return env
}

// MessageFromEnvelope 由傳輸層信封還原
func MessageFromEnvelope(env *encryption.Envelope) (*EncryptedMessage, error) {
	if env == nil || env.Kind != encryption.EnvelopeKindPairwise {
		return nil, cryptoerr.New("decode_envelope", cryptoerr.ErrValidation, "not a pairwise envelope")
	}
	if env.Algorithm != AlgorithmID {
		return nil, cryptoerr.New("decode_envelope", cryptoerr.ErrValidation, "unsupported algorithm %q", env.Algorithm)
	}
	m := &EncryptedMessage{
		SessionID:      env.SessionID,
		SenderUserID:   env.SenderUserID,
		SenderDeviceID: env.SenderDeviceID,
		Header:         Header{DHPub: env.DHPub, PN: env.PN, N: env.N},
		Ciphertext:     env.Ciphertext,
	}
	if hs := env.Handshake; hs != nil {
		m.Handshake = &Handshake{
			SenderUserID:   hs.SenderUserID,
			SenderDeviceID: hs.SenderDeviceID,
			IdentityKey:    hs.IdentityKey,
			EphemeralKey:   hs.EphemeralKey,
			SignedPrekeyID: hs.SignedPrekeyID,
		}
		if hs.OneTimePrekeyID != "" {
			id := hs.OneTimePrekeyID
			m.Handshake.OneTimePrekeyID = &id
		}
	}
	return m, nil
}

// SessionInfo 會話的公開資訊（不含密鑰）
type SessionInfo struct {
	ID               string    `json:"id"`
	PeerSessionID    string    `json:"peer_session_id,omitempty"`
	OwnerUserID      string    `json:"owner_user_id"`
	OwnerDeviceID    string    `json:"owner_device_id"`
	PeerUserID       string    `json:"peer_user_id"`
	PeerDeviceID     string    `json:"peer_device_id"`
	State            State     `json:"state"`
	Role             Role      `json:"role"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsed         time.Time `json:"last_used"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	Fingerprint      string    `json:"fingerprint"`
}

// Stats 會話統計
type Stats struct {
	Total       int `json:"total"`
	Handshaking int `json:"handshaking"`
	Active      int `json:"active"`
	Compromised int `json:"compromised"`
	Closed      int `json:"closed"`
}
