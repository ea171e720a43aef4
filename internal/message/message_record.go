package message

// 請求內的二進位欄位一律以 base64 傳遞，信封為 encryption.MarshalEnvelope 的輸出.

// EncryptRequest 一對一會話加密請求.
type EncryptRequest struct {
	Plaintext string `json:"plaintext" binding:"required"`
}

// DecryptRequest 一對一會話解密請求.
type DecryptRequest struct {
	Envelope string `json:"envelope" binding:"required"`
}

// GroupEncryptRequest 群組加密請求.
type GroupEncryptRequest struct {
	SenderID  string `json:"sender_id" binding:"required"`
	Plaintext string `json:"plaintext" binding:"required"`
}

// GroupDecryptRequest 群組解密請求.
type GroupDecryptRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	Envelope    string `json:"envelope" binding:"required"`
}

// HybridEncryptRequest 混合加密請求.
type HybridEncryptRequest struct {
	SenderUserID      string `json:"sender_user_id" binding:"required"`
	SenderDeviceID    string `json:"sender_device_id" binding:"required"`
	RecipientUserID   string `json:"recipient_user_id" binding:"required"`
	RecipientDeviceID string `json:"recipient_device_id" binding:"required"`
	Plaintext         string `json:"plaintext" binding:"required"`
}

// HybridDecryptRequest 混合解密請求.
type HybridDecryptRequest struct {
	Envelope string `json:"envelope" binding:"required"`
}

// EnvelopeResponse 加密結果.
type EnvelopeResponse struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Epoch     uint64 `json:"epoch,omitempty"`
	Envelope  string `json:"envelope"`
	Size      int    `json:"size"`
}

// PlaintextResponse 解密結果.
type PlaintextResponse struct {
	SenderUserID   string `json:"sender_user_id"`
	SenderDeviceID string `json:"sender_device_id"`
	Plaintext      string `json:"plaintext"`
}
