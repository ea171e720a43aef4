package message

import (
	"encoding/base64"

	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/security/encryption"
)

// decodeEnvelope 解碼 base64 信封並解析線格式.
func decodeEnvelope(encoded string, kind encryption.EnvelopeKind) (*encryption.Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &middleware.ValidationError{Field: "envelope", Message: "必須為 base64 編碼"}
	}
	env, err := encryption.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, &middleware.ValidationError{Field: "envelope", Message: err.Error()}
	}
	if env.Kind != kind {
		return nil, &middleware.ValidationError{Field: "envelope", Message: "信封類型不符"}
	}
	return env, nil
}

// ValidateGroupEncryptRequest 驗證群組加密請求.
func ValidateGroupEncryptRequest(req *GroupEncryptRequest) ([]byte, error) {
	if err := middleware.ValidateUserID(req.SenderID); err != nil {
		return nil, err
	}
	return middleware.DecodePayload("plaintext", req.Plaintext)
}

// ValidateHybridEncryptRequest 驗證混合加密請求.
func ValidateHybridEncryptRequest(req *HybridEncryptRequest) ([]byte, error) {
	for _, id := range []string{req.SenderUserID, req.RecipientUserID} {
		if err := middleware.ValidateUserID(id); err != nil {
			return nil, err
		}
	}
	for _, id := range []string{req.SenderDeviceID, req.RecipientDeviceID} {
		if err := middleware.ValidateDeviceID(id); err != nil {
			return nil, err
		}
	}
	return middleware.DecodePayload("plaintext", req.Plaintext)
}

func encodeEnvelope(env *encryption.Envelope) (string, int) {
	raw := encryption.MarshalEnvelope(env)
	return base64.StdEncoding.EncodeToString(raw), len(raw)
}
