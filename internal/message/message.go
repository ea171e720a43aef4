package message

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"e2ee-gateway/internal/httputil"
	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/group"
	"e2ee-gateway/internal/security/session"

	"github.com/gin-gonic/gin"
)

// Cipher 訊息加解密所需的核心操作.
type Cipher interface {
	EncryptMessage(ctx context.Context, sessionID string, plaintext []byte) (*session.EncryptedMessage, error)
	DecryptMessage(ctx context.Context, sessionID string, msg *session.EncryptedMessage) ([]byte, error)
	EncryptGroupMessage(ctx context.Context, groupID, senderID string, plaintext []byte) (*group.GroupMessage, error)
	DecryptGroupMessage(ctx context.Context, groupID, recipientID string, msg *group.GroupMessage) ([]byte, error)
	HybridEncrypt(ctx context.Context, senderUserID, senderDeviceID, recipientUserID, recipientDeviceID string, plaintext []byte) (*encryption.Envelope, error)
	HybridDecrypt(ctx context.Context, recipientUserID, recipientDeviceID string, env *encryption.Envelope) ([]byte, error)
}

// MessageHandler 訊息加解密處理器.
// 伺服器只處理密文信封，不保存任何訊息.
type MessageHandler struct {
	cipher Cipher
}

// NewMessageHandler 創建新的訊息處理器.
func NewMessageHandler(cipher Cipher) *MessageHandler {
	return &MessageHandler{cipher: cipher}
}

// EncryptMessage 以一對一會話加密.
func (h *MessageHandler) EncryptMessage(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := middleware.ValidateResourceID("session_id", sessionID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	var req EncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httputil.ErrorMessage(httputil.InvalidRequest))
		return
	}
	plaintext, err := middleware.DecodePayload("plaintext", req.Plaintext)
	if err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	msg, err := h.cipher.EncryptMessage(c.Request.Context(), sessionID, plaintext)
	encryption.Zero(plaintext)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}

	env, size := encodeEnvelope(msg.ToEnvelope())
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.Encrypted, &EnvelopeResponse{
		Kind:      "pairwise",
		SessionID: msg.SessionID,
		Envelope:  env,
		Size:      size,
	}))
}

// DecryptMessage 以一對一會話解密.
func (h *MessageHandler) DecryptMessage(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := middleware.ValidateResourceID("session_id", sessionID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	var req DecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httputil.ErrorMessage(httputil.InvalidRequest))
		return
	}
	env, ok := h.envelope(c, req.Envelope, encryption.EnvelopeKindPairwise)
	if !ok {
		return
	}
	msg, err := session.MessageFromEnvelope(env)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}

	plaintext, err := h.cipher.DecryptMessage(c.Request.Context(), sessionID, msg)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	h.respondPlaintext(c, msg.SenderUserID, msg.SenderDeviceID, plaintext)
}

// EncryptGroupMessage 以群組當前 epoch 加密.
func (h *MessageHandler) EncryptGroupMessage(c *gin.Context) {
	groupID := c.Param("group_id")
	if err := middleware.ValidateResourceID("group_id", groupID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	var req GroupEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httputil.ErrorMessage(httputil.InvalidRequest))
		return
	}
	plaintext, err := ValidateGroupEncryptRequest(&req)
	if err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	msg, err := h.cipher.EncryptGroupMessage(c.Request.Context(), groupID, req.SenderID, plaintext)
	encryption.Zero(plaintext)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}

	env, size := encodeEnvelope(msg.ToEnvelope())
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.Encrypted, &EnvelopeResponse{
		Kind:     "group",
		GroupID:  msg.GroupID,
		Epoch:    msg.Epoch,
		Envelope: env,
		Size:     size,
	}))
}

// DecryptGroupMessage 解密群組訊息.
func (h *MessageHandler) DecryptGroupMessage(c *gin.Context) {
	groupID := c.Param("group_id")
	if err := middleware.ValidateResourceID("group_id", groupID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	var req GroupDecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httputil.ErrorMessage(httputil.InvalidRequest))
		return
	}
	if err := middleware.ValidateUserID(req.RecipientID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	env, ok := h.envelope(c, req.Envelope, encryption.EnvelopeKindGroup)
	if !ok {
		return
	}
	msg, err := group.MessageFromEnvelope(env)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}

	plaintext, err := h.cipher.DecryptGroupMessage(c.Request.Context(), groupID, req.RecipientID, msg)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	h.respondPlaintext(c, msg.SenderUserID, msg.SenderDeviceID, plaintext)
}

// HybridEncrypt 以接收設備的混合公鑰加密.
func (h *MessageHandler) HybridEncrypt(c *gin.Context) {
	var req HybridEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httputil.ErrorMessage(httputil.InvalidRequest))
		return
	}
	plaintext, err := ValidateHybridEncryptRequest(&req)
	if err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	out, err := h.cipher.HybridEncrypt(c.Request.Context(),
		req.SenderUserID, req.SenderDeviceID, req.RecipientUserID, req.RecipientDeviceID, plaintext)
	encryption.Zero(plaintext)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}

	env, size := encodeEnvelope(out)
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.Encrypted, &EnvelopeResponse{
		Kind:     "hybrid",
		Envelope: env,
		Size:     size,
	}))
}

// HybridDecrypt 以本地設備的混合私鑰解密.
func (h *MessageHandler) HybridDecrypt(c *gin.Context) {
	userID, deviceID := c.Param("user_id"), c.Param("device_id")
	if err := middleware.ValidateUserID(userID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateDeviceID(deviceID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	var req HybridDecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httputil.ErrorMessage(httputil.InvalidRequest))
		return
	}
	env, ok := h.envelope(c, req.Envelope, encryption.EnvelopeKindHybrid)
	if !ok {
		return
	}

	plaintext, err := h.cipher.HybridDecrypt(c.Request.Context(), userID, deviceID, env)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	h.respondPlaintext(c, env.SenderUserID, env.SenderDeviceID, plaintext)
}

func (h *MessageHandler) envelope(c *gin.Context, encoded string, kind encryption.EnvelopeKind) (*encryption.Envelope, bool) {
	env, err := decodeEnvelope(encoded, kind)
	if err != nil {
		var verr *middleware.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, httputil.ErrorWithCode(httputil.ErrorCodeInvalidEnvelope, verr.Error()))
			return nil, false
		}
		httputil.CryptoError(c, err)
		return nil, false
	}
	return env, true
}

func (h *MessageHandler) respondPlaintext(c *gin.Context, senderUserID, senderDeviceID string, plaintext []byte) {
	resp := &PlaintextResponse{
		SenderUserID:   senderUserID,
		SenderDeviceID: senderDeviceID,
		Plaintext:      base64.StdEncoding.EncodeToString(plaintext),
	}
	encryption.Zero(plaintext)
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.Decrypted, resp))
}
