package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/security/cryptoerr"

	"github.com/gin-gonic/gin"
)

// writeError 所有錯誤回應共用的格式，帶上 request ID 以便對照日誌
func writeError(c *gin.Context, status, code int, message string, extra gin.H) {
	body := gin.H{
		"error":      message,
		"success":    false,
		"request_id": middleware.GetRequestID(c),
	}
	if code != 0 {
		body["code"] = code
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

// BadRequest 請求格式錯誤
func BadRequest(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, message, nil)
}

// ValidationError 單一欄位驗證失敗
func ValidationError(c *gin.Context, field string, message string) {
	writeError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, fmt.Sprintf("%s: %s", field, message), gin.H{"field": field})
}

// shouldShowError 判斷是否可以向用戶顯示錯誤詳情
func shouldShowError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// 不應顯示的錯誤關鍵字（可能洩露敏感信息）
	dangerousKeywords := []string{
		"mongo",
		"database",
		"connection",
		"password",
		"token",
		"secret",
		"credential",
		"grpc",
		"internal",
		"stack",
		"panic",
		"master key",
		"private",
		"seal",
	}

	lowerMsg := strings.ToLower(errMsg)
	for _, keyword := range dangerousKeywords {
		if strings.Contains(lowerMsg, keyword) {
			return false
		}
	}

	return true
}

// cryptoStatus 錯誤分類對應的 HTTP 狀態碼與錯誤代碼
func cryptoStatus(err error) (int, int) {
	switch {
	case errors.Is(err, cryptoerr.ErrValidation):
		return http.StatusBadRequest, ErrorCodeInvalidParameter
	case errors.Is(err, cryptoerr.ErrUnknownDevice):
		return http.StatusNotFound, ErrorCodeUnknownDevice
	case errors.Is(err, cryptoerr.ErrUnknownSession):
		return http.StatusNotFound, ErrorCodeUnknownSession
	case errors.Is(err, cryptoerr.ErrGroupNotFound):
		return http.StatusNotFound, ErrorCodeGroupNotFound
	case errors.Is(err, cryptoerr.ErrStaleBundle):
		return http.StatusConflict, ErrorCodeStaleBundle
	case errors.Is(err, cryptoerr.ErrEpochMismatch):
		return http.StatusConflict, ErrorCodeEpochMismatch
	case errors.Is(err, cryptoerr.ErrSessionCompromised):
		return http.StatusConflict, ErrorCodeSessionCompromised
	case cryptoerr.Fatal(err):
		return http.StatusUnprocessableEntity, ErrorCodeDecryptFailed
	case errors.Is(err, cryptoerr.ErrCapacity):
		return http.StatusTooManyRequests, ErrorCodeCapacity
	case errors.Is(err, cryptoerr.ErrTimeout):
		return http.StatusGatewayTimeout, ErrorCodeTimeout
	case errors.Is(err, cryptoerr.ErrTransient):
		return http.StatusServiceUnavailable, ErrorCodeTransient
	default:
		return http.StatusInternalServerError, ErrorCodeProcessingFailed
	}
}

// CryptoError 回應加密核心的錯誤
// 密碼驗證失敗只回傳分類，不回傳細節
func CryptoError(c *gin.Context, err error) {
	status, code := cryptoStatus(err)
	requestID := middleware.GetRequestID(c)

	log := logger.Warning
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log(c.Request.Context(), fmt.Sprintf("crypto operation failed: %v", err),
		logger.WithDetails(map[string]interface{}{
			"request_id": requestID,
			"path":       c.FullPath(),
			"status":     status,
			"code":       code,
			"retryable":  cryptoerr.Retryable(err),
		}))

	message := "服務器內部錯誤，請稍後再試"
	switch {
	case cryptoerr.Fatal(err):
		message = "訊息驗證失敗"
	case status != http.StatusInternalServerError && shouldShowError(err):
		message = err.Error()
	}

	writeError(c, status, code, message, gin.H{
		"retryable":  cryptoerr.Retryable(err),
		"user_state": cryptoerr.UserState(err),
	})
}
