package middleware

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"e2ee-gateway/internal/constants"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidationError 驗證錯誤
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateUserID 驗證用戶 ID 格式
func ValidateUserID(userID string) error {
	return validateIdentifier("user_id", userID, constants.MaxUserIDLength)
}

// ValidateDeviceID 驗證設備 ID 格式
func ValidateDeviceID(deviceID string) error {
	return validateIdentifier("device_id", deviceID, constants.MaxDeviceIDLength)
}

func validateIdentifier(field, value string, maxLength int) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "不能為空"}
	}
	if len(value) > maxLength {
		return &ValidationError{Field: field, Message: "格式錯誤"}
	}
	// 防止 NULL 字符注入和特殊字符，'/' 用於存儲鍵的分隔
	if strings.ContainsAny(value, "\x00${}[]/") {
		return &ValidationError{Field: field, Message: "包含非法字符"}
	}
	return nil
}

// ValidateResourceID 驗證會話或群組 ID（UUID）
func ValidateResourceID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: field, Message: "格式錯誤"}
	}
	return nil
}

// DecodePayload 解碼 base64 內容並檢查大小
func DecodePayload(field, encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, &ValidationError{Field: field, Message: "不能為空"}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ValidationError{Field: field, Message: "必須為 base64 編碼"}
	}
	if len(data) > constants.MaxPlaintextSize {
		return nil, &ValidationError{Field: field, Message: fmt.Sprintf("超過最大長度限制 (%d bytes)", constants.MaxPlaintextSize)}
	}
	return data, nil
}

// SanitizeInput 消毒輸入（移除危險字符）
func SanitizeInput(input string) string {
	// 移除 NULL 字符
	input = strings.ReplaceAll(input, "\x00", "")

	// 移除控制字符（除了換行和 Tab）
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// RequestSizeLimiter 限制請求體大小的中間件
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("請求體過大，最大允許 %d 字節", maxSize),
			})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)

		c.Next()
	}
}
