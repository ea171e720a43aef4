package httputil

import "github.com/gin-gonic/gin"

// 成功訊息常數.
const (
	DataRetrieved = "Data retrieved successfully"
	DataCreated   = "Data created successfully"
	DataUpdated   = "Data updated successfully"
	DataDeleted   = "Data deleted successfully"
	Encrypted     = "Message encrypted"
	Decrypted     = "Message decrypted"
)

// InvalidRequest 請求體無法綁定時的訊息
const InvalidRequest = "Invalid request format"

// Success 只有訊息的成功回應.
func Success(message string) gin.H {
	return gin.H{"message": message}
}

// SuccessWithCount 批次操作的成功回應，count 為受影響的數量.
func SuccessWithCount(message string, count int) gin.H {
	return gin.H{
		"message": message,
		"count":   count,
	}
}

// ErrorMessage 不帶錯誤碼的錯誤回應.
func ErrorMessage(message string) gin.H {
	return gin.H{"error": message}
}

// ErrorWithCode 帶業務錯誤碼的錯誤回應，見 error_codes.go.
func ErrorWithCode(code int, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// SuccessResponse 帶資料的成功回應.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewSuccessResponse 創建帶資料的成功回應.
func NewSuccessResponse(message string, data interface{}) *SuccessResponse {
	return &SuccessResponse{
		Message: message,
		Data:    data,
	}
}
