package httputil

// API 錯誤代碼常數.
const (
	// 2000-2999: 參數相關錯誤 (400 Bad Request).
	ErrorCodeInvalidParameter = 2001
	ErrorCodeInvalidEnvelope  = 2002

	// 3000-3999: 狀態衝突，呼叫端可刷新後重試 (409 Conflict).
	ErrorCodeStaleBundle        = 3001
	ErrorCodeEpochMismatch      = 3002
	ErrorCodeSessionCompromised = 3003

	// 4000-4999: 資源相關錯誤 (404 Not Found).
	ErrorCodeUnknownDevice  = 4002
	ErrorCodeUnknownSession = 4003
	ErrorCodeGroupNotFound  = 4004

	// 4500-4599: 密碼驗證失敗，永不重試 (422).
	ErrorCodeDecryptFailed = 4501

	// 5000-5999: 處理相關錯誤.
	ErrorCodeProcessingFailed = 5001
	ErrorCodeCapacity         = 5002
	ErrorCodeTimeout          = 5003
	ErrorCodeTransient        = 5004
)
