package cryptoerr

import (
	"errors"
	"fmt"
)

// 錯誤分類（呼叫端以 errors.Is 判斷）
var (
	// ErrValidation 輸入格式錯誤或未簽名，在密碼運算前拒絕
	ErrValidation = errors.New("validation error")

	// ErrStaleBundle 密鑰包已過期，呼叫端應刷新後重試
	ErrStaleBundle = errors.New("stale key bundle")

	// ErrEpochMismatch 群組 epoch 不符，呼叫端可重新同步
	ErrEpochMismatch = errors.New("epoch mismatch")

	// ErrReplay 訊息密鑰已被使用過
	ErrReplay = errors.New("replayed message")

	// ErrMalformedMessage AEAD 驗證失敗
	ErrMalformedMessage = errors.New("malformed message")

	// ErrGroupNotFound 群組不存在
	ErrGroupNotFound = errors.New("group not found")

	// ErrUnknownSession 會話不存在或已關閉
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownDevice 設備未註冊
	ErrUnknownDevice = errors.New("unknown device")

	// ErrSessionCompromised 會話已標記為洩漏，需要重新握手
	ErrSessionCompromised = errors.New("session compromised")

	// ErrTimeout 非同步操作超時
	ErrTimeout = errors.New("operation timed out")

	// ErrCapacity 佇列或快取已滿，請求被丟棄
	ErrCapacity = errors.New("capacity exceeded")

	// ErrInvalidCiphertext 混合密文無法解密
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecapsulation KEM 解封裝失敗
	ErrDecapsulation = errors.New("decapsulation failed")

	// ErrTransient 暫時性的儲存或查詢錯誤，可由批次退避機制重試
	ErrTransient = errors.New("transient failure")
)

// 面向使用者的狀態
const (
	UserStateRetry      = "not delivered - retry"
	UserStateReverify   = "security code changed - re-verify"
	UserStateConnection = "connection error"
)

// Error 帶操作名稱的錯誤
type Error struct {
	Op   string // 發生錯誤的操作
	Kind error  // 錯誤分類
	Msg  string
	Err  error // 底層錯誤（可為 nil）
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap 同時暴露分類與底層錯誤
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New 建立分類錯誤
func New(op string, kind error, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 以分類包裝底層錯誤
func Wrap(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Retryable 是否可由呼叫端或批次機制重試
func Retryable(err error) bool {
	return errors.Is(err, ErrStaleBundle) ||
		errors.Is(err, ErrEpochMismatch) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout)
}

// Fatal 密碼驗證失敗，永不重試
func Fatal(err error) bool {
	return errors.Is(err, ErrReplay) ||
		errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrInvalidCiphertext) ||
		errors.Is(err, ErrDecapsulation)
}

// UserState 將錯誤映射為使用者可見的狀態
func UserState(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionCompromised), Fatal(err):
		return UserStateReverify
	case Retryable(err), errors.Is(err, ErrCapacity):
		return UserStateRetry
	default:
		return UserStateConnection
	}
}
