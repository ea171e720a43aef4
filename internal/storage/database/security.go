package database

import (
	"fmt"
	"regexp"
	"strings"
)

const maxRecordIDLength = 512

var recordIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:/.@]+$`)

// ValidateRecordID 驗證記錄 ID（防止 MongoDB 操作符注入）
func ValidateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("記錄 ID 不能為空")
	}
	if len(id) > maxRecordIDLength {
		return fmt.Errorf("記錄 ID 過長")
	}
	if strings.HasPrefix(id, "$") || !recordIDPattern.MatchString(id) {
		return fmt.Errorf("無效的記錄 ID: %q", SafeStringValue(id))
	}
	return nil
}

// SafeStringValue 消毒字符串值
func SafeStringValue(value string) string {
	value = strings.ReplaceAll(value, "\x00", "")
	value = strings.ReplaceAll(value, "$", "")
	value = strings.ReplaceAll(value, "{", "")
	return strings.ReplaceAll(value, "}", "")
}
