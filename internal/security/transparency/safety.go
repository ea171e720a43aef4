package transparency

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

const (
	safetyNumberVersion    = 0
	safetyNumberIterations = 5200
	digitsPerParty         = 30
	qrScheme               = "sonet://verify/"
)

// DeviceIdentity 單一設備的身份公鑰
type DeviceIdentity struct {
	DeviceID string
	Key      []byte
}

// IdentitySetDigest 用戶全部設備身份公鑰的摘要，依設備 ID 排序後雜湊
// 任一設備新增、移除或輪換都會改變結果
func IdentitySetDigest(devices []DeviceIdentity) []byte {
	sorted := append([]DeviceIdentity(nil), devices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DeviceID < sorted[j].DeviceID })

	h := sha256.New()
	h.Write([]byte("identity-set/v1"))
	var n [4]byte
	for _, d := range sorted {
		binary.BigEndian.PutUint32(n[:], uint32(len(d.DeviceID)))
		h.Write(n[:])
		h.Write([]byte(d.DeviceID))
		binary.BigEndian.PutUint32(n[:], uint32(len(d.Key)))
		h.Write(n[:])
		h.Write(d.Key)
	}
	return h.Sum(nil)
}

// IdentitySetFingerprint 信任關係固定的指紋
func IdentitySetFingerprint(devices []DeviceIdentity) string {
	return hex.EncodeToString(IdentitySetDigest(devices)[:16])
}

// GenerateSafetyNumber 由雙方身份公鑰計算 60 位安全碼，與參數順序無關
// 輸出為 12 組 5 位數字，以空白分隔
func GenerateSafetyNumber(userA string, keyA []byte, userB string, keyB []byte) (string, error) {
	const op = "generate_safety_number"
	if userA == "" || userB == "" {
		return "", cryptoerr.New(op, cryptoerr.ErrValidation, "both user ids are required")
	}
	if len(keyA) != encryption.KeySize || len(keyB) != encryption.KeySize {
		return "", cryptoerr.New(op, cryptoerr.ErrValidation, "identity keys must be %d bytes", encryption.KeySize)
	}

	a := partyDigits(userA, keyA)
	b := partyDigits(userB, keyB)
	if b < a {
		a, b = b, a
	}
	return groupDigits(a + b), nil
}

// partyDigits 單方的 30 位數字：SHA-512 迭代後取前 30 bytes，每 5 bytes 取模 100000
func partyDigits(userID string, key []byte) string {
	var version [2]byte
	binary.BigEndian.PutUint16(version[:], safetyNumberVersion)

	h := sha512.New()
	h.Write(version[:])
	h.Write(key)
	h.Write([]byte(userID))
	digest := h.Sum(nil)
	for i := 1; i < safetyNumberIterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(key)
		digest = h.Sum(digest[:0])
	}

	var sb strings.Builder
	for i := 0; i < digitsPerParty/5; i++ {
		chunk := digest[i*5 : i*5+5]
		v := uint64(chunk[0])<<32 | uint64(chunk[1])<<24 | uint64(chunk[2])<<16 | uint64(chunk[3])<<8 | uint64(chunk[4])
		fmt.Fprintf(&sb, "%05d", v%100000)
	}
	return sb.String()
}

func groupDigits(digits string) string {
	groups := make([]string, 0, len(digits)/5)
	for i := 0; i < len(digits); i += 5 {
		groups = append(groups, digits[i:i+5])
	}
	return strings.Join(groups, " ")
}

func normalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// VerifySafetyNumber 比對使用者輸入的安全碼，忽略空白與分隔符
func VerifySafetyNumber(expected, provided string) bool {
	a := normalizeDigits(expected)
	b := normalizeDigits(provided)
	if len(a) != 2*digitsPerParty {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateQRPayload 產生供掃描的驗證字串 sonet://verify/{user}/{other}/{digits}
func GenerateQRPayload(userID, otherUserID, safetyNumber string) string {
	return qrScheme + url.PathEscape(userID) + "/" + url.PathEscape(otherUserID) + "/" + normalizeDigits(safetyNumber)
}

// QRPayload 解析後的 QR 內容
type QRPayload struct {
	UserID       string
	OtherUserID  string
	SafetyNumber string
}

// ParseQRPayload 解析 QR 驗證字串
func ParseQRPayload(payload string) (*QRPayload, error) {
	const op = "parse_qr_payload"
	rest, ok := strings.CutPrefix(payload, qrScheme)
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "unexpected qr scheme")
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "qr payload must have 3 segments")
	}
	user, err := url.PathUnescape(parts[0])
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	other, err := url.PathUnescape(parts[1])
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	if user == "" || other == "" || len(parts[2]) != 2*digitsPerParty || normalizeDigits(parts[2]) != parts[2] {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "qr payload is incomplete")
	}
	return &QRPayload{UserID: user, OtherUserID: other, SafetyNumber: parts[2]}, nil
}

// VerifyQRPayload 驗證對方掃描出的 QR 內容與本地計算結果一致
// 對方產生的 payload 用戶順序與本地相反仍可通過
func VerifyQRPayload(payload, userA, userB, expected string) bool {
	p, err := ParseQRPayload(payload)
	if err != nil {
		return false
	}
	sameParties := (p.UserID == userA && p.OtherUserID == userB) || (p.UserID == userB && p.OtherUserID == userA)
	return sameParties && VerifySafetyNumber(expected, p.SafetyNumber)
}
