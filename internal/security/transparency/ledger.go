package transparency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

const entryDomain = "e2ee|keylog|v1"

// KeyLogEntry 密鑰變更記錄
// Hash 涵蓋除 Hash 與 Signature 以外的所有欄位，Signature 為帳本金鑰對 Hash 的 Ed25519 簽名
type KeyLogEntry struct {
	ID                string    `json:"id" bson:"_id"`
	Sequence          uint64    `json:"sequence" bson:"sequence"`
	UserID            string    `json:"user_id" bson:"user_id"`
	DeviceID          string    `json:"device_id" bson:"device_id"`
	Operation         string    `json:"operation" bson:"operation"`
	OldKeyFingerprint string    `json:"old_key_fingerprint,omitempty" bson:"old_key_fingerprint,omitempty"`
	NewKeyFingerprint string    `json:"new_key_fingerprint,omitempty" bson:"new_key_fingerprint,omitempty"`
	NewKey            []byte    `json:"new_key,omitempty" bson:"new_key,omitempty"`
	Reason            string    `json:"reason" bson:"reason"`
	Timestamp         time.Time `json:"timestamp" bson:"timestamp"`
	PrevHash          []byte    `json:"prev_hash" bson:"prev_hash"`
	Hash              []byte    `json:"hash" bson:"hash"`
	Signature         []byte    `json:"signature" bson:"signature"`
}

func (e *KeyLogEntry) clone() KeyLogEntry {
	out := *e
	out.NewKey = encryption.Clone(e.NewKey)
	out.PrevHash = encryption.Clone(e.PrevHash)
	out.Hash = encryption.Clone(e.Hash)
	out.Signature = encryption.Clone(e.Signature)
	return out
}

// digest 計算條目雜湊
func (e *KeyLogEntry) digest() []byte {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	var num [8]byte

	writeField([]byte(entryDomain))
	binary.BigEndian.PutUint64(num[:], e.Sequence)
	writeField(num[:])
	writeField([]byte(e.ID))
	writeField([]byte(e.UserID))
	writeField([]byte(e.DeviceID))
	writeField([]byte(e.Operation))
	writeField([]byte(e.OldKeyFingerprint))
	writeField([]byte(e.NewKeyFingerprint))
	writeField(e.NewKey)
	writeField([]byte(e.Reason))
	binary.BigEndian.PutUint64(num[:], uint64(e.Timestamp.UnixMilli()))
	writeField(num[:])
	writeField(e.PrevHash)
	return h.Sum(nil)
}

// VerifyEntry 以帳本公鑰驗證單一條目
func VerifyEntry(ledgerPublicKey []byte, e *KeyLogEntry) bool {
	if e == nil {
		return false
	}
	if !bytes.Equal(e.digest(), e.Hash) {
		return false
	}
	return encryption.Verify(ledgerPublicKey, e.Hash, e.Signature)
}

// Ledger 僅可追加的密鑰透明度帳本
type Ledger struct {
	mu         sync.RWMutex
	signer     *encryption.SigningKeyPair
	entries    []*KeyLogEntry
	anchor     []byte // 最後一筆被淘汰條目的雜湊
	nextSeq    uint64
	maxEntries int
	now        func() time.Time
}

// NewLedger 建立帳本
func NewLedger(signer *encryption.SigningKeyPair, maxEntries int) *Ledger {
	if maxEntries <= 0 {
		maxEntries = constants.DefaultMaxKeyLogEntries
	}
	return &Ledger{
		signer:     signer,
		anchor:     make([]byte, sha256.Size),
		nextSeq:    1,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetClock 測試用時鐘
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// PublicKey 帳本簽名公鑰
func (l *Ledger) PublicKey() encryption.CryptoKey {
	return l.signer.Public()
}

// LogKeyChange 追加一筆已簽名的密鑰變更記錄
func (l *Ledger) LogKeyChange(ctx context.Context, userID, deviceID, operation string, oldKey, newKey *encryption.CryptoKey, reason string) (*KeyLogEntry, error) {
	const op = "log_key_change"
	if userID == "" || operation == "" {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "user id and operation are required")
	}
	if (oldKey != nil && oldKey.IsPrivate) || (newKey != nil && newKey.IsPrivate) {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "private key material cannot be logged")
	}

	e := &KeyLogEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		DeviceID:  deviceID,
		Operation: operation,
		Reason:    reason,
	}
	if oldKey != nil && !oldKey.IsZero() {
		e.OldKeyFingerprint = oldKey.Fingerprint()
	}
	if newKey != nil && !newKey.IsZero() {
		e.NewKeyFingerprint = newKey.Fingerprint()
		e.NewKey = encryption.Clone(newKey.Material)
	}

	l.mu.Lock()
	e.Sequence = l.nextSeq
	e.Timestamp = l.now().UTC().Truncate(time.Millisecond)
	if n := len(l.entries); n > 0 {
		e.PrevHash = encryption.Clone(l.entries[n-1].Hash)
	} else {
		e.PrevHash = encryption.Clone(l.anchor)
	}
	e.Hash = e.digest()
	e.Signature = l.signer.Sign(e.Hash)
	l.entries = append(l.entries, e)
	l.nextSeq++
	evicted := 0
	for len(l.entries) > l.maxEntries {
		l.evictOldestLocked()
		evicted++
	}
	out := e.clone()
	l.mu.Unlock()

	if evicted > 0 {
		logger.Info(ctx, "密鑰日誌超過容量，淘汰最舊條目",
			logger.WithAction("key_log_evict"),
			logger.WithDetails(map[string]interface{}{"evicted": evicted}))
	}
	return &out, nil
}

func (l *Ledger) evictOldestLocked() {
	oldest := l.entries[0]
	l.anchor = oldest.Hash
	l.entries[0] = nil
	l.entries = l.entries[1:]
}

// GetKeyLog 取得用戶自 since 起的記錄；userID 為空時回傳全部
func (l *Ledger) GetKeyLog(userID string, since time.Time) []KeyLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []KeyLogEntry
	for _, e := range l.entries {
		if userID != "" && e.UserID != userID {
			continue
		}
		if e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// EntriesAfter 取得序號大於 seq 的條目，用於增量持久化
func (l *Ledger) EntriesAfter(seq uint64) []KeyLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []KeyLogEntry
	for _, e := range l.entries {
		if e.Sequence > seq {
			out = append(out, e.clone())
		}
	}
	return out
}

// VerifyChain 驗證每筆條目的雜湊、簽名與鏈結
func (l *Ledger) VerifyChain() error {
	const op = "verify_key_log"
	l.mu.RLock()
	defer l.mu.RUnlock()

	pub := l.signer.PublicKey
	prev := l.anchor
	for _, e := range l.entries {
		if !bytes.Equal(e.PrevHash, prev) {
			return cryptoerr.New(op, cryptoerr.ErrValidation, "entry %d does not link to its predecessor", e.Sequence)
		}
		if !VerifyEntry(pub, e) {
			return cryptoerr.New(op, cryptoerr.ErrValidation, "entry %d failed verification", e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

// CleanupExpired 淘汰早於 cutoff 的條目
func (l *Ledger) CleanupExpired(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for len(l.entries) > 0 && l.entries[0].Timestamp.Before(cutoff) {
		l.evictOldestLocked()
		removed++
	}
	return removed
}

// Len 目前條目數
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Restore 由持久層還原條目，還原後必須通過鏈驗證
func (l *Ledger) Restore(entries []KeyLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	restored := make([]*KeyLogEntry, 0, len(entries))
	for i := range entries {
		e := entries[i].clone()
		restored = append(restored, &e)
	}
	sort.Slice(restored, func(i, j int) bool { return restored[i].Sequence < restored[j].Sequence })
	for len(restored) > l.maxEntries {
		restored = restored[1:]
	}

	l.mu.Lock()
	oldEntries, oldAnchor, oldSeq := l.entries, l.anchor, l.nextSeq
	l.entries = restored
	l.anchor = encryption.Clone(restored[0].PrevHash)
	l.nextSeq = restored[len(restored)-1].Sequence + 1
	l.mu.Unlock()

	if err := l.VerifyChain(); err != nil {
		l.mu.Lock()
		l.entries, l.anchor, l.nextSeq = oldEntries, oldAnchor, oldSeq
		l.mu.Unlock()
		logger.Critical(context.Background(), "持久化的密鑰日誌未通過鏈驗證",
			logger.WithAction("key_log_restore"),
			logger.WithDetails(map[string]interface{}{"entries": len(entries), "error": err.Error()}))
		return err
	}
	return nil
}
