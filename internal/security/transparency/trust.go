package transparency

import (
	"context"
	"sort"
	"sync"
	"time"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
)

// TrustLevel 信任等級
type TrustLevel string

const (
	TrustUnverified TrustLevel = "unverified"
	TrustVerified   TrustLevel = "verified"
	TrustBlocked    TrustLevel = "blocked"
)

// VerificationMethod 驗證方式
type VerificationMethod string

const (
	VerifyNone           VerificationMethod = ""
	VerifyManual         VerificationMethod = "manual"
	VerifyQR             VerificationMethod = "qr"
	VerifyBySafetyNumber VerificationMethod = "safety_number"
)

func (m VerificationMethod) confirms() bool {
	return m == VerifyManual || m == VerifyQR || m == VerifyBySafetyNumber
}

// TrustState 一組單向信任關係
type TrustState struct {
	UserID              string             `json:"user_id" bson:"user_id"`
	TrustedUserID       string             `json:"trusted_user_id" bson:"trusted_user_id"`
	TrustLevel          TrustLevel         `json:"trust_level" bson:"trust_level"`
	EstablishedAt       time.Time          `json:"established_at" bson:"established_at"`
	LastVerified        time.Time          `json:"last_verified" bson:"last_verified"`
	VerificationMethod  VerificationMethod `json:"verification_method" bson:"verification_method"`
	IdentityFingerprint *string            `json:"identity_fingerprint,omitempty" bson:"identity_fingerprint,omitempty"` // nil 表示尚未固定對方指紋
	IsActive            bool               `json:"is_active" bson:"is_active"`
}

// TrustStore 信任關係儲存
//
// 狀態轉換：
//
//	unverified -> verified   (manual / qr / safety_number 明確確認)
//	verified   -> unverified (對方身份金鑰指紋改變)
//	*          -> blocked    (明確封鎖，ResetTrust 前不可離開)
type TrustStore struct {
	mu            sync.RWMutex
	relationships map[string]map[string]*TrustState
	now           func() time.Time
}

// NewTrustStore 建立信任儲存
func NewTrustStore() *TrustStore {
	return &TrustStore{
		relationships: make(map[string]map[string]*TrustState),
		now:           time.Now,
	}
}

// SetClock 測試用時鐘
func (t *TrustStore) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// EstablishTrust 建立或更新信任關係
// 升為 verified 需要有效的驗證方式與對方目前的身份指紋
func (t *TrustStore) EstablishTrust(ctx context.Context, userID, trustedUserID string, level TrustLevel, method VerificationMethod, fingerprint string) (*TrustState, error) {
	const op = "establish_trust"
	if userID == "" || trustedUserID == "" || userID == trustedUserID {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "trust requires two distinct users")
	}
	switch level {
	case TrustUnverified, TrustBlocked:
	case TrustVerified:
		if !method.confirms() || fingerprint == "" {
			return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "verified trust requires a confirmation method and fingerprint")
		}
	default:
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "unknown trust level %q", level)
	}

	t.mu.Lock()
	now := t.now()
	rels, ok := t.relationships[userID]
	if !ok {
		rels = make(map[string]*TrustState)
		t.relationships[userID] = rels
	}
	st, exists := rels[trustedUserID]
	if exists && st.TrustLevel == TrustBlocked && level != TrustBlocked {
		t.mu.Unlock()
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "%s is blocked until trust is reset", trustedUserID)
	}
	if !exists {
		st = &TrustState{UserID: userID, TrustedUserID: trustedUserID, EstablishedAt: now}
		rels[trustedUserID] = st
	}
	st.TrustLevel = level
	st.IsActive = true
	if method != VerifyNone {
		st.VerificationMethod = method
	}
	if fingerprint != "" {
		st.IdentityFingerprint = &fingerprint
	}
	if level == TrustVerified {
		st.LastVerified = now
	}
	out := *st
	t.mu.Unlock()

	logger.Info(ctx, "信任關係已更新",
		logger.WithUserID(userID),
		logger.WithAction("establish_trust"),
		logger.WithDetails(map[string]interface{}{
			"trusted_user_id": trustedUserID,
			"trust_level":     string(level),
			"method":          string(method),
		}))
	return &out, nil
}

// UpdateTrustLevel 調整既有關係的信任等級
// 重新升為 verified 僅在先前已以有效方式確認過相同指紋時允許
func (t *TrustStore) UpdateTrustLevel(ctx context.Context, userID, trustedUserID string, level TrustLevel) error {
	const op = "update_trust_level"
	t.mu.Lock()
	st, ok := t.relationships[userID][trustedUserID]
	if !ok {
		t.mu.Unlock()
		return cryptoerr.New(op, cryptoerr.ErrValidation, "no trust relationship with %s", trustedUserID)
	}
	switch {
	case st.TrustLevel == TrustBlocked && level != TrustBlocked:
		t.mu.Unlock()
		return cryptoerr.New(op, cryptoerr.ErrValidation, "%s is blocked until trust is reset", trustedUserID)
	case level == TrustVerified && (!st.VerificationMethod.confirms() || st.IdentityFingerprint == nil):
		t.mu.Unlock()
		return cryptoerr.New(op, cryptoerr.ErrValidation, "verified trust requires a prior confirmation")
	case level != TrustUnverified && level != TrustVerified && level != TrustBlocked:
		t.mu.Unlock()
		return cryptoerr.New(op, cryptoerr.ErrValidation, "unknown trust level %q", level)
	}
	st.TrustLevel = level
	if level == TrustVerified {
		st.LastVerified = t.now()
	}
	t.mu.Unlock()

	logger.Info(ctx, "信任等級已變更",
		logger.WithUserID(userID),
		logger.WithAction("update_trust_level"),
		logger.WithDetails(map[string]interface{}{"trusted_user_id": trustedUserID, "trust_level": string(level)}))
	return nil
}

// OnIdentityKeyChanged 對方身份金鑰變更時，將所有指向該用戶的 verified 關係降為 unverified
// 回傳受影響的觀察者用戶 ID
func (t *TrustStore) OnIdentityKeyChanged(ctx context.Context, userID, newFingerprint string) []string {
	t.mu.Lock()
	var degraded []string
	for owner, rels := range t.relationships {
		st, ok := rels[userID]
		if !ok || (st.IdentityFingerprint != nil && *st.IdentityFingerprint == newFingerprint) {
			continue
		}
		fp := newFingerprint
		st.IdentityFingerprint = &fp
		if st.TrustLevel == TrustVerified {
			st.TrustLevel = TrustUnverified
			degraded = append(degraded, owner)
		}
	}
	t.mu.Unlock()

	sort.Strings(degraded)
	if len(degraded) > 0 {
		logger.Warning(ctx, "身份金鑰變更，信任降為未驗證",
			logger.WithUserID(userID),
			logger.WithAction("trust_degraded"),
			logger.WithDetails(map[string]interface{}{"observers": degraded}))
	}
	return degraded
}

// ResetTrust 將關係重設為 unverified，也是解除封鎖的唯一途徑
func (t *TrustStore) ResetTrust(ctx context.Context, userID, trustedUserID string) error {
	t.mu.Lock()
	st, ok := t.relationships[userID][trustedUserID]
	if !ok {
		t.mu.Unlock()
		return cryptoerr.New("reset_trust", cryptoerr.ErrValidation, "no trust relationship with %s", trustedUserID)
	}
	st.TrustLevel = TrustUnverified
	st.VerificationMethod = VerifyNone
	st.LastVerified = time.Time{}
	t.mu.Unlock()

	logger.Info(ctx, "信任關係已重設",
		logger.WithUserID(userID),
		logger.WithAction("reset_trust"),
		logger.WithDetails(map[string]interface{}{"trusted_user_id": trustedUserID}))
	return nil
}

// GetTrustLevel 未建立關係時視為 unverified
func (t *TrustStore) GetTrustLevel(userID, trustedUserID string) TrustLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.relationships[userID][trustedUserID]; ok {
		return st.TrustLevel
	}
	return TrustUnverified
}

// GetTrustRelationships 取得用戶的所有信任關係
func (t *TrustStore) GetTrustRelationships(userID string) []TrustState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rels := t.relationships[userID]
	out := make([]TrustState, 0, len(rels))
	for _, st := range rels {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrustedUserID < out[j].TrustedUserID })
	return out
}

// All 匯出全部關係
func (t *TrustStore) All() []TrustState {
	t.mu.RLock()
	users := make([]string, 0, len(t.relationships))
	for u := range t.relationships {
		users = append(users, u)
	}
	t.mu.RUnlock()

	sort.Strings(users)
	var out []TrustState
	for _, u := range users {
		out = append(out, t.GetTrustRelationships(u)...)
	}
	return out
}

// Restore 由持久層還原關係
func (t *TrustStore) Restore(states []TrustState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range states {
		st := states[i]
		if st.UserID == "" || st.TrustedUserID == "" {
			continue
		}
		rels, ok := t.relationships[st.UserID]
		if !ok {
			rels = make(map[string]*TrustState)
			t.relationships[st.UserID] = rels
		}
		rels[st.TrustedUserID] = &st
	}
}
