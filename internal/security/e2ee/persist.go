package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/group"
	"e2ee-gateway/internal/security/hybrid"
	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/optimizer"
	"e2ee-gateway/internal/security/session"
	"e2ee-gateway/internal/security/transparency"
	"e2ee-gateway/internal/storage"
)

const persistKind = "persist"

// persister 以批次佇列寫後持久化
// 同一筆記錄同時只有一個待處理寫入；執行時讀取最新狀態
type persister struct {
	store  storage.Store
	sealer *encryption.Sealer
	comp   *optimizer.Compressor
	queue  *optimizer.BatchQueue

	mu      sync.Mutex
	pending map[string]struct{}

	ledgerMu  sync.Mutex
	ledgerSeq uint64 // 已寫出的最大序號
}

func newPersister(store storage.Store, masterKey []byte, opt *optimizer.Optimizer) (*persister, error) {
	sealer, err := encryption.NewSealer(masterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid storage master key: %w", err)
	}
	return &persister{
		store:   store,
		sealer:  sealer,
		comp:    opt.Compressor,
		queue:   opt.Queue,
		pending: make(map[string]struct{}),
	}, nil
}

func blobLabel(kind storage.Kind, id string) string {
	return "state/" + string(kind) + "/" + id
}

// seal JSON → 壓縮 → AEAD，標籤綁定記錄類型與 ID
func (p *persister) seal(kind storage.Kind, id string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer encryption.Zero(data)
	return p.sealer.Seal(blobLabel(kind, id), p.comp.Compress(data))
}

func (p *persister) open(kind storage.Kind, id string, blob []byte, v interface{}) error {
	packed, err := p.sealer.Open(blobLabel(kind, id), blob)
	if err != nil {
		return fmt.Errorf("failed to open %s %s: %w", kind, id, err)
	}
	data, err := p.comp.Decompress(packed)
	if err != nil {
		return err
	}
	defer encryption.Zero(data)
	return json.Unmarshal(data, v)
}

func (p *persister) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// schedule 排入寫入；已有同 key 的待處理寫入時略過
func (p *persister) schedule(key string, priority optimizer.Priority, run func(ctx context.Context) error) {
	p.mu.Lock()
	if _, ok := p.pending[key]; ok {
		p.mu.Unlock()
		return
	}
	p.pending[key] = struct{}{}
	p.mu.Unlock()

	op := optimizer.Operation{
		ID:        key + "#" + uuid.New().String(),
		Kind:      persistKind,
		TargetIDs: []string{key},
		Priority:  priority,
		Run: func(ctx context.Context) error {
			p.done(key)
			if err := run(ctx); err != nil {
				return cryptoerr.Wrap("persist", cryptoerr.ErrTransient, err)
			}
			return nil
		},
	}
	if _, err := p.queue.Queue(op); err != nil {
		p.done(key)
		logger.Error(context.Background(), "無法排入持久化操作",
			logger.WithAction("persist"),
			logger.WithDetails(map[string]interface{}{"target": key, "error": err.Error()}))
	}
}

func (p *persister) done(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// persistTarget 由操作 ID 取回持久化目標
func persistTarget(opID string) string {
	if i := strings.LastIndexByte(opID, '#'); i > 0 {
		return opID[:i]
	}
	return opID
}

func (m *Manager) persistDevice(userID, deviceID string) {
	if m.persist == nil {
		return
	}
	id := storage.DeviceID(userID, deviceID)
	m.persist.schedule("device/"+id, optimizer.PriorityHigh, func(ctx context.Context) error {
		rec, err := m.keys.ExportDevice(userID, deviceID)
		if errors.Is(err, cryptoerr.ErrUnknownDevice) {
			return m.persist.store.DeleteState(ctx, storage.KindDevice, id)
		}
		if err != nil {
			return err
		}
		if rec.Vault != nil {
			defer rec.Vault.Wipe()
		}
		blob, err := m.persist.seal(storage.KindDevice, id, rec)
		if err != nil {
			return err
		}
		return m.persist.store.PutState(ctx, storage.StateRecord{
			Kind:      storage.KindDevice,
			ID:        id,
			UserID:    userID,
			Blob:      blob,
			UpdatedAt: m.now(),
		})
	})
}

func (m *Manager) persistSession(sessionID string) {
	if m.persist == nil || sessionID == "" {
		return
	}
	m.persist.schedule("session/"+sessionID, optimizer.PriorityNormal, func(ctx context.Context) error {
		rec, err := m.sessions.ExportRecord(sessionID)
		if errors.Is(err, cryptoerr.ErrUnknownSession) || (err == nil && rec.State == session.StateClosed) {
			rec.Wipe()
			return m.persist.store.DeleteState(ctx, storage.KindSession, sessionID)
		}
		if err != nil {
			return err
		}
		defer rec.Wipe()
		blob, err := m.persist.seal(storage.KindSession, sessionID, rec)
		if err != nil {
			return err
		}
		return m.persist.store.PutState(ctx, storage.StateRecord{
			Kind:       storage.KindSession,
			ID:         sessionID,
			UserID:     rec.OwnerUserID,
			PeerUserID: rec.PeerUserID,
			Blob:       blob,
			UpdatedAt:  m.now(),
		})
	})
}

func (m *Manager) persistGroup(groupID string) {
	if m.persist == nil {
		return
	}
	m.persist.schedule("group/"+groupID, optimizer.PriorityHigh, func(ctx context.Context) error {
		rec, err := m.groups.Export(groupID)
		if errors.Is(err, cryptoerr.ErrGroupNotFound) {
			return m.persist.store.DeleteState(ctx, storage.KindGroup, groupID)
		}
		if err != nil {
			return err
		}
		defer rec.Wipe()
		blob, err := m.persist.seal(storage.KindGroup, groupID, rec)
		if err != nil {
			return err
		}
		return m.persist.store.PutState(ctx, storage.StateRecord{
			Kind:      storage.KindGroup,
			ID:        groupID,
			Epoch:     rec.Current.Number,
			Blob:      blob,
			UpdatedAt: m.now(),
		})
	})
}

func (m *Manager) persistHybrid(userID, deviceID string) {
	if m.persist == nil {
		return
	}
	id := storage.DeviceID(userID, deviceID)
	m.persist.schedule("hybrid/"+id, optimizer.PriorityNormal, func(ctx context.Context) error {
		m.hybridMu.RLock()
		kp, ok := m.hybridKeys[id]
		var blob []byte
		var err error
		if ok {
			blob, err = m.persist.seal(storage.KindHybrid, id, kp)
		}
		m.hybridMu.RUnlock()
		if !ok {
			return m.persist.store.DeleteState(ctx, storage.KindHybrid, id)
		}
		if err != nil {
			return err
		}
		return m.persist.store.PutState(ctx, storage.StateRecord{
			Kind:      storage.KindHybrid,
			ID:        id,
			UserID:    userID,
			Blob:      blob,
			UpdatedAt: m.now(),
		})
	})
}

// persistLedger 追加尚未寫出的日誌條目
func (m *Manager) persistLedger() {
	if m.persist == nil {
		return
	}
	p := m.persist
	p.schedule("keylog", optimizer.PriorityCritical, func(ctx context.Context) error {
		p.ledgerMu.Lock()
		defer p.ledgerMu.Unlock()
		entries := m.ledger.EntriesAfter(p.ledgerSeq)
		if len(entries) == 0 {
			return nil
		}
		if err := p.store.AppendKeyLog(ctx, entries); err != nil {
			return err
		}
		p.ledgerSeq = entries[len(entries)-1].Sequence
		return nil
	})
}

func (m *Manager) persistTrust() {
	if m.persist == nil {
		return
	}
	m.persist.schedule("trust", optimizer.PriorityHigh, func(ctx context.Context) error {
		return m.persist.store.PutTrust(ctx, m.trust.All())
	})
}

// checkpoint 排入全部狀態的寫入
func (m *Manager) checkpoint() {
	if m.persist == nil {
		return
	}
	for _, rec := range m.keys.ExportAll() {
		m.persistDevice(rec.State.UserID, rec.State.DeviceID)
		rec.Vault.Wipe()
	}
	for _, id := range m.sessions.IDs() {
		m.persistSession(id)
	}
	for _, g := range m.groups.ListGroups() {
		m.persistGroup(g.ID)
	}
	m.hybridMu.RLock()
	ids := make([]string, 0, len(m.hybridKeys))
	for id := range m.hybridKeys {
		ids = append(ids, id)
	}
	m.hybridMu.RUnlock()
	for _, id := range ids {
		if user, device, ok := strings.Cut(id, "/"); ok {
			m.persistHybrid(user, device)
		}
	}
	m.persistLedger()
	m.persistTrust()
}

// restore 由存儲還原全部狀態
// 解封失敗代表主密鑰錯誤或資料遭竄改，直接回傳錯誤；單筆匯入失敗只記錄
func (m *Manager) restore(ctx context.Context) error {
	p := m.persist

	devices, err := p.store.LoadStates(ctx, storage.KindDevice)
	if err != nil {
		return err
	}
	for _, st := range devices {
		var rec keymanager.DeviceRecord
		if err := p.open(storage.KindDevice, st.ID, st.Blob, &rec); err != nil {
			return err
		}
		if err := m.keys.ImportDevice(&rec); err != nil {
			logRestoreFailure(ctx, storage.KindDevice, st.ID, err)
		}
		rec.Vault.Wipe()
	}

	hybrids, err := p.store.LoadStates(ctx, storage.KindHybrid)
	if err != nil {
		return err
	}
	m.hybridMu.Lock()
	for _, st := range hybrids {
		kp := new(hybrid.KeyPair)
		if err := p.open(storage.KindHybrid, st.ID, st.Blob, kp); err != nil {
			m.hybridMu.Unlock()
			return err
		}
		if err := kp.Public.Validate(); err != nil {
			logRestoreFailure(ctx, storage.KindHybrid, st.ID, err)
			continue
		}
		m.hybridKeys[st.ID] = kp
	}
	m.hybridMu.Unlock()

	sessions, err := p.store.LoadStates(ctx, storage.KindSession)
	if err != nil {
		return err
	}
	for _, st := range sessions {
		var rec session.Record
		if err := p.open(storage.KindSession, st.ID, st.Blob, &rec); err != nil {
			return err
		}
		if err := m.sessions.ImportRecord(ctx, &rec); err != nil {
			logRestoreFailure(ctx, storage.KindSession, st.ID, err)
		}
		rec.Wipe()
	}

	groups, err := p.store.LoadStates(ctx, storage.KindGroup)
	if err != nil {
		return err
	}
	for _, st := range groups {
		var rec group.Record
		if err := p.open(storage.KindGroup, st.ID, st.Blob, &rec); err != nil {
			return err
		}
		if err := m.groups.Import(&rec); err != nil {
			logRestoreFailure(ctx, storage.KindGroup, st.ID, err)
		}
		rec.Wipe()
	}

	entries, err := p.store.LoadKeyLog(ctx)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		if err := m.ledger.Restore(entries); err != nil {
			return fmt.Errorf("key log verification failed: %w", err)
		}
		p.ledgerSeq = maxSequence(entries)
	}

	trust, err := p.store.LoadTrust(ctx)
	if err != nil {
		return err
	}
	m.trust.Restore(trust)

	logger.Info(ctx, "加密核心狀態已還原",
		logger.WithAction("e2ee_restore"),
		logger.WithDetails(map[string]interface{}{
			"devices":       len(devices),
			"hybrid_keys":   len(hybrids),
			"sessions":      len(sessions),
			"groups":        len(groups),
			"log_entries":   len(entries),
			"relationships": len(trust),
		}))
	return nil
}

func maxSequence(entries []transparency.KeyLogEntry) uint64 {
	var seq uint64
	for _, e := range entries {
		if e.Sequence > seq {
			seq = e.Sequence
		}
	}
	return seq
}

func logRestoreFailure(ctx context.Context, kind storage.Kind, id string, err error) {
	logger.Error(ctx, "還原狀態失敗，略過",
		logger.WithAction("e2ee_restore"),
		logger.WithDetails(map[string]interface{}{"kind": string(kind), "id": id, "error": err.Error()}))
}
