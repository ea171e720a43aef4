package group

import (
	"sort"
	"time"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// Record 群組的可序列化狀態（含私密材料，持久化前必須加密）
type Record struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	CreatedAt       time.Time      `json:"created_at"`
	LastEpochChange time.Time      `json:"last_epoch_change"`
	IsActive        bool           `json:"is_active"`
	Members         []MemberRecord `json:"members"`
	Current         EpochRecord    `json:"current"`
	Retained        []EpochRecord  `json:"retained,omitempty"`
	LastCommit      *Commit        `json:"last_commit,omitempty"`
}

// MemberRecord 成員與其葉節點私鑰
type MemberRecord struct {
	MemberInfo
	LeafPrivate []byte `json:"leaf_private"`
}

// EpochRecord 單一 epoch 的秘密與成員名單
type EpochRecord struct {
	Number      uint64            `json:"number"`
	ID          string            `json:"id"`
	EpochSecret []byte            `json:"epoch_secret"`
	Members     map[uint32]string `json:"members"`
	CreatedAt   time.Time         `json:"created_at"`
	RetiredAt   time.Time         `json:"retired_at,omitempty"`
}

// Wipe 清零記錄中的私密材料
func (r *Record) Wipe() {
	if r == nil {
		return
	}
	for _, mem := range r.Members {
		encryption.Zero(mem.LeafPrivate)
	}
	encryption.Zero(r.Current.EpochSecret)
	for _, e := range r.Retained {
		encryption.Zero(e.EpochSecret)
	}
}

func (e *epochState) record() EpochRecord {
	members := make(map[uint32]string, len(e.members))
	for k, v := range e.members {
		members[k] = v
	}
	return EpochRecord{
		Number:      e.number,
		ID:          e.id,
		EpochSecret: encryption.Clone(e.secrets.epochSecret),
		Members:     members,
		CreatedAt:   e.createdAt,
		RetiredAt:   e.retiredAt,
	}
}

func epochFromRecord(r EpochRecord) (*epochState, error) {
	if len(r.EpochSecret) != encryption.KeySize {
		return nil, cryptoerr.New("import_group", cryptoerr.ErrValidation, "epoch %d secret must be %d bytes", r.Number, encryption.KeySize)
	}
	secrets, err := expandEpoch(r.EpochSecret)
	if err != nil {
		return nil, cryptoerr.Wrap("import_group", cryptoerr.ErrValidation, err)
	}
	members := make(map[uint32]string, len(r.Members))
	for k, v := range r.Members {
		members[k] = v
	}
	return &epochState{
		number:    r.Number,
		id:        r.ID,
		secrets:   secrets,
		members:   members,
		createdAt: r.CreatedAt,
		retiredAt: r.RetiredAt,
	}, nil
}

// Export 匯出群組狀態
func (m *Manager) Export(groupID string) (*Record, error) {
	g, err := m.get("export_group", groupID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec := &Record{
		ID:              g.id,
		Name:            g.name,
		CreatedAt:       g.createdAt,
		LastEpochChange: g.lastEpochChange,
		IsActive:        g.active,
		Current:         g.current.record(),
		LastCommit:      g.lastCommit,
	}
	for _, mem := range g.members {
		info := mem.MemberInfo
		info.IdentityKey = encryption.Clone(mem.IdentityKey)
		info.LeafKey = encryption.Clone(mem.LeafKey)
		rec.Members = append(rec.Members, MemberRecord{MemberInfo: info, LeafPrivate: encryption.Clone(mem.leaf.PrivateKey)})
	}
	sort.Slice(rec.Members, func(i, j int) bool { return rec.Members[i].LeafIndex < rec.Members[j].LeafIndex })
	for _, e := range g.retained {
		rec.Retained = append(rec.Retained, e.record())
	}
	return rec, nil
}

// ExportAll 匯出所有群組
func (m *Manager) ExportAll() []*Record {
	var out []*Record
	for _, g := range m.snapshot() {
		if rec, err := m.Export(g.id); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

// Import 還原群組；同 ID 的既有群組會被取代
func (m *Manager) Import(rec *Record) error {
	const op = "import_group"
	if rec == nil || rec.ID == "" {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "group record is incomplete")
	}
	current, err := epochFromRecord(rec.Current)
	if err != nil {
		return err
	}
	g := &groupEntry{
		id:              rec.ID,
		name:            rec.Name,
		createdAt:       rec.CreatedAt,
		lastEpochChange: rec.LastEpochChange,
		active:          rec.IsActive,
		members:         make(map[string]*member, len(rec.Members)),
		current:         current,
		lastCommit:      rec.LastCommit,
	}
	for _, e := range rec.Retained {
		st, err := epochFromRecord(e)
		if err != nil {
			current.secrets.wipe()
			return err
		}
		g.retained = append(g.retained, st)
	}
	for _, mr := range rec.Members {
		if len(mr.LeafPrivate) != encryption.KeySize || len(mr.LeafKey) != encryption.KeySize {
			return cryptoerr.New(op, cryptoerr.ErrValidation, "leaf key for %s must be %d bytes", mr.UserID, encryption.KeySize)
		}
		info := mr.MemberInfo
		info.IdentityKey = encryption.Clone(mr.IdentityKey)
		info.LeafKey = encryption.Clone(mr.LeafKey)
		g.members[mr.UserID] = &member{
			MemberInfo: info,
			leaf: &encryption.KeyPair{
				PrivateKey: encryption.Clone(mr.LeafPrivate),
				PublicKey:  encryption.Clone(mr.LeafKey),
			},
		}
	}

	m.mu.Lock()
	m.groups[g.id] = g
	m.mu.Unlock()
	return nil
}
