package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// Record 會話的可序列化狀態（含私密材料，持久化前必須加密）
type Record struct {
	ID            string         `json:"id"`
	PeerSessionID string         `json:"peer_session_id,omitempty"`
	OwnerUserID   string         `json:"owner_user_id"`
	OwnerDeviceID string         `json:"owner_device_id"`
	PeerUserID    string         `json:"peer_user_id"`
	PeerDeviceID  string         `json:"peer_device_id"`
	State         State          `json:"state"`
	Role          Role           `json:"role"`
	CreatedAt     time.Time      `json:"created_at"`
	LastUsed      time.Time      `json:"last_used"`
	Sent          uint64         `json:"sent"`
	Received      uint64         `json:"received"`
	OwnerIdentity []byte         `json:"owner_identity"`
	PeerIdentity  []byte         `json:"peer_identity"`
	Handshake     *Handshake     `json:"handshake,omitempty"`
	AcceptedEK    []byte         `json:"accepted_ek,omitempty"`
	Ratchet       *ratchetRecord `json:"ratchet,omitempty"`
}

type ratchetRecord struct {
	RootKey   []byte          `json:"root_key"`
	DHPriv    []byte          `json:"dh_priv"`
	DHPub     []byte          `json:"dh_pub"`
	PeerDHPub []byte          `json:"peer_dh_pub"`
	SendCK    []byte          `json:"send_ck,omitempty"`
	RecvCK    []byte          `json:"recv_ck,omitempty"`
	Ns        uint32          `json:"ns"`
	Nr        uint32          `json:"nr"`
	PN        uint32          `json:"pn"`
	Skipped   []skippedRecord `json:"skipped,omitempty"`
	Retired   [][]byte        `json:"retired,omitempty"`
}

type skippedRecord struct {
	DHPub []byte `json:"dh_pub"`
	N     uint32 `json:"n"`
	Key   []byte `json:"key"`
}

// Wipe 清零記錄中的私密材料
func (r *Record) Wipe() {
	if r == nil || r.Ratchet == nil {
		return
	}
	encryption.Zero(r.Ratchet.RootKey)
	encryption.Zero(r.Ratchet.DHPriv)
	encryption.Zero(r.Ratchet.SendCK)
	encryption.Zero(r.Ratchet.RecvCK)
	for _, sk := range r.Ratchet.Skipped {
		encryption.Zero(sk.Key)
	}
}

func (st *ratchetState) record() *ratchetRecord {
	out := &ratchetRecord{
		RootKey:   encryption.Clone(st.RootKey),
		DHPriv:    encryption.Clone(st.DHPriv),
		DHPub:     encryption.Clone(st.DHPub),
		PeerDHPub: encryption.Clone(st.PeerDHPub),
		SendCK:    encryption.Clone(st.SendCK),
		RecvCK:    encryption.Clone(st.RecvCK),
		Ns:        st.Ns,
		Nr:        st.Nr,
		PN:        st.PN,
	}
	// 依插入順序輸出，匯入後淘汰順序不變
	for _, id := range st.order {
		raw := []byte(id)
		if len(raw) != encryption.KeySize+4 {
			continue
		}
		out.Skipped = append(out.Skipped, skippedRecord{
			DHPub: encryption.Clone(raw[:encryption.KeySize]),
			N:     binary.BigEndian.Uint32(raw[encryption.KeySize:]),
			Key:   encryption.Clone(st.skipped[id]),
		})
	}
	for _, r := range st.retired {
		out.Retired = append(out.Retired, encryption.Clone(r))
	}
	return out
}

func ratchetFromRecord(r *ratchetRecord, maxSkip int) (*ratchetState, error) {
	if len(r.RootKey) != encryption.KeySize || len(r.DHPriv) != encryption.KeySize ||
		len(r.DHPub) != encryption.KeySize || len(r.PeerDHPub) != encryption.KeySize {
		return nil, cryptoerr.New("import_session", cryptoerr.ErrValidation, "ratchet keys must be %d bytes", encryption.KeySize)
	}
	st := &ratchetState{
		RootKey:   encryption.Clone(r.RootKey),
		DHPriv:    encryption.Clone(r.DHPriv),
		DHPub:     encryption.Clone(r.DHPub),
		PeerDHPub: encryption.Clone(r.PeerDHPub),
		SendCK:    encryption.Clone(r.SendCK),
		RecvCK:    encryption.Clone(r.RecvCK),
		Ns:        r.Ns,
		Nr:        r.Nr,
		PN:        r.PN,
		skipped:   make(map[string][]byte, len(r.Skipped)),
		maxSkip:   maxSkip,
	}
	for _, sk := range r.Skipped {
		id := skippedID(sk.DHPub, sk.N)
		if _, dup := st.skipped[id]; dup {
			continue
		}
		st.skipped[id] = encryption.Clone(sk.Key)
		st.order = append(st.order, id)
	}
	for len(st.order) > maxSkip {
		st.dropSkipped(st.order[0])
	}
	for _, pub := range r.Retired {
		st.retire(pub)
	}
	return st, nil
}

// ExportRecord 匯出會話完整狀態
func (m *Manager) ExportRecord(sessionID string) (*Record, error) {
	s, err := m.get("export_session", sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{
		ID:            s.id,
		PeerSessionID: s.peerSessionID,
		OwnerUserID:   s.ownerUserID,
		OwnerDeviceID: s.ownerDeviceID,
		PeerUserID:    s.peerUserID,
		PeerDeviceID:  s.peerDeviceID,
		State:         s.state,
		Role:          s.role,
		CreatedAt:     s.createdAt,
		LastUsed:      s.lastUsed,
		Sent:          s.sent,
		Received:      s.received,
		OwnerIdentity: encryption.Clone(s.ownerIdentity),
		PeerIdentity:  encryption.Clone(s.peerIdentity),
		Handshake:     s.handshake.clone(),
		AcceptedEK:    encryption.Clone(s.acceptedEK),
	}
	if s.ratchet != nil {
		rec.Ratchet = s.ratchet.record()
	}
	return rec, nil
}

// ExportAll 匯出所有未關閉的會話
func (m *Manager) ExportAll() []*Record {
	var out []*Record
	for _, s := range m.snapshot() {
		s.mu.Lock()
		id, closed := s.id, s.state == StateClosed
		s.mu.Unlock()
		if closed {
			continue
		}
		if rec, err := m.ExportRecord(id); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

// ImportRecord 還原會話；同 ID 的既有會話會被取代
func (m *Manager) ImportRecord(ctx context.Context, rec *Record) error {
	const op = "import_session"
	if rec == nil || rec.ID == "" || rec.OwnerUserID == "" || rec.PeerUserID == "" {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "session record is incomplete")
	}
	s := &Session{
		id:            rec.ID,
		peerSessionID: rec.PeerSessionID,
		ownerUserID:   rec.OwnerUserID,
		ownerDeviceID: rec.OwnerDeviceID,
		peerUserID:    rec.PeerUserID,
		peerDeviceID:  rec.PeerDeviceID,
		state:         rec.State,
		role:          rec.Role,
		createdAt:     rec.CreatedAt,
		lastUsed:      rec.LastUsed,
		sent:          rec.Sent,
		received:      rec.Received,
		ownerIdentity: encryption.Clone(rec.OwnerIdentity),
		peerIdentity:  encryption.Clone(rec.PeerIdentity),
		handshake:     rec.Handshake.clone(),
		acceptedEK:    encryption.Clone(rec.AcceptedEK),
	}
	switch s.role {
	case RoleInitiator:
		s.ad = associatedData(s.ownerIdentity, s.peerIdentity)
	case RoleResponder:
		s.ad = associatedData(s.peerIdentity, s.ownerIdentity)
	default:
		return cryptoerr.New(op, cryptoerr.ErrValidation, "unknown role %q", rec.Role)
	}
	switch s.state {
	case StateHandshaking, StateActive, StateCompromised:
		if rec.Ratchet == nil {
			return cryptoerr.New(op, cryptoerr.ErrValidation, "session %s has no ratchet state", rec.ID)
		}
		rs, err := ratchetFromRecord(rec.Ratchet, m.maxSkip)
		if err != nil {
			return err
		}
		s.ratchet = rs
	case StateClosed:
	default:
		return cryptoerr.New(op, cryptoerr.ErrValidation, "unknown state %q", rec.State)
	}

	m.mu.Lock()
	if old, ok := m.sessions[s.id]; ok && old != s {
		defer func() {
			old.mu.Lock()
			old.close()
			old.mu.Unlock()
		}()
	}
	m.sessions[s.id] = s
	if s.peerSessionID != "" {
		m.links[s.peerSessionID] = s.id
	}
	m.mu.Unlock()
	return nil
}

// ExportSessionInfo 以 JSON 匯出會話狀態
func (m *Manager) ExportSessionInfo(sessionID string) ([]byte, error) {
	rec, err := m.ExportRecord(sessionID)
	if err != nil {
		return nil, err
	}
	defer rec.Wipe()
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, cryptoerr.Wrap("export_session", cryptoerr.ErrValidation, err)
	}
	return data, nil
}

// ImportSessionInfo 由 ExportSessionInfo 的輸出還原會話，回傳會話 ID
func (m *Manager) ImportSessionInfo(ctx context.Context, data []byte) (string, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", cryptoerr.Wrap("import_session", cryptoerr.ErrValidation, err)
	}
	defer rec.Wipe()
	if err := m.ImportRecord(ctx, &rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}
