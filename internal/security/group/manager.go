package group

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/keymanager"
)

// MemberDirectory 查詢用戶設備與身份公鑰
type MemberDirectory interface {
	GetUserDevices(userID string) []keymanager.DeviceState
}

// Manager MLS 風格的群組密鑰管理器
type Manager struct {
	mu     sync.RWMutex
	groups map[string]*groupEntry

	dir        MemberDirectory
	grace      time.Duration
	rekey      time.Duration
	maxMembers int
	now        func() time.Time
}

type member struct {
	MemberInfo
	leaf *encryption.KeyPair
}

type epochState struct {
	number    uint64
	id        string
	secrets   *epochSecrets
	members   map[uint32]string // 葉節點 -> 用戶，該 epoch 的成員名單
	createdAt time.Time
	retiredAt time.Time // 零值表示目前 epoch
}

func (e *epochState) hasMember(userID string) bool {
	for _, u := range e.members {
		if u == userID {
			return true
		}
	}
	return false
}

type groupEntry struct {
	mu sync.RWMutex

	id              string
	name            string
	createdAt       time.Time
	lastEpochChange time.Time
	active          bool
	members         map[string]*member
	current         *epochState
	retained        []*epochState
	lastCommit      *Commit
}

// NewManager 創建群組管理器
func NewManager(dir MemberDirectory, cfg Config) *Manager {
	if cfg.EpochGracePeriod <= 0 {
		cfg.EpochGracePeriod = constants.DefaultEpochGracePeriod
	}
	if cfg.RekeyInterval <= 0 {
		cfg.RekeyInterval = constants.DefaultGroupRekeyPeriod
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = constants.DefaultMaxGroupMembers
	}
	return &Manager{
		groups:     make(map[string]*groupEntry),
		dir:        dir,
		grace:      cfg.EpochGracePeriod,
		rekey:      cfg.RekeyInterval,
		maxMembers: cfg.MaxMembers,
		now:        time.Now,
	}
}

// SetClock 替換時間來源（測試使用）
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

func (m *Manager) get(op, groupID string) (*groupEntry, error) {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrGroupNotFound, "%s", groupID)
	}
	return g, nil
}

func (m *Manager) snapshot() []*groupEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*groupEntry, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}

// resolveDevice 找出成員使用的設備；deviceID 為空時取最早註冊的設備
func (m *Manager) resolveDevice(op, userID, deviceID string) (keymanager.DeviceState, error) {
	if m.dir == nil {
		return keymanager.DeviceState{UserID: userID, DeviceID: deviceID}, nil
	}
	for _, d := range m.dir.GetUserDevices(userID) {
		if deviceID == "" || d.DeviceID == deviceID {
			return d, nil
		}
	}
	return keymanager.DeviceState{}, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
}

func validateName(op, name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < constants.MinGroupNameLength || n > constants.DefaultMaxGroupNameLength {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "group name must be %d-%d characters", constants.MinGroupNameLength, constants.DefaultMaxGroupNameLength)
	}
	return nil
}

// newMember 為成員生成葉節點密鑰
func newMember(d keymanager.DeviceState, leafIndex uint32, now time.Time) (*member, error) {
	leaf, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &member{
		MemberInfo: MemberInfo{
			UserID:      d.UserID,
			DeviceID:    d.DeviceID,
			IdentityKey: encryption.Clone(d.IdentityKey.Material),
			LeafKey:     encryption.Clone(leaf.PublicKey),
			LeafIndex:   leafIndex,
			JoinedAt:    now,
			IsActive:    true,
		},
		leaf: leaf,
	}, nil
}

// CreateMLSGroup 建立群組，epoch 0 的密鑰封裝給每位成員
func (m *Manager) CreateMLSGroup(ctx context.Context, memberIDs []string, name string) (*GroupInfo, error) {
	const op = "create_mls_group"
	if err := validateName(op, name); err != nil {
		return nil, err
	}
	if len(memberIDs) == 0 {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "at least one member is required")
	}
	if len(memberIDs) > m.maxMembers {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "group exceeds %d members", m.maxMembers)
	}

	now := m.clock()
	g := &groupEntry{
		id:        uuid.NewString(),
		name:      strings.TrimSpace(name),
		createdAt: now,
		active:    true,
		members:   make(map[string]*member, len(memberIDs)),
	}
	for i, userID := range memberIDs {
		if _, dup := g.members[userID]; dup {
			return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "duplicate member %s", userID)
		}
		d, err := m.resolveDevice(op, userID, "")
		if err != nil {
			return nil, err
		}
		mem, err := newMember(d, uint32(i), now)
		if err != nil {
			return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
		}
		g.members[userID] = mem
	}

	g.mu.Lock()
	_, err := m.advance(g, ReasonCreate, nil, now)
	info := g.info()
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.groups[g.id] = g
	m.mu.Unlock()

	logger.Info(ctx, "群組已建立",
		logger.WithGroupID(g.id),
		logger.WithAction(op),
		logger.WithDetails(map[string]interface{}{"members": len(memberIDs)}))
	return info, nil
}

// advance 進入下一個 epoch；呼叫端持有 g.mu
// joiners 中的葉節點收到 Welcome，其餘成員收到以葉節點公鑰封裝的 commit secret
func (m *Manager) advance(g *groupEntry, reason CommitReason, joiners map[uint32]bool, now time.Time) (*Commit, error) {
	op := "update_mls_epoch"
	commitSecret, err := encryption.RandomBytes(encryption.KeySize)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	defer encryption.Zero(commitSecret)

	var number uint64
	var prevInit []byte
	if g.current != nil {
		number = g.current.number + 1
		prevInit = g.current.secrets.initSecret
	}
	secrets, err := deriveEpoch(commitSecret, prevInit)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}

	next := &epochState{
		number:    number,
		id:        uuid.NewString(),
		secrets:   secrets,
		members:   make(map[uint32]string, len(g.members)),
		createdAt: now,
	}
	commit := &Commit{
		GroupID: g.id,
		Epoch:   number,
		EpochID: next.id,
		Reason:  reason,
		Secrets: make(map[uint32][]byte),
		Welcome: make(map[uint32][]byte),
	}
	for _, mem := range g.members {
		next.members[mem.LeafIndex] = mem.UserID
		welcome := g.current == nil || joiners[mem.LeafIndex]
		secret := commitSecret
		if welcome {
			secret = secrets.epochSecret
		}
		sealed, err := sealToLeaf(mem.LeafKey, secret, sealAD(g.id, number, mem.LeafIndex, welcome))
		if err != nil {
			secrets.wipe()
			return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
		}
		if welcome {
			commit.Welcome[mem.LeafIndex] = sealed
		} else {
			commit.Secrets[mem.LeafIndex] = sealed
		}
	}
	commit.Members = g.memberList()

	if g.current != nil {
		g.current.retiredAt = now
		g.retained = append(g.retained, g.current)
	}
	g.current = next
	g.lastEpochChange = now
	g.lastCommit = commit
	return commit, nil
}

// lowestFreeLeaf 最小的未被現任成員佔用的葉節點索引
func (g *groupEntry) lowestFreeLeaf() uint32 {
	used := make(map[uint32]bool, len(g.members))
	for _, mem := range g.members {
		used[mem.LeafIndex] = true
	}
	var i uint32
	for used[i] {
		i++
	}
	return i
}

func (g *groupEntry) memberList() []MemberInfo {
	out := make([]MemberInfo, 0, len(g.members))
	for _, mem := range g.members {
		info := mem.MemberInfo
		info.IdentityKey = encryption.Clone(mem.IdentityKey)
		info.LeafKey = encryption.Clone(mem.LeafKey)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out
}

func (g *groupEntry) info() *GroupInfo {
	info := &GroupInfo{
		ID:              g.id,
		Name:            g.name,
		Members:         g.memberList(),
		CreatedAt:       g.createdAt,
		LastEpochChange: g.lastEpochChange,
		IsActive:        g.active,
	}
	if g.current != nil {
		info.Epoch = g.current.number
		info.EpochID = g.current.id
	}
	for _, e := range g.retained {
		info.RetainedEpochs = append(info.RetainedEpochs, e.number)
	}
	return info
}

// AddGroupMember 加入成員並進入新的 epoch；新成員無法推導先前 epoch 的密鑰
func (m *Manager) AddGroupMember(ctx context.Context, groupID, userID, deviceID string) (*Commit, error) {
	const op = "add_group_member"
	g, err := m.get(op, groupID)
	if err != nil {
		return nil, err
	}
	d, err := m.resolveDevice(op, userID, deviceID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return nil, cryptoerr.New(op, cryptoerr.ErrGroupNotFound, "%s is inactive", groupID)
	}
	if _, ok := g.members[userID]; ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "%s is already a member", userID)
	}
	if len(g.members) >= m.maxMembers {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "group is full (%d members)", m.maxMembers)
	}

	now := m.clock()
	mem, err := newMember(d, g.lowestFreeLeaf(), now)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	g.members[userID] = mem
	commit, err := m.advance(g, ReasonAdd, map[uint32]bool{mem.LeafIndex: true}, now)
	if err != nil {
		delete(g.members, userID)
		mem.leaf.Wipe()
		return nil, err
	}

	logger.Info(ctx, "群組成員已加入",
		logger.WithGroupID(groupID),
		logger.WithUserID(userID),
		logger.WithAction(op),
		logger.WithDetails(map[string]interface{}{"epoch": commit.Epoch, "leaf_index": mem.LeafIndex}))
	return commit, nil
}

// RemoveGroupMember 移除成員並進入新的 epoch；被移除者不會收到新的秘密
func (m *Manager) RemoveGroupMember(ctx context.Context, groupID, userID string) (*Commit, error) {
	const op = "remove_group_member"
	g, err := m.get(op, groupID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return nil, cryptoerr.New(op, cryptoerr.ErrGroupNotFound, "%s is inactive", groupID)
	}
	mem, ok := g.members[userID]
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "%s is not a member", userID)
	}
	delete(g.members, userID)

	commit, err := m.advance(g, ReasonRemove, nil, m.clock())
	if err != nil {
		g.members[userID] = mem
		return nil, err
	}
	mem.leaf.Wipe()
	if len(g.members) == 0 {
		g.active = false
	}

	logger.Info(ctx, "群組成員已移除",
		logger.WithGroupID(groupID),
		logger.WithUserID(userID),
		logger.WithAction(op),
		logger.WithDetails(map[string]interface{}{"epoch": commit.Epoch}))
	return commit, nil
}

// RotateGroupKeys 不變更成員的情況下更新群組密鑰
func (m *Manager) RotateGroupKeys(ctx context.Context, groupID string) (*Commit, error) {
	const op = "rotate_group_keys"
	g, err := m.get(op, groupID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return nil, cryptoerr.New(op, cryptoerr.ErrGroupNotFound, "%s is inactive", groupID)
	}
	return m.advance(g, ReasonRotate, nil, m.clock())
}

// RotateDueGroups 輪換超過 rekey 週期的群組，回傳輪換數量
func (m *Manager) RotateDueGroups(ctx context.Context, now time.Time) (int, error) {
	rotated := 0
	for _, g := range m.snapshot() {
		g.mu.Lock()
		due := g.active && !now.Before(g.lastEpochChange.Add(m.rekey))
		var err error
		if due {
			_, err = m.advance(g, ReasonRotate, nil, now)
		}
		g.mu.Unlock()
		if err != nil {
			return rotated, err
		}
		if due {
			rotated++
		}
	}
	if rotated > 0 {
		logger.Info(ctx, "群組排程重新金鑰",
			logger.WithAction("rotate_group_keys"),
			logger.WithDetails(map[string]interface{}{"groups": rotated}))
	}
	return rotated, nil
}

// EncryptGroupMessage 以目前 epoch 的群組密鑰加密
func (m *Manager) EncryptGroupMessage(ctx context.Context, groupID, senderID string, plaintext []byte) (*GroupMessage, error) {
	const op = "encrypt_group_message"
	if len(plaintext) > constants.MaxPlaintextSize {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "plaintext exceeds %d bytes", constants.MaxPlaintextSize)
	}
	g, err := m.get(op, groupID)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.active {
		return nil, cryptoerr.New(op, cryptoerr.ErrGroupNotFound, "%s is inactive", groupID)
	}
	mem, ok := g.members[senderID]
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "%s is not a member of %s", senderID, groupID)
	}
	ct, err := sealGroupMessage(g.current.secrets.groupKey, groupID, g.current.number, mem.LeafIndex, plaintext)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	return &GroupMessage{
		GroupID:        groupID,
		Epoch:          g.current.number,
		SenderUserID:   senderID,
		SenderDeviceID: mem.DeviceID,
		SenderLeaf:     mem.LeafIndex,
		Ciphertext:     ct,
	}, nil
}

// DecryptGroupMessage 使用訊息所屬 epoch 的密鑰解密
// 上一個 epoch 在寬限期內仍可解密；成員資格以該 epoch 的名單為準
func (m *Manager) DecryptGroupMessage(ctx context.Context, groupID, recipientID string, msg *GroupMessage) ([]byte, error) {
	const op = "decrypt_group_message"
	if msg == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "message is nil")
	}
	if msg.GroupID != groupID {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "message belongs to group %s", msg.GroupID)
	}
	g, err := m.get(op, groupID)
	if err != nil {
		return nil, err
	}
	now := m.clock()

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrGroupNotFound, "%s has no key material", groupID)
	}
	epoch, err := m.epochFor(g, msg.Epoch, now)
	if err != nil {
		return nil, err
	}
	if epoch.members[msg.SenderLeaf] != msg.SenderUserID {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "sender %s does not hold leaf %d in epoch %d", msg.SenderUserID, msg.SenderLeaf, msg.Epoch)
	}
	if !epoch.hasMember(recipientID) {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "%s is not a member of epoch %d", recipientID, msg.Epoch)
	}

	pt, err := OpenGroupMessage(epoch.secrets.groupKey, msg)
	if err != nil {
		logger.Warning(ctx, "群組訊息被拒絕",
			logger.WithGroupID(groupID),
			logger.WithUserID(recipientID),
			logger.WithAction(op),
			logger.WithDetails(map[string]interface{}{"epoch": msg.Epoch, "sender_leaf": msg.SenderLeaf}))
		return nil, err
	}
	return pt, nil
}

func (m *Manager) epochFor(g *groupEntry, number uint64, now time.Time) (*epochState, error) {
	const op = "decrypt_group_message"
	if number == g.current.number {
		return g.current, nil
	}
	if number > g.current.number {
		return nil, cryptoerr.New(op, cryptoerr.ErrEpochMismatch, "epoch %d is ahead of %d", number, g.current.number)
	}
	for _, e := range g.retained {
		if e.number == number && now.Before(e.retiredAt.Add(m.grace)) {
			return e, nil
		}
	}
	return nil, cryptoerr.New(op, cryptoerr.ErrEpochMismatch, "epoch %d is no longer retained (current %d)", number, g.current.number)
}

// PruneExpiredEpochs 清除超過寬限期的舊 epoch 密鑰，回傳清除數量
func (m *Manager) PruneExpiredEpochs(now time.Time) int {
	pruned := 0
	for _, g := range m.snapshot() {
		g.mu.Lock()
		kept := g.retained[:0]
		for _, e := range g.retained {
			if now.Before(e.retiredAt.Add(m.grace)) {
				kept = append(kept, e)
				continue
			}
			e.secrets.wipe()
			pruned++
		}
		for i := len(kept); i < len(g.retained); i++ {
			g.retained[i] = nil
		}
		g.retained = kept
		g.mu.Unlock()
	}
	return pruned
}

// MemberEpochKey 成員在目前 epoch 的群組密鑰副本
func (m *Manager) MemberEpochKey(groupID, userID string) ([]byte, uint64, error) {
	const op = "member_epoch_key"
	g, err := m.get(op, groupID)
	if err != nil {
		return nil, 0, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.members[userID]; !ok || g.current == nil {
		return nil, 0, cryptoerr.New(op, cryptoerr.ErrValidation, "%s is not a member of %s", userID, groupID)
	}
	return encryption.Clone(g.current.secrets.groupKey), g.current.number, nil
}

// LeafKeyPair 成員設備的葉節點密鑰對
func (m *Manager) LeafKeyPair(groupID, userID string) (*encryption.KeyPair, uint32, error) {
	const op = "leaf_key_pair"
	g, err := m.get(op, groupID)
	if err != nil {
		return nil, 0, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	mem, ok := g.members[userID]
	if !ok {
		return nil, 0, cryptoerr.New(op, cryptoerr.ErrValidation, "%s is not a member of %s", userID, groupID)
	}
	return &encryption.KeyPair{
		PrivateKey: encryption.Clone(mem.leaf.PrivateKey),
		PublicKey:  encryption.Clone(mem.leaf.PublicKey),
	}, mem.LeafIndex, nil
}

// GetCommit 目前 epoch 的 commit
func (m *Manager) GetCommit(groupID string) (*Commit, error) {
	g, err := m.get("get_commit", groupID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastCommit, nil
}

// GetGroup 群組公開資訊
func (m *Manager) GetGroup(groupID string) (*GroupInfo, error) {
	g, err := m.get("get_group", groupID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.info(), nil
}

// ListGroups 所有群組，依建立時間排序
func (m *Manager) ListGroups() []*GroupInfo {
	var out []*GroupInfo
	for _, g := range m.snapshot() {
		g.mu.RLock()
		out = append(out, g.info())
		g.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GroupsForUser 用戶目前所屬的群組 ID
func (m *Manager) GroupsForUser(userID string) []string {
	var out []string
	for _, g := range m.snapshot() {
		g.mu.RLock()
		if _, ok := g.members[userID]; ok && g.active {
			out = append(out, g.id)
		}
		g.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Stats 群組統計
func (m *Manager) Stats() Stats {
	var st Stats
	for _, g := range m.snapshot() {
		g.mu.RLock()
		st.Groups++
		if g.active {
			st.ActiveGroups++
		}
		st.Members += len(g.members)
		st.RetainedEpochs += len(g.retained)
		g.mu.RUnlock()
	}
	return st
}
