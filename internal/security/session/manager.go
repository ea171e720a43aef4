package session

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/keymanager"
)

// KeyDirectory 會話管理器需要的密鑰查詢能力
type KeyDirectory interface {
	PrimaryDevice(userID string) (string, error)
	DeviceIdentity(userID, deviceID string) (encryption.CryptoKey, error)
	GetKeyBundle(ctx context.Context, userID, deviceID string) (*keymanager.KeyBundle, error)
	ConsumeOneTimePrekey(ctx context.Context, userID, deviceID string) (*keymanager.OneTimePrekey, error)
	IdentityKeyPair(userID, deviceID string) (*encryption.KeyPair, error)
	SignedPrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error)
	OneTimePrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error)
	TakeOneTimePrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error)
}

// Config 會話管理器配置
type Config struct {
	MaxSkippedMessageKeys int
}

// Manager X3DH + Double Ratchet 會話管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	links    map[string]string // 對端會話 ID -> 本地會話 ID

	dir     KeyDirectory
	maxSkip int
	now     func() time.Time
}

// Session 單一端點的會話狀態
// 鎖順序：持有 Session.mu 時可以取得 Manager.mu，反之不行
type Session struct {
	mu sync.Mutex

	id            string
	peerSessionID string
	ownerUserID   string
	ownerDeviceID string
	peerUserID    string
	peerDeviceID  string
	state         State
	role          Role
	createdAt     time.Time
	lastUsed      time.Time
	sent          uint64
	received      uint64

	ownerIdentity []byte
	peerIdentity  []byte
	ad            []byte
	ratchet       *ratchetState
	handshake     *Handshake // 初始者尚未被確認的握手
	acceptedEK    []byte     // 回應者已接受的握手臨時公鑰
}

// NewManager 創建會話管理器
func NewManager(dir KeyDirectory, cfg Config) *Manager {
	if cfg.MaxSkippedMessageKeys <= 0 {
		cfg.MaxSkippedMessageKeys = constants.DefaultMaxSkippedMessageKeys
	}
	return &Manager{
		sessions: make(map[string]*Session),
		links:    make(map[string]string),
		dir:      dir,
		maxSkip:  cfg.MaxSkippedMessageKeys,
		now:      time.Now,
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

// get 查詢會話；不存在時回傳 ErrUnknownSession
func (m *Manager) get(op, sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s", sessionID)
	}
	return s, nil
}

func (m *Manager) link(peerSessionID, localSessionID string) {
	if peerSessionID == "" {
		return
	}
	m.mu.Lock()
	m.links[peerSessionID] = localSessionID
	m.mu.Unlock()
}

// initiatorKeys 初始者握手結果
type initiatorKeys struct {
	ratchet       *ratchetState
	handshake     *Handshake
	ownerIdentity []byte
	peerIdentity  []byte
}

// startHandshake 取得對方密鑰包並執行 X3DH
func (m *Manager) startHandshake(ctx context.Context, op, ownerUser, ownerDevice, peerUser, peerDevice string) (*initiatorKeys, error) {
	bundle, err := m.dir.GetKeyBundle(ctx, peerUser, peerDevice)
	if err != nil {
		return nil, err
	}
	if !keymanager.VerifySignedPrekeySignature(bundle) {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "bundle signature for %s/%s does not verify", peerUser, peerDevice)
	}

	identity, err := m.dir.IdentityKeyPair(ownerUser, ownerDevice)
	if err != nil {
		return nil, err
	}
	defer identity.Wipe()

	opk, err := m.dir.ConsumeOneTimePrekey(ctx, peerUser, peerDevice)
	if err != nil {
		return nil, err
	}
	var opkMaterial []byte
	var opkID *string
	if opk != nil {
		opkMaterial = opk.Key.Material
		id := opk.ID
		opkID = &id
	} else {
		logger.Warning(ctx, "一次性預密鑰已用盡，改以三組 DH 完成握手",
			logger.WithUserID(peerUser),
			logger.WithDeviceID(peerDevice),
			logger.WithAction(op))
	}

	ephemeral, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	defer ephemeral.Wipe()

	sk, err := initiatorSecret(identity, ephemeral, bundle.IdentityKey.Material, bundle.SignedPrekey.Material, opkMaterial)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	defer encryption.Zero(sk)

	rs, err := newInitiatorRatchet(sk, ephemeral, bundle.SignedPrekey.Material, m.maxSkip)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}

	return &initiatorKeys{
		ratchet: rs,
		handshake: &Handshake{
			SenderUserID:    ownerUser,
			SenderDeviceID:  ownerDevice,
			IdentityKey:     encryption.Clone(identity.PublicKey),
			EphemeralKey:    encryption.Clone(ephemeral.PublicKey),
			SignedPrekeyID:  bundle.SignedPrekeyID,
			OneTimePrekeyID: opkID,
		},
		ownerIdentity: encryption.Clone(identity.PublicKey),
		peerIdentity:  encryption.Clone(bundle.IdentityKey.Material),
	}, nil
}

// responderKeys 回應者推導出的候選狀態，提交前不影響任何既有狀態
type responderKeys struct {
	ratchet       *ratchetState
	ownerIdentity []byte
	opkID         *string
}

// deriveResponder 回應者以自己的私鑰完成 X3DH；一次性預密鑰只讀取不取走
func (m *Manager) deriveResponder(op, ownerUser, ownerDevice string, hs *Handshake) (*responderKeys, error) {
	if err := hs.validate(op); err != nil {
		return nil, err
	}
	if known, err := m.dir.DeviceIdentity(hs.SenderUserID, hs.SenderDeviceID); err == nil {
		if !bytes.Equal(known.Material, hs.IdentityKey) {
			return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "handshake identity does not match registered key for %s/%s", hs.SenderUserID, hs.SenderDeviceID)
		}
	}

	identity, err := m.dir.IdentityKeyPair(ownerUser, ownerDevice)
	if err != nil {
		return nil, err
	}
	defer identity.Wipe()

	spk, err := m.dir.SignedPrekeyPair(ownerUser, ownerDevice, hs.SignedPrekeyID)
	if err != nil {
		return nil, err
	}
	defer spk.Wipe()

	var opk *encryption.KeyPair
	if hs.OneTimePrekeyID != nil {
		opk, err = m.dir.OneTimePrekeyPair(ownerUser, ownerDevice, *hs.OneTimePrekeyID)
		if err != nil {
			return nil, err
		}
		defer opk.Wipe()
	}

	sk, err := responderSecret(identity, spk, opk, hs.IdentityKey, hs.EphemeralKey)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	defer encryption.Zero(sk)

	rs, err := newResponderRatchet(sk, spk, hs.EphemeralKey, m.maxSkip)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	return &responderKeys{ratchet: rs, ownerIdentity: encryption.Clone(identity.PublicKey), opkID: hs.OneTimePrekeyID}, nil
}

// claimPrekey 取走握手用到的一次性預密鑰；已被取走時視為重放
func (m *Manager) claimPrekey(ownerUser, ownerDevice string, keys *responderKeys) error {
	if keys.opkID == nil {
		return nil
	}
	kp, err := m.dir.TakeOneTimePrekeyPair(ownerUser, ownerDevice, *keys.opkID)
	if err != nil {
		return err
	}
	kp.Wipe()
	return nil
}

// completeHandshake 推導並立即提交回應者狀態
func (m *Manager) completeHandshake(op, ownerUser, ownerDevice string, hs *Handshake) (*responderKeys, error) {
	keys, err := m.deriveResponder(op, ownerUser, ownerDevice, hs)
	if err != nil {
		return nil, err
	}
	if err := m.claimPrekey(ownerUser, ownerDevice, keys); err != nil {
		keys.ratchet.wipe()
		return nil, err
	}
	return keys, nil
}

// checkHandshakePeer 重新握手只能來自會話原本的對端設備
func checkHandshakePeer(op string, s *Session, hs *Handshake) error {
	if hs.SenderUserID != s.peerUserID || hs.SenderDeviceID != s.peerDeviceID {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "handshake from %s/%s does not belong to session %s", hs.SenderUserID, hs.SenderDeviceID, s.id)
	}
	return nil
}

// InitiateSession 發起會話，回傳初始者的會話 ID，狀態為 HANDSHAKING
func (m *Manager) InitiateSession(ctx context.Context, senderID, recipientID, deviceID string) (string, error) {
	const op = "initiate_session"
	if senderID == "" || recipientID == "" || deviceID == "" {
		return "", cryptoerr.New(op, cryptoerr.ErrValidation, "sender, recipient and device are required")
	}
	senderDevice, err := m.dir.PrimaryDevice(senderID)
	if err != nil {
		return "", err
	}

	keys, err := m.startHandshake(ctx, op, senderID, senderDevice, recipientID, deviceID)
	if err != nil {
		return "", err
	}

	now := m.clock()
	s := &Session{
		id:            uuid.NewString(),
		ownerUserID:   senderID,
		ownerDeviceID: senderDevice,
		peerUserID:    recipientID,
		peerDeviceID:  deviceID,
		state:         StateHandshaking,
		role:          RoleInitiator,
		createdAt:     now,
		lastUsed:      now,
		ownerIdentity: keys.ownerIdentity,
		peerIdentity:  keys.peerIdentity,
		ad:            associatedData(keys.ownerIdentity, keys.peerIdentity),
		ratchet:       keys.ratchet,
		handshake:     keys.handshake,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	logger.Info(ctx, "會話已發起",
		logger.WithUserID(senderID),
		logger.WithSessionID(s.id),
		logger.WithAction(op),
		logger.WithDetails(map[string]interface{}{
			"peer_user_id":    recipientID,
			"peer_device_id":  deviceID,
			"one_time_prekey": keys.handshake.OneTimePrekeyID != nil,
		}))
	return s.id, nil
}

// AcceptSession 在本進程完成對方發起的握手，回傳回應者的會話 ID
// 回應者狀態為 ACTIVE，與之連結的初始者也轉為 ACTIVE
func (m *Manager) AcceptSession(ctx context.Context, sessionID, recipientID, senderID string) (string, error) {
	const op = "accept_session"
	init, err := m.get(op, sessionID)
	if err != nil {
		return "", err
	}

	init.mu.Lock()
	switch {
	case init.state == StateClosed:
		init.mu.Unlock()
		return "", cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s is closed", sessionID)
	case init.ownerUserID != senderID || init.peerUserID != recipientID:
		init.mu.Unlock()
		return "", cryptoerr.New(op, cryptoerr.ErrValidation, "session %s is not between %s and %s", sessionID, senderID, recipientID)
	case init.handshake == nil:
		init.mu.Unlock()
		return "", cryptoerr.New(op, cryptoerr.ErrValidation, "session %s has no pending handshake", sessionID)
	}
	hs := init.handshake.clone()
	deviceID := init.peerDeviceID
	init.mu.Unlock()

	responderID, err := m.accept(ctx, op, recipientID, deviceID, sessionID, hs, true)
	if err != nil {
		return "", err
	}

	init.mu.Lock()
	init.peerSessionID = responderID
	if init.handshake != nil && bytes.Equal(init.handshake.EphemeralKey, hs.EphemeralKey) {
		init.handshake = nil
		if init.state == StateHandshaking {
			init.state = StateActive
		}
	}
	init.mu.Unlock()
	m.link(responderID, sessionID)

	logger.Info(ctx, "會話已接受",
		logger.WithUserID(recipientID),
		logger.WithSessionID(responderID),
		logger.WithAction(op))
	return responderID, nil
}

// AcceptHandshake 處理遠端初始者的握手，回傳本地會話 ID
// 同一握手重複送達時回傳既有會話；已建立的會話不會因此重新金鑰，
// 新的握手要隨第一則能通過驗證的訊息才生效
func (m *Manager) AcceptHandshake(ctx context.Context, recipientID, deviceID, peerSessionID string, hs *Handshake) (string, error) {
	if hs == nil {
		return "", cryptoerr.New("accept_handshake", cryptoerr.ErrValidation, "handshake is required")
	}
	return m.accept(ctx, "accept_handshake", recipientID, deviceID, peerSessionID, hs, false)
}

// accept 建立回應者會話；rekey 時以新握手重建已存在的連結會話
func (m *Manager) accept(ctx context.Context, op, recipientID, deviceID, peerSessionID string, hs *Handshake, rekey bool) (string, error) {
	m.mu.RLock()
	existing := m.sessions[m.links[peerSessionID]]
	m.mu.RUnlock()

	if existing != nil {
		existing.mu.Lock()
		closed := existing.state == StateClosed
		same := bytes.Equal(existing.acceptedEK, hs.EphemeralKey)
		peerErr := checkHandshakePeer(op, existing, hs)
		existing.mu.Unlock()
		if !closed {
			switch {
			case peerErr != nil:
				return "", peerErr
			case same || !rekey:
				return existing.id, nil
			}
			return existing.id, m.rekeyAsResponder(ctx, op, existing, peerSessionID, hs)
		}
	}

	keys, err := m.completeHandshake(op, recipientID, deviceID, hs)
	if err != nil {
		return "", err
	}
	now := m.clock()
	s := &Session{
		id:            uuid.NewString(),
		peerSessionID: peerSessionID,
		ownerUserID:   recipientID,
		ownerDeviceID: deviceID,
		peerUserID:    hs.SenderUserID,
		peerDeviceID:  hs.SenderDeviceID,
		state:         StateActive,
		role:          RoleResponder,
		createdAt:     now,
		lastUsed:      now,
		ownerIdentity: keys.ownerIdentity,
		peerIdentity:  encryption.Clone(hs.IdentityKey),
		ad:            associatedData(hs.IdentityKey, keys.ownerIdentity),
		ratchet:       keys.ratchet,
		acceptedEK:    encryption.Clone(hs.EphemeralKey),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	if peerSessionID != "" {
		m.links[peerSessionID] = s.id
	}
	m.mu.Unlock()
	return s.id, nil
}

// rekeyAsResponder 本進程內的對端重新握手（輪換或洩漏恢復）
func (m *Manager) rekeyAsResponder(ctx context.Context, op string, s *Session, peerSessionID string, hs *Handshake) error {
	s.mu.Lock()
	ownerUser, ownerDevice := s.ownerUserID, s.ownerDeviceID
	s.mu.Unlock()

	keys, err := m.completeHandshake(op, ownerUser, ownerDevice, hs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		keys.ratchet.wipe()
		return cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s is closed", s.id)
	}
	s.adoptResponder(keys, hs, peerSessionID)
	s.lastUsed = m.clock()

	logger.Info(ctx, "對端重新握手，會話已重新金鑰",
		logger.WithUserID(ownerUser),
		logger.WithSessionID(s.id),
		logger.WithAction(op))
	return nil
}

// adoptResponder 以回應者身份換上新的棘輪；呼叫者持有 s.mu
func (s *Session) adoptResponder(keys *responderKeys, hs *Handshake, peerSessionID string) {
	s.ratchet.wipe()
	s.ratchet = keys.ratchet
	s.role = RoleResponder
	s.handshake = nil
	s.acceptedEK = encryption.Clone(hs.EphemeralKey)
	s.ownerIdentity = keys.ownerIdentity
	s.peerIdentity = encryption.Clone(hs.IdentityKey)
	s.ad = associatedData(hs.IdentityKey, keys.ownerIdentity)
	if peerSessionID != "" {
		s.peerSessionID = peerSessionID
	}
	s.state = StateActive
}

// EncryptMessage 推進發送鏈並加密，返回前狀態已前進
func (m *Manager) EncryptMessage(ctx context.Context, sessionID string, plaintext []byte) (*EncryptedMessage, error) {
	const op = "encrypt_message"
	if len(plaintext) > constants.MaxPlaintextSize {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "plaintext exceeds %d bytes", constants.MaxPlaintextSize)
	}
	s, err := m.get(op, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompromised:
		return nil, cryptoerr.New(op, cryptoerr.ErrSessionCompromised, "%s", sessionID)
	case StateClosed, StateUninitialized:
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s is %s", sessionID, s.state)
	}

	h, ct, err := s.ratchet.encrypt(s.ad, plaintext)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	s.sent++
	s.lastUsed = m.clock()

	return &EncryptedMessage{
		SessionID:      s.id,
		SenderUserID:   s.ownerUserID,
		SenderDeviceID: s.ownerDeviceID,
		Header:         h,
		Handshake:      s.handshake.clone(),
		Ciphertext:     ct,
	}, nil
}

// DecryptMessage 解密訊息，容忍亂序送達
// 解密在狀態副本上進行，只有成功才提交
func (m *Manager) DecryptMessage(ctx context.Context, sessionID string, msg *EncryptedMessage) ([]byte, error) {
	const op = "decrypt_message"
	if msg == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "message is nil")
	}
	s, err := m.get(op, sessionID)
	if err != nil {
		return nil, err
	}

	// 帶有新握手的訊息先在候選狀態上解密，成功後才取代原本的棘輪
	var candidate *responderKeys
	if msg.Handshake != nil {
		s.mu.Lock()
		fresh := !bytes.Equal(s.acceptedEK, msg.Handshake.EphemeralKey) &&
			(s.handshake == nil || !bytes.Equal(s.handshake.EphemeralKey, msg.Handshake.EphemeralKey))
		peerErr := checkHandshakePeer(op, s, msg.Handshake)
		ownerUser, ownerDevice := s.ownerUserID, s.ownerDeviceID
		s.mu.Unlock()
		if fresh {
			if peerErr != nil {
				return nil, peerErr
			}
			candidate, err = m.deriveResponder(op, ownerUser, ownerDevice, msg.Handshake)
			if err != nil {
				return nil, err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateUninitialized {
		if candidate != nil {
			candidate.ratchet.wipe()
		}
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s is %s", sessionID, s.state)
	}
	if msg.SenderUserID != "" && msg.SenderUserID != s.peerUserID {
		if candidate != nil {
			candidate.ratchet.wipe()
		}
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "sender %s is not the session peer", msg.SenderUserID)
	}

	if candidate != nil && bytes.Equal(s.acceptedEK, msg.Handshake.EphemeralKey) {
		// 同一握手已由並行的訊息提交
		candidate.ratchet.wipe()
		candidate = nil
	}

	work, ad := s.ratchet, s.ad
	if candidate != nil {
		work, ad = candidate.ratchet, associatedData(msg.Handshake.IdentityKey, candidate.ownerIdentity)
	}
	work = work.clone()
	pt, err := work.decrypt(ad, msg.Header, msg.Ciphertext)
	if err == nil && candidate != nil {
		err = m.claimPrekey(s.ownerUserID, s.ownerDeviceID, candidate)
	}
	if candidate != nil {
		candidate.ratchet.wipe()
	}
	if err != nil {
		work.wipe()
		if cryptoerr.Fatal(err) {
			logger.Warning(ctx, "訊息被拒絕",
				logger.WithUserID(s.ownerUserID),
				logger.WithSessionID(s.id),
				logger.WithAction(op),
				logger.WithDetails(map[string]interface{}{"error": err.Error(), "n": msg.Header.N}))
		}
		return nil, err
	}

	if candidate != nil {
		s.adoptResponder(&responderKeys{ratchet: work, ownerIdentity: candidate.ownerIdentity}, msg.Handshake, msg.SessionID)
		s.received++
		s.lastUsed = m.clock()
		if msg.SessionID != "" {
			defer m.link(msg.SessionID, s.id)
		}
		logger.Info(ctx, "對端重新握手，會話已重新金鑰",
			logger.WithUserID(s.ownerUserID),
			logger.WithSessionID(s.id),
			logger.WithAction(op))
		return pt, nil
	}

	s.ratchet.wipe()
	s.ratchet = work
	s.received++
	s.lastUsed = m.clock()
	if s.role == RoleInitiator && s.handshake != nil {
		// 收到對方的回覆即代表握手已被接受
		s.handshake = nil
		if s.state == StateHandshaking {
			s.state = StateActive
		}
	}
	if s.peerSessionID == "" && msg.SessionID != "" {
		s.peerSessionID = msg.SessionID
		defer m.link(msg.SessionID, s.id)
	}
	return pt, nil
}
