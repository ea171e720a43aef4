package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/keymanager"
)

func newDirectory(t *testing.T, prekeys int) *keymanager.KeyManager {
	t.Helper()
	ctx := context.Background()
	km := keymanager.NewKeyManager(keymanager.Policy{MaxOneTimePrekeys: prekeys})
	_, err := km.AddDevice(ctx, "alice", "phone")
	require.NoError(t, err)
	_, err = km.AddDevice(ctx, "bob", "laptop")
	require.NoError(t, err)
	return km
}

// establish 建立 alice -> bob 的會話並在本進程完成握手
func establish(t *testing.T, m *Manager) (aliceSID, bobSID string) {
	t.Helper()
	ctx := context.Background()
	aliceSID, err := m.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)
	bobSID, err = m.AcceptSession(ctx, aliceSID, "bob", "alice")
	require.NoError(t, err)
	return aliceSID, bobSID
}

func roundTrip(t *testing.T, m *Manager, from, to, text string) {
	t.Helper()
	ctx := context.Background()
	msg, err := m.EncryptMessage(ctx, from, []byte(text))
	require.NoError(t, err)
	pt, err := m.DecryptMessage(ctx, to, msg)
	require.NoError(t, err)
	assert.Equal(t, text, string(pt))
}

func TestInitiateAndAcceptSession(t *testing.T) {
	m := NewManager(newDirectory(t, 5), Config{})
	ctx := context.Background()

	aliceSID, err := m.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)
	assert.Equal(t, StateHandshaking, m.GetSessionState(aliceSID))

	bobSID, err := m.AcceptSession(ctx, aliceSID, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, StateActive, m.GetSessionState(aliceSID))
	assert.Equal(t, StateActive, m.GetSessionState(bobSID))

	roundTrip(t, m, aliceSID, bobSID, "hello bob")
	roundTrip(t, m, bobSID, aliceSID, "hello alice")
	roundTrip(t, m, aliceSID, bobSID, "again")

	fpA, err := m.GetSessionFingerprint(aliceSID)
	require.NoError(t, err)
	fpB, err := m.GetSessionFingerprint(bobSID)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)

	same, err := m.CompareFingerprints(bobSID, fpA)
	require.NoError(t, err)
	assert.True(t, same)

	info, err := m.Describe(aliceSID)
	require.NoError(t, err)
	assert.Equal(t, bobSID, info.PeerSessionID)
	assert.Equal(t, RoleInitiator, info.Role)
	assert.Equal(t, uint64(2), info.MessagesSent)
	assert.Equal(t, uint64(1), info.MessagesReceived)
}

func TestAcceptSession_WrongParties(t *testing.T) {
	m := NewManager(newDirectory(t, 5), Config{})
	ctx := context.Background()

	aliceSID, err := m.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)

	_, err = m.AcceptSession(ctx, aliceSID, "mallory", "alice")
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)

	_, err = m.AcceptSession(ctx, "missing", "bob", "alice")
	assert.ErrorIs(t, err, cryptoerr.ErrUnknownSession)
}

func TestRemoteHandshake(t *testing.T) {
	ctx := context.Background()
	km := newDirectory(t, 5)
	aliceSide := NewManager(km, Config{})
	bobSide := NewManager(km, Config{})

	aliceSID, err := aliceSide.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)

	first, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("first"))
	require.NoError(t, err)
	require.NotNil(t, first.Handshake)
	second, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("second"))
	require.NoError(t, err)
	require.NotNil(t, second.Handshake)

	// 經過傳輸層信封
	wire := encryption.MarshalEnvelope(first.ToEnvelope())
	env, err := encryption.UnmarshalEnvelope(wire)
	require.NoError(t, err)
	received, err := MessageFromEnvelope(env)
	require.NoError(t, err)

	bobSID, err := bobSide.AcceptHandshake(ctx, "bob", "laptop", received.SessionID, received.Handshake)
	require.NoError(t, err)
	again, err := bobSide.AcceptHandshake(ctx, "bob", "laptop", received.SessionID, received.Handshake)
	require.NoError(t, err)
	assert.Equal(t, bobSID, again)

	pt, err := bobSide.DecryptMessage(ctx, bobSID, received)
	require.NoError(t, err)
	assert.Equal(t, "first", string(pt))
	pt, err = bobSide.DecryptMessage(ctx, bobSID, second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(pt))

	reply, err := bobSide.EncryptMessage(ctx, bobSID, []byte("reply"))
	require.NoError(t, err)
	assert.Nil(t, reply.Handshake)
	assert.Equal(t, StateHandshaking, aliceSide.GetSessionState(aliceSID))

	pt, err = aliceSide.DecryptMessage(ctx, aliceSID, reply)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(pt))
	assert.Equal(t, StateActive, aliceSide.GetSessionState(aliceSID))

	next, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("acknowledged"))
	require.NoError(t, err)
	assert.Nil(t, next.Handshake)
}

func TestHandshake_ForgedIdentityRejected(t *testing.T) {
	ctx := context.Background()
	km := newDirectory(t, 5)
	aliceSide := NewManager(km, Config{})
	bobSide := NewManager(km, Config{})

	aliceSID, err := aliceSide.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)
	msg, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("x"))
	require.NoError(t, err)

	forged, err := encryption.GenerateX25519KeyPair()
	require.NoError(t, err)
	msg.Handshake.IdentityKey = forged.PublicKey

	_, err = bobSide.AcceptHandshake(ctx, "bob", "laptop", msg.SessionID, msg.Handshake)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestDecrypt_OutOfOrderReplayAndTamper(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, bobSID := establish(t, m)

	var msgs []*EncryptedMessage
	for _, text := range []string{"zero", "one", "two"} {
		msg, err := m.EncryptMessage(ctx, aliceSID, []byte(text))
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	tampered := *msgs[2]
	tampered.Ciphertext = encryption.Clone(msgs[2].Ciphertext)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0xff
	_, err := m.DecryptMessage(ctx, bobSID, &tampered)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)
	assert.Equal(t, cryptoerr.UserStateReverify, cryptoerr.UserState(err))

	for _, i := range []int{2, 0, 1} {
		pt, err := m.DecryptMessage(ctx, bobSID, msgs[i])
		require.NoError(t, err)
		assert.Equal(t, []string{"zero", "one", "two"}[i], string(pt))
	}

	_, err = m.DecryptMessage(ctx, bobSID, msgs[0])
	assert.ErrorIs(t, err, cryptoerr.ErrReplay)

	info, err := m.Describe(bobSID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.MessagesReceived)
}

func TestDecrypt_WrongSender(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, bobSID := establish(t, m)

	msg, err := m.EncryptMessage(ctx, aliceSID, []byte("hi"))
	require.NoError(t, err)
	msg.SenderUserID = "mallory"
	_, err = m.DecryptMessage(ctx, bobSID, msg)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestEncrypt_PlaintextTooLarge(t *testing.T) {
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, _ := establish(t, m)

	_, err := m.EncryptMessage(context.Background(), aliceSID, make([]byte, 64*1024+1))
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestCompromiseAndRecover(t *testing.T) {
	ctx := context.Background()
	km := newDirectory(t, 5)
	m := NewManager(km, Config{})
	aliceSID, bobSID := establish(t, m)
	roundTrip(t, m, aliceSID, bobSID, "before")

	fp, err := m.GetSessionFingerprint(aliceSID)
	require.NoError(t, err)

	require.NoError(t, m.MarkSessionCompromised(ctx, aliceSID, "device stolen"))
	assert.Equal(t, StateCompromised, m.GetSessionState(aliceSID))

	_, err = m.EncryptMessage(ctx, aliceSID, []byte("blocked"))
	assert.ErrorIs(t, err, cryptoerr.ErrSessionCompromised)
	assert.ErrorIs(t, m.RotateSessionKeys(ctx, aliceSID), cryptoerr.ErrSessionCompromised)

	// 接收仍然允許
	roundTrip(t, m, bobSID, aliceSID, "still readable")

	before := len(km.GetOneTimePrekeys("bob", "laptop"))
	require.NoError(t, m.RecoverFromCompromise(ctx, aliceSID))
	assert.Equal(t, StateActive, m.GetSessionState(aliceSID))
	assert.Equal(t, StateActive, m.GetSessionState(bobSID))
	assert.Len(t, km.GetOneTimePrekeys("bob", "laptop"), before-1)

	roundTrip(t, m, aliceSID, bobSID, "after recovery")
	roundTrip(t, m, bobSID, aliceSID, "reply after recovery")

	after, err := m.GetSessionFingerprint(aliceSID)
	require.NoError(t, err)
	assert.Equal(t, fp, after)

	err = m.RecoverFromCompromise(ctx, aliceSID)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestMarkDeviceSessionsCompromised(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, bobSID := establish(t, m)

	marked := m.MarkDeviceSessionsCompromised(ctx, "bob", "laptop", "identity rotated")
	assert.ElementsMatch(t, []string{aliceSID, bobSID}, marked)
	assert.Equal(t, 2, m.Stats().Compromised)
}

func TestRotateSessionKeys(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, bobSID := establish(t, m)
	roundTrip(t, m, aliceSID, bobSID, "one")

	// 回應者也可以主動輪換，雙方角色互換
	require.NoError(t, m.RotateSessionKeys(ctx, bobSID))
	info, err := m.Describe(bobSID)
	require.NoError(t, err)
	assert.Equal(t, RoleInitiator, info.Role)
	assert.Equal(t, StateActive, info.State)

	roundTrip(t, m, bobSID, aliceSID, "two")
	roundTrip(t, m, aliceSID, bobSID, "three")

	ok, err := m.VerifySessionIntegrity(aliceSID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRotateSessionKeys_RemotePeer(t *testing.T) {
	ctx := context.Background()
	km := newDirectory(t, 5)
	aliceSide := NewManager(km, Config{})
	bobSide := NewManager(km, Config{})

	aliceSID, err := aliceSide.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)
	msg, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("hello"))
	require.NoError(t, err)
	bobSID, err := bobSide.AcceptHandshake(ctx, "bob", "laptop", msg.SessionID, msg.Handshake)
	require.NoError(t, err)
	_, err = bobSide.DecryptMessage(ctx, bobSID, msg)
	require.NoError(t, err)

	require.NoError(t, aliceSide.RotateSessionKeys(ctx, aliceSID))
	assert.Equal(t, StateHandshaking, aliceSide.GetSessionState(aliceSID))

	rotated, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("new keys"))
	require.NoError(t, err)
	require.NotNil(t, rotated.Handshake)

	pt, err := bobSide.DecryptMessage(ctx, bobSID, rotated)
	require.NoError(t, err)
	assert.Equal(t, "new keys", string(pt))
}

// remotePair 在兩個管理器之間建立 alice -> bob 的會話並確認握手
func remotePair(t *testing.T, km *keymanager.KeyManager) (aliceSide, bobSide *Manager, aliceSID, bobSID string) {
	t.Helper()
	ctx := context.Background()
	aliceSide, bobSide = NewManager(km, Config{}), NewManager(km, Config{})

	aliceSID, err := aliceSide.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)
	msg, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("hello"))
	require.NoError(t, err)
	bobSID, err = bobSide.AcceptHandshake(ctx, "bob", "laptop", msg.SessionID, msg.Handshake)
	require.NoError(t, err)
	_, err = bobSide.DecryptMessage(ctx, bobSID, msg)
	require.NoError(t, err)

	reply, err := bobSide.EncryptMessage(ctx, bobSID, []byte("ack"))
	require.NoError(t, err)
	_, err = aliceSide.DecryptMessage(ctx, aliceSID, reply)
	require.NoError(t, err)
	return aliceSide, bobSide, aliceSID, bobSID
}

func TestDecrypt_HandshakeFromOtherUserRejected(t *testing.T) {
	ctx := context.Background()
	km := newDirectory(t, 5)
	_, err := km.AddDevice(ctx, "mallory", "tablet")
	require.NoError(t, err)
	aliceSide, bobSide, aliceSID, bobSID := remotePair(t, km)

	// mallory 對 bob 做一次合法的 X3DH，再把訊息投進 alice 與 bob 的會話
	malSide := NewManager(km, Config{})
	malSID, err := malSide.InitiateSession(ctx, "mallory", "bob", "laptop")
	require.NoError(t, err)
	forged, err := malSide.EncryptMessage(ctx, malSID, []byte("send money to mallory"))
	require.NoError(t, err)
	forged.SenderUserID = "alice"

	_, err = bobSide.DecryptMessage(ctx, bobSID, forged)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	_, err = bobSide.AcceptHandshake(ctx, "bob", "laptop", aliceSID, forged.Handshake)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)

	// 握手聲稱來自 alice 但身份金鑰是 mallory 的
	forged.Handshake.SenderUserID, forged.Handshake.SenderDeviceID = "alice", "phone"
	_, err = bobSide.DecryptMessage(ctx, bobSID, forged)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)

	info, err := bobSide.Describe(bobSID)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.PeerUserID)

	genuine, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("still alice"))
	require.NoError(t, err)
	pt, err := bobSide.DecryptMessage(ctx, bobSID, genuine)
	require.NoError(t, err)
	assert.Equal(t, "still alice", string(pt))
}

func TestDecrypt_TamperedRekeyLeavesSessionUsable(t *testing.T) {
	ctx := context.Background()
	km := newDirectory(t, 5)
	aliceSide, bobSide, aliceSID, bobSID := remotePair(t, km)

	inFlight, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("before rotation"))
	require.NoError(t, err)

	require.NoError(t, aliceSide.RotateSessionKeys(ctx, aliceSID))
	rotated, err := aliceSide.EncryptMessage(ctx, aliceSID, []byte("after rotation"))
	require.NoError(t, err)
	require.NotNil(t, rotated.Handshake)
	require.NotNil(t, rotated.Handshake.OneTimePrekeyID)

	tampered := *rotated
	tampered.Ciphertext = encryption.Clone(rotated.Ciphertext)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0xff
	_, err = bobSide.DecryptMessage(ctx, bobSID, &tampered)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)

	// 失敗的重新握手不動原本的棘輪，也不取走一次性預密鑰
	_, err = km.OneTimePrekeyPair("bob", "laptop", *rotated.Handshake.OneTimePrekeyID)
	require.NoError(t, err)
	pt, err := bobSide.DecryptMessage(ctx, bobSID, inFlight)
	require.NoError(t, err)
	assert.Equal(t, "before rotation", string(pt))

	pt, err = bobSide.DecryptMessage(ctx, bobSID, rotated)
	require.NoError(t, err)
	assert.Equal(t, "after rotation", string(pt))
	_, err = km.OneTimePrekeyPair("bob", "laptop", *rotated.Handshake.OneTimePrekeyID)
	assert.ErrorIs(t, err, cryptoerr.ErrReplay)

	reply, err := bobSide.EncryptMessage(ctx, bobSID, []byte("reply"))
	require.NoError(t, err)
	pt, err = aliceSide.DecryptMessage(ctx, aliceSID, reply)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(pt))
}

func TestSessionLifecycleLogs(t *testing.T) {
	var out bytes.Buffer
	prev := logger.SetOutput(&out)
	t.Cleanup(func() { logger.SetOutput(prev) })

	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, bobSID := establish(t, m)
	require.NoError(t, m.RotateSessionKeys(ctx, aliceSID))
	require.NoError(t, m.MarkSessionCompromised(ctx, bobSID, "test"))

	for _, want := range []string{"會話已發起", "會話已接受", "會話密鑰已重新建立", "會話標記為已洩漏"} {
		assert.Contains(t, out.String(), want)
	}
	assert.NotContains(t, out.String(), "session initiated")
}

func TestCloseSessions(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, bobSID := establish(t, m)
	assert.Equal(t, []string{aliceSID}, m.GetActiveSessions("alice"))

	require.NoError(t, m.CloseSession(ctx, aliceSID))
	assert.Equal(t, StateClosed, m.GetSessionState(aliceSID))
	_, err := m.EncryptMessage(ctx, aliceSID, []byte("x"))
	assert.ErrorIs(t, err, cryptoerr.ErrUnknownSession)
	assert.ErrorIs(t, m.RotateSessionKeys(ctx, aliceSID), cryptoerr.ErrUnknownSession)
	assert.Empty(t, m.GetActiveSessions("alice"))

	assert.Equal(t, 1, m.CloseAllSessions(ctx, "bob"))
	assert.Equal(t, StateClosed, m.GetSessionState(bobSID))
	assert.Equal(t, StateUninitialized, m.GetSessionState("missing"))

	ok, err := m.VerifySessionIntegrity(bobSID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupOldSessions(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	establish(t, m)
	assert.Equal(t, 2, m.Count())

	assert.Equal(t, 0, m.CleanupOldSessions(ctx, time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, m.CleanupOldSessions(ctx, time.Hour))
	assert.Equal(t, 0, m.Count())
}

func TestInitiate_OneTimePrekeysExhausted(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 1), Config{})

	first, _ := establish(t, m)
	roundTrip(t, m, first, m.mustPeer(t, first), "with opk")

	second, err := m.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)
	msg, err := m.EncryptMessage(ctx, second, []byte("without opk"))
	require.NoError(t, err)
	assert.Nil(t, msg.Handshake.OneTimePrekeyID)

	bobSID, err := m.AcceptSession(ctx, second, "bob", "alice")
	require.NoError(t, err)
	pt, err := m.DecryptMessage(ctx, bobSID, msg)
	require.NoError(t, err)
	assert.Equal(t, "without opk", string(pt))
}

func TestInitiate_StaleBundle(t *testing.T) {
	km := newDirectory(t, 5)
	km.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	m := NewManager(km, Config{})

	_, err := m.InitiateSession(context.Background(), "alice", "bob", "laptop")
	assert.ErrorIs(t, err, cryptoerr.ErrStaleBundle)
	assert.Equal(t, cryptoerr.UserStateRetry, cryptoerr.UserState(err))
}

func TestInitiate_UnknownSender(t *testing.T) {
	m := NewManager(newDirectory(t, 5), Config{})
	_, err := m.InitiateSession(context.Background(), "carol", "bob", "laptop")
	assert.ErrorIs(t, err, cryptoerr.ErrUnknownDevice)
}

func TestExportImportSession(t *testing.T) {
	ctx := context.Background()
	km := newDirectory(t, 5)
	m := NewManager(km, Config{})
	aliceSID, bobSID := establish(t, m)

	var pending []*EncryptedMessage
	for _, text := range []string{"b0", "b1"} {
		msg, err := m.EncryptMessage(ctx, bobSID, []byte(text))
		require.NoError(t, err)
		pending = append(pending, msg)
	}
	_, err := m.DecryptMessage(ctx, aliceSID, pending[1])
	require.NoError(t, err)

	data, err := m.ExportSessionInfo(aliceSID)
	require.NoError(t, err)

	restored := NewManager(km, Config{})
	id, err := restored.ImportSessionInfo(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, aliceSID, id)
	assert.Equal(t, StateActive, restored.GetSessionState(id))

	// 匯入的暫存密鑰仍可解密先前跳過的訊息
	pt, err := restored.DecryptMessage(ctx, id, pending[0])
	require.NoError(t, err)
	assert.Equal(t, "b0", string(pt))

	msg, err := restored.EncryptMessage(ctx, id, []byte("from restored"))
	require.NoError(t, err)
	pt, err = m.DecryptMessage(ctx, bobSID, msg)
	require.NoError(t, err)
	assert.Equal(t, "from restored", string(pt))

	_, err = restored.ImportSessionInfo(ctx, []byte("{"))
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, 5), Config{})
	aliceSID, _ := establish(t, m)
	_, err := m.InitiateSession(ctx, "alice", "bob", "laptop")
	require.NoError(t, err)
	require.NoError(t, m.MarkSessionCompromised(ctx, aliceSID, "test"))

	st := m.Stats()
	assert.Equal(t, Stats{Total: 3, Handshaking: 1, Active: 1, Compromised: 1}, st)
}

func (m *Manager) mustPeer(t *testing.T, sessionID string) string {
	t.Helper()
	info, err := m.Describe(sessionID)
	require.NoError(t, err)
	return info.PeerSessionID
}
