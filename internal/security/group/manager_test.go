package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/keymanager"
)

func newDirectory(t *testing.T, users ...string) *keymanager.KeyManager {
	t.Helper()
	km := keymanager.NewKeyManager(keymanager.Policy{MaxOneTimePrekeys: 1})
	for _, u := range users {
		_, err := km.AddDevice(context.Background(), u, "phone")
		require.NoError(t, err)
	}
	return km
}

func memberState(t *testing.T, m *Manager, groupID, userID string) *MemberState {
	t.Helper()
	leaf, idx, err := m.LeafKeyPair(groupID, userID)
	require.NoError(t, err)
	return NewMemberState(groupID, idx, leaf)
}

func TestCreateMLSGroup(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob", "carol"), Config{})

	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob", "carol"}, "  friends ")
	require.NoError(t, err)
	assert.Equal(t, "friends", info.Name)
	assert.Equal(t, uint64(0), info.Epoch)
	require.Len(t, info.Members, 3)
	for i, mem := range info.Members {
		assert.Equal(t, uint32(i), mem.LeafIndex)
		assert.Len(t, mem.LeafKey, encryption.KeySize)
		assert.NotEmpty(t, mem.IdentityKey)
	}

	commit, err := m.GetCommit(info.ID)
	require.NoError(t, err)
	assert.Len(t, commit.Welcome, 3)
	assert.Empty(t, commit.Secrets)
}

func TestCreateMLSGroup_Validation(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob"), Config{MaxMembers: 2})

	tests := []struct {
		name    string
		members []string
		title   string
		wantErr error
	}{
		{"empty name", []string{"alice"}, "   ", cryptoerr.ErrValidation},
		{"no members", nil, "g", cryptoerr.ErrValidation},
		{"duplicate", []string{"alice", "alice"}, "g", cryptoerr.ErrValidation},
		{"too many", []string{"alice", "bob", "carol"}, "g", cryptoerr.ErrValidation},
		{"unknown user", []string{"alice", "mallory"}, "g", cryptoerr.ErrUnknownDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateMLSGroup(ctx, tt.members, tt.title)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, m.ListGroups())
}

func TestGroupMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob"), Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob"}, "pair")
	require.NoError(t, err)

	msg, err := m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("hello group"))
	require.NoError(t, err)

	// 經過傳輸層信封
	env, err := encryption.UnmarshalEnvelope(encryption.MarshalEnvelope(msg.ToEnvelope()))
	require.NoError(t, err)
	received, err := MessageFromEnvelope(env)
	require.NoError(t, err)

	pt, err := m.DecryptGroupMessage(ctx, info.ID, "bob", received)
	require.NoError(t, err)
	assert.Equal(t, "hello group", string(pt))

	_, err = m.EncryptGroupMessage(ctx, info.ID, "mallory", []byte("x"))
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	_, err = m.DecryptGroupMessage(ctx, "missing", "bob", received)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)

	msg.GroupID = "missing"
	_, err = m.DecryptGroupMessage(ctx, "missing", "bob", msg)
	assert.ErrorIs(t, err, cryptoerr.ErrGroupNotFound)
}

func TestGroupMessage_Tampered(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob"), Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob"}, "pair")
	require.NoError(t, err)

	msg, err := m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("hello"))
	require.NoError(t, err)
	msg.Ciphertext[len(msg.Ciphertext)-1] ^= 0x01
	_, err = m.DecryptGroupMessage(ctx, info.ID, "bob", msg)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)

	forged, err := m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("hello"))
	require.NoError(t, err)
	forged.SenderUserID = "bob"
	_, err = m.DecryptGroupMessage(ctx, info.ID, "bob", forged)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestRemoveMember_PostCompromiseSecurity(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob", "carol"), Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob", "carol"}, "trio")
	require.NoError(t, err)

	states := map[string]*MemberState{}
	welcome, err := m.GetCommit(info.ID)
	require.NoError(t, err)
	for _, u := range []string{"alice", "bob", "carol"} {
		states[u] = memberState(t, m, info.ID, u)
		require.NoError(t, states[u].Apply(welcome))
	}
	carolEpoch0, epoch, err := m.MemberEpochKey(info.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), epoch)
	assert.Equal(t, carolEpoch0, states["carol"].GroupKey())

	commit, err := m.RemoveGroupMember(ctx, info.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), commit.Epoch)
	assert.Len(t, commit.Secrets, 2)

	require.NoError(t, states["alice"].Apply(commit))
	require.NoError(t, states["bob"].Apply(commit))
	assert.ErrorIs(t, states["carol"].Apply(commit), cryptoerr.ErrValidation)

	aliceKey, _, err := m.MemberEpochKey(info.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, aliceKey, states["alice"].GroupKey())
	assert.Equal(t, aliceKey, states["bob"].GroupKey())

	msg, err := m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("carol is gone"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Epoch)

	for _, u := range []string{"alice", "bob"} {
		pt, err := m.DecryptGroupMessage(ctx, info.ID, u, msg)
		require.NoError(t, err)
		assert.Equal(t, "carol is gone", string(pt))
	}
	pt, err := states["bob"].Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, "carol is gone", string(pt))

	_, err = m.DecryptGroupMessage(ctx, info.ID, "carol", msg)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	_, err = OpenGroupMessage(carolEpoch0, msg)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)
}

func TestAddMember_ForwardSecrecyOnJoin(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob", "dave"), Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob"}, "pair")
	require.NoError(t, err)

	before, err := m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("before dave"))
	require.NoError(t, err)

	commit, err := m.AddGroupMember(ctx, info.ID, "dave", "phone")
	require.NoError(t, err)
	assert.Len(t, commit.Welcome, 1)
	assert.Len(t, commit.Secrets, 2)

	dave := memberState(t, m, info.ID, "dave")
	require.NoError(t, dave.Apply(commit))
	assert.Equal(t, uint64(1), dave.Epoch())

	// 新成員不在 epoch 0 名單中
	_, err = m.DecryptGroupMessage(ctx, info.ID, "dave", before)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	_, err = OpenGroupMessage(dave.GroupKey(), before)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)

	after, err := m.EncryptGroupMessage(ctx, info.ID, "bob", []byte("welcome dave"))
	require.NoError(t, err)
	pt, err := dave.Decrypt(after)
	require.NoError(t, err)
	assert.Equal(t, "welcome dave", string(pt))

	_, err = m.AddGroupMember(ctx, info.ID, "dave", "phone")
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	_, err = m.AddGroupMember(ctx, info.ID, "erin", "")
	assert.ErrorIs(t, err, cryptoerr.ErrUnknownDevice)
}

func TestLeafIndexReuse(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob", "carol", "dave"), Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob", "carol"}, "g")
	require.NoError(t, err)

	_, err = m.RemoveGroupMember(ctx, info.ID, "bob")
	require.NoError(t, err)
	_, err = m.AddGroupMember(ctx, info.ID, "dave", "")
	require.NoError(t, err)

	got, err := m.GetGroup(info.ID)
	require.NoError(t, err)
	leaves := map[uint32]string{}
	for _, mem := range got.Members {
		_, dup := leaves[mem.LeafIndex]
		assert.False(t, dup)
		leaves[mem.LeafIndex] = mem.UserID
	}
	assert.Equal(t, "dave", leaves[1])
	assert.Equal(t, uint64(2), got.Epoch)
}

func TestEpochGracePeriod(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob"), Config{EpochGracePeriod: time.Minute})
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob"}, "g")
	require.NoError(t, err)
	inFlight, err := m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("crossing the boundary"))
	require.NoError(t, err)

	_, err = m.RotateGroupKeys(ctx, info.ID)
	require.NoError(t, err)

	pt, err := m.DecryptGroupMessage(ctx, info.ID, "bob", inFlight)
	require.NoError(t, err)
	assert.Equal(t, "crossing the boundary", string(pt))

	ahead := *inFlight
	ahead.Epoch = 5
	_, err = m.DecryptGroupMessage(ctx, info.ID, "bob", &ahead)
	assert.ErrorIs(t, err, cryptoerr.ErrEpochMismatch)

	now = now.Add(2 * time.Minute)
	_, err = m.DecryptGroupMessage(ctx, info.ID, "bob", inFlight)
	assert.ErrorIs(t, err, cryptoerr.ErrEpochMismatch)
	assert.Equal(t, cryptoerr.UserStateRetry, cryptoerr.UserState(err))

	assert.Equal(t, 1, m.PruneExpiredEpochs(now))
	assert.Equal(t, 0, m.Stats().RetainedEpochs)
}

func TestMemberState_EpochOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob"), Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob"}, "g")
	require.NoError(t, err)
	bob := memberState(t, m, info.ID, "bob")

	first, err := m.RotateGroupKeys(ctx, info.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, bob.Apply(first), cryptoerr.ErrEpochMismatch)

	assert.ErrorIs(t, bob.Apply(&Commit{GroupID: info.ID}), cryptoerr.ErrValidation)
	assert.ErrorIs(t, bob.Apply(&Commit{GroupID: "other"}), cryptoerr.ErrValidation)

	second, err := m.RotateGroupKeys(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Epoch)
}

func TestRotateDueGroups(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice", "bob"), Config{RekeyInterval: time.Hour})
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob"}, "g")
	require.NoError(t, err)

	n, err := m.RotateDueGroups(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = m.RotateDueGroups(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetGroup(info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Epoch)
}

func TestRemoveLastMember(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newDirectory(t, "alice"), Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice"}, "solo")
	require.NoError(t, err)

	_, err = m.RemoveGroupMember(ctx, info.ID, "alice")
	require.NoError(t, err)

	_, err = m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("x"))
	assert.ErrorIs(t, err, cryptoerr.ErrGroupNotFound)
	_, err = m.RotateGroupKeys(ctx, info.ID)
	assert.ErrorIs(t, err, cryptoerr.ErrGroupNotFound)
	assert.Equal(t, Stats{Groups: 1, RetainedEpochs: 1}, m.Stats())
}

func TestExportImportGroup(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t, "alice", "bob")
	m := NewManager(dir, Config{})
	info, err := m.CreateMLSGroup(ctx, []string{"alice", "bob"}, "g")
	require.NoError(t, err)
	_, err = m.RotateGroupKeys(ctx, info.ID)
	require.NoError(t, err)

	old, err := m.EncryptGroupMessage(ctx, info.ID, "alice", []byte("epoch one"))
	require.NoError(t, err)

	rec, err := m.Export(info.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Retained, 1)

	restored := NewManager(dir, Config{})
	require.NoError(t, restored.Import(rec))

	pt, err := restored.DecryptGroupMessage(ctx, info.ID, "bob", old)
	require.NoError(t, err)
	assert.Equal(t, "epoch one", string(pt))

	next, err := restored.EncryptGroupMessage(ctx, info.ID, "bob", []byte("from restored"))
	require.NoError(t, err)
	pt, err = m.DecryptGroupMessage(ctx, info.ID, "alice", next)
	require.NoError(t, err)
	assert.Equal(t, "from restored", string(pt))

	assert.Equal(t, []string{info.ID}, restored.GroupsForUser("alice"))
}
