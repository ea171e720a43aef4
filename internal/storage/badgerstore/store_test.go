package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/transparency"
	"e2ee-gateway/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStore_States(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.PutState(ctx, storage.StateRecord{Kind: storage.KindDevice, ID: storage.DeviceID("alice", "phone"), UserID: "alice", Blob: []byte{1}, UpdatedAt: now}))
	require.NoError(t, s.PutState(ctx, storage.StateRecord{Kind: storage.KindDevice, ID: storage.DeviceID("bob", "laptop"), UserID: "bob", Blob: []byte{2}, UpdatedAt: now}))
	require.NoError(t, s.PutState(ctx, storage.StateRecord{Kind: storage.KindGroup, ID: "g1", Epoch: 3, Blob: []byte{3}, UpdatedAt: now}))

	devices, err := s.LoadStates(ctx, storage.KindDevice)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "alice", devices[0].UserID)
	assert.True(t, now.Equal(devices[0].UpdatedAt))

	groups, err := s.LoadStates(ctx, storage.KindGroup)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, uint64(3), groups[0].Epoch)

	require.NoError(t, s.PutState(ctx, storage.StateRecord{Kind: storage.KindGroup, ID: "g1", Epoch: 4, Blob: []byte{4}}))
	groups, err = s.LoadStates(ctx, storage.KindGroup)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), groups[0].Epoch)

	require.NoError(t, s.DeleteState(ctx, storage.KindGroup, "g1"))
	groups, err = s.LoadStates(ctx, storage.KindGroup)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestStore_KeyLogOrderAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var entries []transparency.KeyLogEntry
	for seq := uint64(1); seq <= 12; seq++ {
		entries = append(entries, transparency.KeyLogEntry{
			ID:        "e" + string(rune('a'+seq)),
			Sequence:  seq,
			UserID:    "alice",
			Operation: "rotate",
			Timestamp: base.Add(time.Duration(seq) * time.Hour),
		})
	}
	// 寫入順序與序號無關
	require.NoError(t, s.AppendKeyLog(ctx, entries[6:]))
	require.NoError(t, s.AppendKeyLog(ctx, entries[:6]))

	loaded, err := s.LoadKeyLog(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 12)
	for i, e := range loaded {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}

	n, err := s.PruneKeyLog(ctx, base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	loaded, err = s.LoadKeyLog(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 8)
	assert.Equal(t, uint64(5), loaded[0].Sequence)
}

func TestStore_Trust(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.PutTrust(ctx, []transparency.TrustState{
		{UserID: "bob", TrustedUserID: "alice", TrustLevel: transparency.TrustUnverified, IsActive: true},
		{UserID: "alice", TrustedUserID: "bob", TrustLevel: transparency.TrustVerified, IsActive: true},
	}))
	require.NoError(t, s.PutTrust(ctx, []transparency.TrustState{
		{UserID: "bob", TrustedUserID: "alice", TrustLevel: transparency.TrustBlocked, IsActive: true},
	}))

	states, err := s.LoadTrust(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "alice", states[0].UserID)
	assert.Equal(t, transparency.TrustBlocked, states[1].TrustLevel)
}

func TestStore_Closed(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err = s.LoadStates(context.Background(), storage.KindSession)
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.NoError(t, s.RunGC())
}
