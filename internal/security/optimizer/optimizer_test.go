package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/encryption"
)

func newTestOptimizer(t *testing.T) *Optimizer {
	t.Helper()
	o, err := New(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o
}

func TestOptimizer_Tune(t *testing.T) {
	o := newTestOptimizer(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, o.Keys.Put(id, encryption.NewPublicKey("x25519", []byte(id)), 0))
	}

	size, limit, off := 2, 7, false
	o.Tune(Tuning{CacheMaxSize: &size, BatchSizeLimit: &limit, Compression: &off})

	assert.Equal(t, 2, o.Keys.Len())
	_, ok := o.Keys.Get("a")
	assert.False(t, ok, "最久未使用的條目應被淘汰")
	assert.False(t, o.Compressor.Enabled())

	o.Queue.mu.Lock()
	assert.Equal(t, 7, o.Queue.sizeLimit)
	o.Queue.mu.Unlock()
}

func TestOptimizer_TuneIgnoresNil(t *testing.T) {
	o := newTestOptimizer(t)
	before := o.Metrics()
	o.Tune(Tuning{})
	assert.Equal(t, before.Compression, o.Metrics().Compression)
	assert.Equal(t, before.KeyCache.MaxSize, o.Metrics().KeyCache.MaxSize)
}

func TestOptimizer_Activity(t *testing.T) {
	o := newTestOptimizer(t)

	id, err := o.Queue.Queue(Operation{
		Kind:     "persist",
		Deadline: time.Now().Add(time.Minute),
		Run:      func(context.Context) error { return nil },
	})
	require.NoError(t, err)

	release := make(chan struct{})
	f := o.Async.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})

	require.Eventually(t, func() bool { return len(o.Activity().RunningAsync) == 1 }, time.Second, 5*time.Millisecond)
	act := o.Activity()
	require.Len(t, act.PendingBatch, 1)
	assert.Equal(t, id, act.PendingBatch[0].ID)

	close(release)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(o.Activity().RunningAsync) == 0 }, time.Second, 5*time.Millisecond)
}
