package optimizer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
)

func TestExecutor_Submit(t *testing.T) {
	e := NewExecutor(4, time.Second)
	f := e.Submit(context.Background(), func(context.Context) (interface{}, error) {
		return "done", nil
	})
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, uint64(1), e.Stats().Completed)
}

func TestExecutor_Timeout(t *testing.T) {
	e := NewExecutor(4, time.Second)
	release := make(chan struct{})
	f := e.SubmitWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, cryptoerr.ErrTimeout)
	assert.Equal(t, uint64(1), e.Stats().TimedOut)

	// 任務函式尚未返回，仍佔用名額
	assert.Len(t, e.Running(), 1)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.WaitAll(ctx))
	assert.Empty(t, e.Running())
}

func TestExecutor_Cancel(t *testing.T) {
	e := NewExecutor(1, time.Minute)
	started := make(chan struct{})
	f := e.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	f.Cancel()

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_BoundedConcurrency(t *testing.T) {
	e := NewExecutor(2, time.Second)
	var current, peak atomic.Int32
	futures := make([]*Future, 0, 8)
	for i := 0; i < 8; i++ {
		futures = append(futures, e.Submit(context.Background(), func(context.Context) (interface{}, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}))
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, uint64(8), e.Stats().Submitted)
}

func TestCompressor(t *testing.T) {
	c, err := NewCompressor(true)
	require.NoError(t, err)
	defer c.Close()

	data := []byte(`{"session_id":"s1","state":"ACTIVE","state":"ACTIVE","state":"ACTIVE"}`)
	packed := c.Compress(data)
	assert.Equal(t, frameZstd, packed[0])

	c.SetEnabled(false)
	raw := c.Compress(data)
	assert.Equal(t, frameRaw, raw[0])

	for _, p := range [][]byte{packed, raw} {
		out, err := c.Decompress(p)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	}

	_, err = c.Decompress([]byte{9, 1, 2})
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}
