package optimizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
)

func noop(context.Context) error { return nil }

func drain(q *BatchQueue) []Result {
	var out []Result
	for {
		select {
		case r := <-q.Results():
			out = append(out, r)
		default:
			return out
		}
	}
}

func TestBatchQueue_PriorityThenDeadline(t *testing.T) {
	clock := newClock()
	q := NewBatchQueue(BatchConfig{SizeLimit: 1})
	q.SetClock(clock.now)

	var mu sync.Mutex
	var order []string
	record := func(id string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}
	_, err := q.Queue(Operation{ID: "low", Priority: PriorityLow, Run: record("low")})
	require.NoError(t, err)
	_, err = q.Queue(Operation{ID: "high-late", Priority: PriorityHigh, Deadline: clock.t.Add(time.Hour), Run: record("high-late")})
	require.NoError(t, err)
	_, err = q.Queue(Operation{ID: "high-soon", Priority: PriorityHigh, Deadline: clock.t.Add(time.Minute), Run: record("high-soon")})
	require.NoError(t, err)

	pending := q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "high-soon", pending[0].ID)

	for i := 0; i < 3; i++ {
		n, err := q.ProcessDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, []string{"high-soon", "high-late", "low"}, order)
	assert.Equal(t, uint64(3), q.Stats().Processed)
}

func TestBatchQueue_AtMostOnceAndCancel(t *testing.T) {
	q := NewBatchQueue(BatchConfig{})
	var runs atomic.Int32
	op := Operation{ID: "rotate-bob", Run: func(context.Context) error { runs.Add(1); return nil }}

	_, err := q.Queue(op)
	require.NoError(t, err)
	_, err = q.Queue(op)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)

	_, err = q.ProcessDue(context.Background())
	require.NoError(t, err)
	_, err = q.Queue(op)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	assert.Equal(t, int32(1), runs.Load())

	id, err := q.Queue(Operation{Run: noop})
	require.NoError(t, err)
	assert.True(t, q.Cancel(id))
	assert.False(t, q.Cancel(id))

	results := drain(q)
	require.Len(t, results, 2)
	assert.True(t, results[1].Cancelled)
}

func TestBatchQueue_Capacity(t *testing.T) {
	q := NewBatchQueue(BatchConfig{Capacity: 1})
	_, err := q.Queue(Operation{Run: noop})
	require.NoError(t, err)
	_, err = q.Queue(Operation{Run: noop})
	assert.ErrorIs(t, err, cryptoerr.ErrCapacity)
	_, err = q.Queue(Operation{})
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestBatchQueue_RetryWithBackoff(t *testing.T) {
	clock := newClock()
	q := NewBatchQueue(BatchConfig{MaxAttempts: 3, BaseBackoff: time.Second})
	q.SetClock(clock.now)

	var attempts atomic.Int32
	_, err := q.Queue(Operation{ID: "persist", Deadline: clock.t.Add(time.Minute), Run: func(context.Context) error {
		if attempts.Add(1) < 3 {
			return cryptoerr.New("persist", cryptoerr.ErrTransient, "store unavailable")
		}
		return nil
	}})
	require.NoError(t, err)

	ctx := context.Background()
	_, _ = q.ProcessDue(ctx)
	assert.Equal(t, int32(1), attempts.Load())

	// 退避期間不執行
	_, _ = q.ProcessDue(ctx)
	assert.Equal(t, int32(1), attempts.Load())

	clock.advance(time.Second)
	_, _ = q.ProcessDue(ctx)
	assert.Equal(t, int32(2), attempts.Load())

	clock.advance(2 * time.Second)
	_, _ = q.ProcessDue(ctx)
	assert.Equal(t, int32(3), attempts.Load())

	results := drain(q)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, uint64(2), q.Stats().Retries)
}

func TestBatchQueue_FatalNotRetried(t *testing.T) {
	q := NewBatchQueue(BatchConfig{})
	boom := cryptoerr.New("decrypt", cryptoerr.ErrReplay, "replayed")
	_, err := q.Queue(Operation{ID: "x", Run: func(context.Context) error { return boom }})
	require.NoError(t, err)

	_, _ = q.ProcessDue(context.Background())
	results := drain(q)
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, cryptoerr.ErrReplay))
	assert.Equal(t, uint64(1), q.Stats().Failed)
	assert.Empty(t, q.Pending())
}

func TestBatchQueue_ExpiredDropped(t *testing.T) {
	clock := newClock()
	q := NewBatchQueue(BatchConfig{})
	q.SetClock(clock.now)

	var ran atomic.Bool
	_, err := q.Queue(Operation{ID: "late", Deadline: clock.t.Add(time.Second), Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	require.NoError(t, err)

	clock.advance(2 * time.Second)
	n, err := q.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, ran.Load())

	results := drain(q)
	require.Len(t, results, 1)
	assert.True(t, results[0].Expired)
	assert.Equal(t, uint64(1), q.Stats().Expired)
}
