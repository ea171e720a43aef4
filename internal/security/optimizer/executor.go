package optimizer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/security/cryptoerr"
)

// Task 非同步任務；必須在 ctx 結束後儘快返回
type Task func(ctx context.Context) (interface{}, error)

// Future 非同步任務的結果
type Future struct {
	ID     string
	done   chan struct{}
	cancel context.CancelFunc
	value  interface{}
	err    error
}

// Done 任務完成時關閉
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait 等待結果；ctx 結束時不影響任務本身
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel 要求任務停止（協作式）
func (f *Future) Cancel() { f.cancel() }

// ExecutorStats 執行器統計
type ExecutorStats struct {
	MaxConcurrency int64  `json:"max_concurrency"`
	Running        int    `json:"running"`
	Submitted      uint64 `json:"submitted"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	TimedOut       uint64 `json:"timed_out"`
}

// Executor 有併發上限的非同步執行器
// 逾時的任務立即以 ErrTimeout 完成 Future，但在任務函式實際返回前仍佔用併發名額
type Executor struct {
	sem            *semaphore.Weighted
	maxConcurrency int64
	defaultTimeout time.Duration
	wg             sync.WaitGroup // 提交的 Future
	tasks          sync.WaitGroup // 任務函式本身

	mu      sync.Mutex
	running map[string]time.Time

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
}

// NewExecutor 建立執行器
func NewExecutor(maxConcurrency int, defaultTimeout time.Duration) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = constants.DefaultAsyncMaxConcurrency
	}
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultAsyncTimeout
	}
	return &Executor{
		sem:            semaphore.NewWeighted(int64(maxConcurrency)),
		maxConcurrency: int64(maxConcurrency),
		defaultTimeout: defaultTimeout,
		running:        make(map[string]time.Time),
	}
}

// Submit 以預設逾時提交任務
func (e *Executor) Submit(ctx context.Context, task Task) *Future {
	return e.SubmitWithTimeout(ctx, e.defaultTimeout, task)
}

// SubmitWithTimeout 提交任務並與計時器競速
func (e *Executor) SubmitWithTimeout(ctx context.Context, timeout time.Duration, task Task) *Future {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	f := &Future{ID: uuid.New().String(), done: make(chan struct{}), cancel: cancel}
	e.submitted.Add(1)
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer cancel()

		if err := e.sem.Acquire(taskCtx, 1); err != nil {
			e.finish(f, nil, e.contextError(taskCtx))
			return
		}

		e.mu.Lock()
		e.running[f.ID] = time.Now()
		e.mu.Unlock()

		type outcome struct {
			value interface{}
			err   error
		}
		result := make(chan outcome, 1)
		e.tasks.Add(1)
		go func() {
			defer e.tasks.Done()
			defer e.sem.Release(1)
			defer func() {
				e.mu.Lock()
				delete(e.running, f.ID)
				e.mu.Unlock()
			}()
			v, err := task(taskCtx)
			result <- outcome{v, err}
		}()

		select {
		case r := <-result:
			e.finish(f, r.value, r.err)
		case <-taskCtx.Done():
			e.finish(f, nil, e.contextError(taskCtx))
		}
	}()
	return f
}

func (e *Executor) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return cryptoerr.Wrap("async_operation", cryptoerr.ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}

func (e *Executor) finish(f *Future, value interface{}, err error) {
	f.value, f.err = value, err
	switch {
	case err == nil:
		e.completed.Add(1)
	case errors.Is(err, cryptoerr.ErrTimeout):
		e.timedOut.Add(1)
	default:
		e.failed.Add(1)
	}
	close(f.done)
}

// WaitAll 等待所有已提交的任務（包含逾時後仍在執行的任務函式）
func (e *Executor) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return cryptoerr.Wrap("wait_async_operations", cryptoerr.ErrTimeout, ctx.Err())
	}
}

// Running 執行中的任務 ID
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats 統計快照
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	running := len(e.running)
	e.mu.Unlock()
	return ExecutorStats{
		MaxConcurrency: e.maxConcurrency,
		Running:        running,
		Submitted:      e.submitted.Load(),
		Completed:      e.completed.Load(),
		Failed:         e.failed.Load(),
		TimedOut:       e.timedOut.Load(),
	}
}
