package optimizer

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
)

// Priority 批次操作優先級
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Operation 批次操作
type Operation struct {
	ID        string
	Kind      string
	TargetIDs []string
	Priority  Priority
	Deadline  time.Time
	Run       func(ctx context.Context) error
}

// OperationInfo 待處理操作的描述
type OperationInfo struct {
	ID        string    `json:"operation_id"`
	Kind      string    `json:"kind"`
	TargetIDs []string  `json:"target_ids"`
	Priority  Priority  `json:"priority"`
	Deadline  time.Time `json:"deadline"`
	Attempts  int       `json:"attempts"`
}

// Result 操作結果
type Result struct {
	ID          string
	Kind        string
	Err         error
	Attempts    int
	Expired     bool
	Cancelled   bool
	CompletedAt time.Time
}

// BatchStats 批次佇列統計
type BatchStats struct {
	Pending        int    `json:"pending"`
	Processed      uint64 `json:"processed"`
	Failed         uint64 `json:"failed"`
	Expired        uint64 `json:"expired"`
	Cancelled      uint64 `json:"cancelled"`
	Retries        uint64 `json:"retries"`
	ResultsDropped uint64 `json:"results_dropped"`
}

// BatchConfig 批次佇列配置
type BatchConfig struct {
	Capacity    int
	SizeLimit   int
	MaxAttempts int
	BaseBackoff time.Duration
}

type queuedOp struct {
	op        Operation
	attempts  int
	notBefore time.Time
	index     int
}

// opHeap 優先級高者先，同優先級截止時間早者先
type opHeap []*queuedOp

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].op.Priority != h[j].op.Priority {
		return h[i].op.Priority > h[j].op.Priority
	}
	return h[i].op.Deadline.Before(h[j].op.Deadline)
}
func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *opHeap) Push(x any) {
	item := x.(*queuedOp)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// BatchQueue 具優先級、截止時間與重試的批次佇列
// 同一 ID 的操作最多成功執行一次
type BatchQueue struct {
	mu          sync.Mutex
	queue       opHeap
	byID        map[string]*queuedOp
	finished    map[string]time.Time
	capacity    int
	sizeLimit   int
	maxAttempts int
	baseBackoff time.Duration
	results     chan Result
	now         func() time.Time

	processed      atomic.Uint64
	failed         atomic.Uint64
	expired        atomic.Uint64
	cancelled      atomic.Uint64
	retries        atomic.Uint64
	resultsDropped atomic.Uint64
}

// NewBatchQueue 建立批次佇列
func NewBatchQueue(cfg BatchConfig) *BatchQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = constants.DefaultBatchQueueCapacity
	}
	if cfg.SizeLimit <= 0 {
		cfg.SizeLimit = constants.DefaultBatchSizeLimit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultBatchMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = constants.DefaultBatchInterval
	}
	return &BatchQueue{
		byID:        make(map[string]*queuedOp),
		finished:    make(map[string]time.Time),
		capacity:    cfg.Capacity,
		sizeLimit:   cfg.SizeLimit,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		results:     make(chan Result, cfg.Capacity),
		now:         time.Now,
	}
}

// SetClock 測試用時鐘
func (q *BatchQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Results 操作結果通道；讀取方跟不上時結果會被丟棄並計數
func (q *BatchQueue) Results() <-chan Result {
	return q.results
}

// Queue 加入操作，回傳操作 ID
func (q *BatchQueue) Queue(op Operation) (string, error) {
	const opName = "queue_batch_operation"
	if op.Run == nil {
		return "", cryptoerr.New(opName, cryptoerr.ErrValidation, "operation has no body")
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.byID[op.ID]; dup {
		return "", cryptoerr.New(opName, cryptoerr.ErrValidation, "operation %s already queued", op.ID)
	}
	if _, done := q.finished[op.ID]; done {
		return "", cryptoerr.New(opName, cryptoerr.ErrValidation, "operation %s already executed", op.ID)
	}
	if len(q.byID) >= q.capacity {
		return "", cryptoerr.New(opName, cryptoerr.ErrCapacity, "batch queue is full (%d)", q.capacity)
	}
	if op.Deadline.IsZero() {
		op.Deadline = q.now().Add(constants.DefaultBatchDeadline)
	}
	item := &queuedOp{op: op}
	heap.Push(&q.queue, item)
	q.byID[op.ID] = item
	return op.ID, nil
}

// Cancel 取消尚未執行的操作，執行中的操作無法取消
func (q *BatchQueue) Cancel(id string) bool {
	q.mu.Lock()
	item, ok := q.byID[id]
	ok = ok && item.index >= 0
	if ok {
		heap.Remove(&q.queue, item.index)
		delete(q.byID, id)
		q.finished[id] = q.now()
	}
	now := q.now()
	q.mu.Unlock()

	if ok {
		q.cancelled.Add(1)
		q.report(Result{ID: id, Kind: item.op.Kind, Cancelled: true, Attempts: item.attempts, CompletedAt: now})
	}
	return ok
}

// Pending 待處理操作，依執行順序排列
func (q *BatchQueue) Pending() []OperationInfo {
	q.mu.Lock()
	snapshot := make(opHeap, len(q.queue))
	for i, item := range q.queue {
		cp := *item
		snapshot[i] = &cp
	}
	q.mu.Unlock()

	out := make([]OperationInfo, 0, len(snapshot))
	for snapshot.Len() > 0 {
		item := heap.Pop(&snapshot).(*queuedOp)
		out = append(out, OperationInfo{
			ID:        item.op.ID,
			Kind:      item.op.Kind,
			TargetIDs: append([]string(nil), item.op.TargetIDs...),
			Priority:  item.op.Priority,
			Deadline:  item.op.Deadline,
			Attempts:  item.attempts,
		})
	}
	return out
}

// SetSizeLimit 每輪最多執行的操作數
func (q *BatchQueue) SetSizeLimit(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.sizeLimit = n
	q.mu.Unlock()
}

// take 取出本輪可執行的操作，過期者直接移除
func (q *BatchQueue) take(now time.Time) (ready, expired []*queuedOp) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deferred []*queuedOp
	for q.queue.Len() > 0 && len(ready) < q.sizeLimit {
		item := heap.Pop(&q.queue).(*queuedOp)
		switch {
		case !now.Before(item.op.Deadline):
			delete(q.byID, item.op.ID)
			q.finished[item.op.ID] = now
			expired = append(expired, item)
		case now.Before(item.notBefore):
			deferred = append(deferred, item)
		default:
			ready = append(ready, item)
		}
	}
	for _, item := range deferred {
		heap.Push(&q.queue, item)
	}

	horizon := now.Add(-2 * constants.DefaultBatchDeadline)
	for id, at := range q.finished {
		if at.Before(horizon) {
			delete(q.finished, id)
		}
	}
	return ready, expired
}

// ProcessDue 執行一輪批次，回傳本輪執行的操作數
func (q *BatchQueue) ProcessDue(ctx context.Context) (int, error) {
	q.mu.Lock()
	now := q.now()
	q.mu.Unlock()

	ready, expired := q.take(now)
	for _, item := range expired {
		q.expired.Add(1)
		q.report(Result{ID: item.op.ID, Kind: item.op.Kind, Expired: true, Attempts: item.attempts, CompletedAt: now})
	}
	if len(ready) == 0 {
		return 0, ctx.Err()
	}

	var g errgroup.Group
	for _, item := range ready {
		g.Go(func() error {
			q.execute(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(ready), ctx.Err()
}

func (q *BatchQueue) execute(ctx context.Context, item *queuedOp) {
	runCtx, cancel := context.WithDeadline(ctx, item.op.Deadline)
	err := item.op.Run(runCtx)
	cancel()
	item.attempts++

	q.mu.Lock()
	now := q.now()
	if err != nil && cryptoerr.Retryable(err) && item.attempts < q.maxAttempts {
		backoff := q.baseBackoff << (item.attempts - 1)
		if next := now.Add(backoff); next.Before(item.op.Deadline) {
			item.notBefore = next
			heap.Push(&q.queue, item)
			q.mu.Unlock()
			q.retries.Add(1)
			return
		}
	}
	delete(q.byID, item.op.ID)
	q.finished[item.op.ID] = now
	q.mu.Unlock()

	if err != nil {
		q.failed.Add(1)
		logger.Warning(ctx, "批次操作失敗",
			logger.WithAction("batch_operation"),
			logger.WithDetails(map[string]interface{}{
				"operation_id": item.op.ID,
				"kind":         item.op.Kind,
				"attempts":     item.attempts,
				"error":        err.Error(),
			}))
	} else {
		q.processed.Add(1)
	}
	q.report(Result{ID: item.op.ID, Kind: item.op.Kind, Err: err, Attempts: item.attempts, CompletedAt: now})
}

func (q *BatchQueue) report(r Result) {
	select {
	case q.results <- r:
	default:
		q.resultsDropped.Add(1)
	}
}

// Run 依 interval 週期執行 ProcessDue，直到 ctx 結束
func (q *BatchQueue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DefaultBatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessDue(ctx); err != nil && ctx.Err() == nil {
				logger.Warning(ctx, "批次處理中斷", logger.WithAction("batch_process"),
					logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			}
		}
	}
}

// Stats 統計快照
func (q *BatchQueue) Stats() BatchStats {
	q.mu.Lock()
	pending := len(q.byID)
	q.mu.Unlock()
	return BatchStats{
		Pending:        pending,
		Processed:      q.processed.Load(),
		Failed:         q.failed.Load(),
		Expired:        q.expired.Load(),
		Cancelled:      q.cancelled.Load(),
		Retries:        q.retries.Load(),
		ResultsDropped: q.resultsDropped.Load(),
	}
}
