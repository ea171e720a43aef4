// Package e2ee 端對端加密核心的對外入口
//
// Manager 組合密鑰目錄、會話、群組、混合加密、透明日誌、信任關係與效能層，
// 並負責密鑰事件的傳遞、狀態的寫後持久化以及背景維護任務。
package e2ee

import (
	"context"
	"fmt"
	"sync"
	"time"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/audit"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/group"
	"e2ee-gateway/internal/security/hybrid"
	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/optimizer"
	"e2ee-gateway/internal/security/session"
	"e2ee-gateway/internal/security/transparency"
	"e2ee-gateway/internal/storage"
)

// Config 加密核心配置
type Config struct {
	Keys               keymanager.Policy
	Sessions           session.Config
	Groups             group.Config
	Optimizer          optimizer.Config
	MaxKeyLogEntries   int
	KeyLogRetention    time.Duration
	SessionIdleTimeout time.Duration
	BackgroundInterval time.Duration
}

// DefaultConfig 默認配置
func DefaultConfig() Config {
	return Config{
		Keys:     keymanager.DefaultPolicy(),
		Sessions: session.Config{MaxSkippedMessageKeys: constants.DefaultMaxSkippedMessageKeys},
		Groups: group.Config{
			EpochGracePeriod: constants.DefaultEpochGracePeriod,
			RekeyInterval:    constants.DefaultGroupRekeyPeriod,
			MaxMembers:       constants.DefaultMaxGroupMembers,
		},
		Optimizer:          optimizer.DefaultConfig(),
		MaxKeyLogEntries:   constants.DefaultMaxKeyLogEntries,
		KeyLogRetention:    constants.DefaultKeyLogRetention,
		SessionIdleTimeout: constants.DefaultSessionIdleTimeout,
		BackgroundInterval: constants.DefaultBackgroundInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxKeyLogEntries <= 0 {
		c.MaxKeyLogEntries = d.MaxKeyLogEntries
	}
	if c.KeyLogRetention <= 0 {
		c.KeyLogRetention = d.KeyLogRetention
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = d.SessionIdleTimeout
	}
	if c.BackgroundInterval <= 0 {
		c.BackgroundInterval = d.BackgroundInterval
	}
	if c.Optimizer.CacheTTL <= 0 || c.Optimizer.CacheMaxSize <= 0 {
		c.Optimizer = d.Optimizer
	}
	return c
}

// Option 建構選項
type Option func(*options)

type options struct {
	store     storage.Store
	masterKey []byte
	signer    *encryption.SigningKeyPair
	audit     *audit.AuditService
	now       func() time.Time
}

// WithStore 以 store 持久化狀態；masterKey 用於封裝落地的私密材料
func WithStore(store storage.Store, masterKey []byte) Option {
	return func(o *options) {
		o.store = store
		o.masterKey = masterKey
	}
}

// WithLedgerSigner 透明日誌的簽名金鑰
func WithLedgerSigner(signer *encryption.SigningKeyPair) Option {
	return func(o *options) { o.signer = signer }
}

// WithAudit 審計服務
func WithAudit(a *audit.AuditService) Option {
	return func(o *options) { o.audit = a }
}

// WithClock 替換各元件的時間來源（測試使用）
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Manager 加密核心
type Manager struct {
	cfg Config

	keys     *keymanager.KeyManager
	sessions *session.Manager
	groups   *group.Manager
	ledger   *transparency.Ledger
	trust    *transparency.TrustStore
	opt      *optimizer.Optimizer
	dir      *directory
	audit    *audit.AuditService
	persist  *persister // 未設定 store 時為 nil

	hybridMu   sync.RWMutex
	hybridKeys map[string]*hybrid.KeyPair

	now func() time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New 建立加密核心；設定 store 時會先還原既有狀態
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	o := &options{}
	for _, apply := range opts {
		apply(o)
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	signer := o.signer
	if signer == nil {
		var err error
		if signer, err = encryption.GenerateSigningKeyPair(); err != nil {
			return nil, fmt.Errorf("failed to generate ledger key: %w", err)
		}
		logger.Warning(ctx, "未配置透明日誌簽名金鑰，使用臨時金鑰", logger.WithAction("e2ee_init"))
	}
	auditSvc := o.audit
	if auditSvc == nil {
		auditSvc = audit.NewAuditService(false)
	}

	opt, err := optimizer.New(cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		keys:       keymanager.NewKeyManager(cfg.Keys),
		ledger:     transparency.NewLedger(signer, cfg.MaxKeyLogEntries),
		trust:      transparency.NewTrustStore(),
		opt:        opt,
		audit:      auditSvc,
		hybridKeys: make(map[string]*hybrid.KeyPair),
		now:        now,
	}
	bundles := optimizer.NewCache[*keymanager.KeyBundle](cfg.Optimizer.CacheTTL, cfg.Optimizer.CacheMaxSize)
	m.dir = newDirectory(m.keys, opt.Keys, bundles, cfg.Keys.KeyBundleTTL, now, m.persistDevice)
	m.sessions = session.NewManager(m.dir, cfg.Sessions)
	m.groups = group.NewManager(m.dir, cfg.Groups)

	if o.now != nil {
		m.keys.SetClock(o.now)
		m.sessions.SetClock(o.now)
		m.groups.SetClock(o.now)
		m.ledger.SetClock(o.now)
		m.trust.SetClock(o.now)
		opt.Keys.SetClock(o.now)
		bundles.SetClock(o.now)
	}

	if o.store != nil {
		p, err := newPersister(o.store, o.masterKey, opt)
		if err != nil {
			_ = opt.Close(ctx)
			return nil, err
		}
		m.persist = p
		if err := m.restore(ctx); err != nil {
			_ = opt.Close(ctx)
			return nil, err
		}
	}

	// 還原完成後才訂閱，匯入不產生事件
	m.keys.Subscribe(m.onKeyEvent)

	logger.Info(ctx, "加密核心初始化完成",
		logger.WithAction("e2ee_init"),
		logger.WithDetails(map[string]interface{}{
			"persistent":         m.persist != nil,
			"ledger_fingerprint": signer.Public().Fingerprint(),
			"devices":            m.keys.Stats().Devices,
			"sessions":           m.sessions.Count(),
			"groups":             len(m.groups.ListGroups()),
			"log_entries":        m.ledger.Len(),
		}))
	return m, nil
}

// Start 啟動背景維護與批次處理，直到 ctx 結束或 Close
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.opt.RunBatches(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.watchResults(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.runBackground(ctx)
	}()
}

// Close 停止背景任務，寫出待持久化的狀態並釋放資源
func (m *Manager) Close(ctx context.Context) error {
	m.runMu.Lock()
	if m.closed {
		m.runMu.Unlock()
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.runMu.Unlock()

	m.wg.Wait()

	var firstErr error
	if m.persist != nil {
		m.checkpoint()
		if err := m.Flush(ctx); err != nil {
			firstErr = err
		}
	}
	if err := m.opt.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.persist != nil {
		if err := m.persist.store.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.hybridMu.Lock()
	for id, kp := range m.hybridKeys {
		kp.Wipe()
		delete(m.hybridKeys, id)
	}
	m.hybridMu.Unlock()
	return firstErr
}

// Flush 執行所有待處理的批次操作（含持久化）
func (m *Manager) Flush(ctx context.Context) error {
	q := m.opt.Queue
	for len(q.Pending()) > 0 {
		if _, err := q.ProcessDue(ctx); err != nil {
			return err
		}
		if len(q.Pending()) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Keys 密鑰目錄
func (m *Manager) Keys() *keymanager.KeyManager { return m.keys }

// Sessions 會話管理器
func (m *Manager) Sessions() *session.Manager { return m.sessions }

// Groups 群組管理器
func (m *Manager) Groups() *group.Manager { return m.groups }

// Ledger 金鑰透明日誌
func (m *Manager) Ledger() *transparency.Ledger { return m.ledger }

// Trust 信任關係
func (m *Manager) Trust() *transparency.TrustStore { return m.trust }

// Optimizer 效能層
func (m *Manager) Optimizer() *optimizer.Optimizer { return m.opt }
