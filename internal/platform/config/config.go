package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	E2EE      E2EEConfig      `mapstructure:"e2ee"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	Timeout        int      `mapstructure:"timeout"`
	UseHTTPS       bool     `mapstructure:"use_https"`
	CertPath       string   `mapstructure:"cert_path"`
	KeyPath        string   `mapstructure:"key_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GRPCConfig gRPC 配置.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// 存儲驅動.
const (
	StorageDriverMongo  = "mongo"
	StorageDriverBadger = "badger"
	StorageDriverMemory = "memory"
)

// StorageConfig 加密狀態的持久化配置.
type StorageConfig struct {
	Driver    string `mapstructure:"driver"`     // mongo | badger | memory
	BadgerDir string `mapstructure:"badger_dir"` // badger 資料目錄.
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int    `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int    `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int    `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
	Level             string `mapstructure:"level"`               // 最低級別 (debug/info/warning/error).
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS     TLSConfig     `mapstructure:"tls"`
	Keyring KeyringConfig `mapstructure:"keyring"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// KeyringConfig 帳本簽名種子與存儲主密鑰的來源.
type KeyringConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Backend     string `mapstructure:"backend"`  // 空值表示由系統決定.
	FileDir     string `mapstructure:"file_dir"` // file backend 目錄.
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig `mapstructure:"request"`
	RateLimiting RateLimitingConfig  `mapstructure:"rate_limiting"`
	Concurrency  ConcurrencyConfig   `mapstructure:"concurrency"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize        int64 `mapstructure:"max_body_size"`
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory"`
}

// RateLimitingConfig Rate Limiting 配置.
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	DefaultPerMinute  int  `mapstructure:"default_per_minute"`
	MessagesPerMin    int  `mapstructure:"messages_per_minute"`
	KeyOpsPerMin      int  `mapstructure:"key_operations_per_minute"`
	HandshakesPerMin  int  `mapstructure:"handshakes_per_minute"`
	CleanupInterval   int  `mapstructure:"cleanup_interval_minutes"`
	MaxTrackedClients int  `mapstructure:"max_tracked_clients"`
}

// ConcurrencyConfig 高成本加密請求的並發上限.
type ConcurrencyConfig struct {
	MaxPerClient int `mapstructure:"max_per_client"`
	MaxTotal     int `mapstructure:"max_total"`
}

// E2EEConfig 加密核心配置，時間單位以欄位名稱標示.
type E2EEConfig struct {
	MaxOneTimePrekeys          int `mapstructure:"max_one_time_prekeys"`
	PrekeyRefillThreshold      int `mapstructure:"prekey_refill_threshold"`
	PrekeyRotationHours        int `mapstructure:"prekey_rotation_hours"`
	KeyBundleTTLHours          int `mapstructure:"key_bundle_ttl_hours"`
	MaxSkippedMessageKeys      int `mapstructure:"max_skipped_message_keys"`
	SessionIdleTimeoutHours    int `mapstructure:"session_idle_timeout_hours"`
	EpochGracePeriodMinutes    int `mapstructure:"epoch_grace_period_minutes"`
	GroupRekeyIntervalHours    int `mapstructure:"group_rekey_interval_hours"`
	MaxGroupMembers            int `mapstructure:"max_group_members"`
	MaxKeyLogEntries           int `mapstructure:"max_key_log_entries"`
	KeyLogRetentionDays        int `mapstructure:"key_log_retention_days"`
	BackgroundIntervalMinutes  int `mapstructure:"background_interval_minutes"`
	ShutdownFlushTimeoutSecond int `mapstructure:"shutdown_flush_timeout_seconds"`
}

// OptimizerConfig 快取、批次與非同步執行器配置.
type OptimizerConfig struct {
	CacheTTLMinutes     int  `mapstructure:"cache_ttl_minutes"`
	CacheMaxSize        int  `mapstructure:"cache_max_size"`
	BatchIntervalMillis int  `mapstructure:"batch_interval_millis"`
	BatchSizeLimit      int  `mapstructure:"batch_size_limit"`
	BatchQueueCapacity  int  `mapstructure:"batch_queue_capacity"`
	BatchMaxAttempts    int  `mapstructure:"batch_max_attempts"`
	AsyncMaxConcurrency int  `mapstructure:"async_max_concurrency"`
	AsyncTimeoutSeconds int  `mapstructure:"async_timeout_seconds"`
	Compression         bool `mapstructure:"compression"`
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		config = testCfg[0]
		if err := validateConfig(config); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		return nil
	}

	v := viper.New()
	setDefaults(v)

	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// E2EE_STORAGE_DRIVER 之類的環境變數覆寫檔案設定
	v.SetEnvPrefix("E2EE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	config = &Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	return nil
}

// setDefaults 未出現在設定檔中的欄位使用的默認值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", StorageDriverBadger)
	v.SetDefault("storage.badger_dir", "./data/e2ee")
	v.SetDefault("security.keyring.service_name", "e2ee-gateway")
	v.SetDefault("limits.concurrency.max_per_client", 4)
	v.SetDefault("limits.concurrency.max_total", 64)
	v.SetDefault("e2ee.max_one_time_prekeys", 100)
	v.SetDefault("e2ee.prekey_rotation_hours", 24)
	v.SetDefault("e2ee.key_bundle_ttl_hours", 168)
	v.SetDefault("e2ee.max_skipped_message_keys", 1000)
	v.SetDefault("e2ee.session_idle_timeout_hours", 720)
	v.SetDefault("e2ee.epoch_grace_period_minutes", 10)
	v.SetDefault("e2ee.group_rekey_interval_hours", 24)
	v.SetDefault("e2ee.max_group_members", 1000)
	v.SetDefault("e2ee.max_key_log_entries", 10000)
	v.SetDefault("e2ee.key_log_retention_days", 30)
	v.SetDefault("e2ee.background_interval_minutes", 5)
	v.SetDefault("e2ee.shutdown_flush_timeout_seconds", 30)
	v.SetDefault("optimizer.cache_ttl_minutes", 60)
	v.SetDefault("optimizer.cache_max_size", 10000)
	v.SetDefault("optimizer.batch_interval_millis", 1000)
	v.SetDefault("optimizer.batch_size_limit", 100)
	v.SetDefault("optimizer.async_max_concurrency", 64)
	v.SetDefault("optimizer.async_timeout_seconds", 30)
	v.SetDefault("optimizer.compression", true)
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("伺服器主機不能為空")
	}
	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	switch cfg.Storage.Driver {
	case StorageDriverMongo:
		if cfg.Database.Mongo.URL == "" {
			return fmt.Errorf("MongoDB URL 不能為空")
		}
		if cfg.Database.Mongo.Database == "" {
			return fmt.Errorf("MongoDB 資料庫名稱不能為空")
		}
		if cfg.Database.Mongo.MaxPoolSize == 0 {
			return fmt.Errorf("MongoDB 最大連接池大小必須大於 0")
		}
		if cfg.Database.Mongo.MinPoolSize > cfg.Database.Mongo.MaxPoolSize {
			return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
		}
	case StorageDriverBadger:
		if cfg.Storage.BadgerDir == "" {
			return fmt.Errorf("badger 資料目錄不能為空")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("不支援的存儲驅動: %q", cfg.Storage.Driver)
	}

	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	if cfg.E2EE.MaxOneTimePrekeys < 0 || cfg.E2EE.MaxSkippedMessageKeys < 0 {
		return fmt.Errorf("預密鑰與跳過訊息密鑰上限不能為負數")
	}
	if cfg.E2EE.PrekeyRefillThreshold > cfg.E2EE.MaxOneTimePrekeys {
		return fmt.Errorf("預密鑰補充門檻不能大於預密鑰上限")
	}
	if cfg.E2EE.MaxGroupMembers < 0 {
		return fmt.Errorf("群組成員上限不能為負數")
	}
	if cfg.Optimizer.CacheMaxSize < 0 || cfg.Optimizer.BatchSizeLimit < 0 || cfg.Optimizer.AsyncMaxConcurrency < 0 {
		return fmt.Errorf("最佳化器容量設定不能為負數")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}

// GetServerAddr 取得伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:8080"
}

// GetGRPCAddr 取得 gRPC 監聽地址
func GetGRPCAddr() string {
	if config != nil && config.GRPC.Port != "" {
		return fmt.Sprintf("%s:%s", config.GRPC.Host, config.GRPC.Port)
	}
	return "localhost:8081"
}
