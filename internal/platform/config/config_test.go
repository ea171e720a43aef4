package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		App:     AppConfig{Name: "e2ee-gateway", Version: "test"},
		Server:  ServerConfig{Host: "127.0.0.1", Port: "8080", Timeout: 30},
		Storage: StorageConfig{Driver: StorageDriverMemory},
		Log:     LogConfig{RotationTimeHours: 24, MaxAgeDays: 7, MaxSizeMB: 10},
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid memory", func(*Config) {}, false},
		{"badger without dir", func(c *Config) { c.Storage.Driver = StorageDriverBadger }, true},
		{"badger with dir", func(c *Config) {
			c.Storage.Driver = StorageDriverBadger
			c.Storage.BadgerDir = "/tmp/e2ee"
		}, false},
		{"mongo without url", func(c *Config) { c.Storage.Driver = StorageDriverMongo }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, true},
		{"refill above max", func(c *Config) {
			c.E2EE.MaxOneTimePrekeys = 10
			c.E2EE.PrekeyRefillThreshold = 20
		}, true},
		{"missing port", func(c *Config) { c.Server.Port = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_FromFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
app:
  name: e2ee-gateway
  version: 0.0.1
server:
  host: 127.0.0.1
  port: "9090"
  timeout: 10
storage:
  driver: memory
log:
  rotation_time_hours: 1
  max_age_days: 1
  max_size_mb: 1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	if err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := Get()
	if GetEnv() != "test" {
		t.Errorf("env = %q, want test", GetEnv())
	}
	if cfg.E2EE.MaxSkippedMessageKeys != 1000 {
		t.Errorf("max skipped keys default = %d", cfg.E2EE.MaxSkippedMessageKeys)
	}
	if cfg.Optimizer.BatchIntervalMillis != 1000 || !cfg.Optimizer.Compression {
		t.Errorf("optimizer defaults not applied: %+v", cfg.Optimizer)
	}
	if GetServerAddr() != "127.0.0.1:9090" {
		t.Errorf("server addr = %q", GetServerAddr())
	}
}
