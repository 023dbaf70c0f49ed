package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultctl/vaultsync/internal/crypto"
)

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.Backend != BackendDynamoDB || cfg.CacheBackend != CacheFile {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
	if cfg.KDFMemoryLimit != DefaultKDFMemoryLimit {
		t.Errorf("KDFMemoryLimit = %d, want %d", cfg.KDFMemoryLimit, DefaultKDFMemoryLimit)
	}
}

func TestDefaultKDFMemoryLimitAdmitsDefaults(t *testing.T) {
	d := crypto.KeyDeriver{MemoryLimitKiB: DefaultConfig().KDFMemoryLimit}
	if !d.MemoryHardAvailable(crypto.DefaultKDFConfig()) {
		t.Fatal("default limit rejects the default argon2id parameters")
	}
	hostile := crypto.DefaultKDFConfig()
	hostile.Memory = crypto.MaxMemory
	if d.MemoryHardAvailable(hostile) {
		t.Error("default limit admits a 4 GiB argon2id derivation")
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.ConfigPath = path
	cfg.Owner = "alice"
	cfg.Backend = BackendBolt
	cfg.BoltPath = filepath.Join(t.TempDir(), "remote.db")
	cfg.MaxRetries = 5

	if err := cfg.SaveConfig(); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if got.Owner != "alice" || got.Backend != BackendBolt || got.MaxRetries != 5 || got.BoltPath != cfg.BoltPath {
		t.Errorf("loaded = %+v", got)
	}
}

func TestDefaultPathHonorsEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/elsewhere.json")
	if got := DefaultPath(); got != "/tmp/elsewhere.json" {
		t.Errorf("DefaultPath = %q", got)
	}
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFrom(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Backend = "s3" }, false},
		{"mongo without uri", func(c *Config) { c.Backend = BackendMongo }, false},
		{"mongo with uri", func(c *Config) { c.Backend = BackendMongo; c.MongoURI = "mongodb://localhost" }, true},
		{"bolt without path", func(c *Config) { c.Backend = BackendBolt; c.BoltPath = "" }, false},
		{"dynamodb without table", func(c *Config) { c.TableName = "" }, false},
		{"unknown cache", func(c *Config) { c.CacheBackend = "redis" }, false},
		{"empty cache path", func(c *Config) { c.CachePath = "" }, false},
		{"chacha", func(c *Config) { c.Cipher = "chacha20-poly1305" }, true},
		{"unknown cipher", func(c *Config) { c.Cipher = "rot13" }, false},
		{"no retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -2 }, false},
		{"bad poll interval", func(c *Config) { c.PollInterval = "often" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err == nil) != tt.valid {
				t.Fatalf("Validate() = %v, valid %v", err, tt.valid)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v is not ErrInvalidConfig", err)
			}
		})
	}
}

func TestPoll(t *testing.T) {
	cfg := DefaultConfig()
	d, err := cfg.Poll()
	if err != nil || d != 10*time.Second {
		t.Errorf("Poll() = %v, %v", d, err)
	}
	cfg.PollInterval = ""
	if d, _ := cfg.Poll(); d != 0 {
		t.Errorf("unset Poll() = %v, want 0", d)
	}
}
