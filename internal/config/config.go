package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultctl/vaultsync/internal/crypto"
)

// EnvConfigPath overrides the config file location
const EnvConfigPath = "VAULTSYNC_CONFIG"

// Remote backends
const (
	BackendDynamoDB = "dynamodb"
	BackendMongo    = "mongo"
	BackendBolt     = "bolt"
)

// Cache backends
const (
	CacheFile = "file"
	CacheBolt = "bolt"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	Owner   string `json:"owner"`
	Backend string `json:"backend"`

	AWSRegion string `json:"aws_region,omitempty"`
	TableName string `json:"table_name,omitempty"`

	MongoURI        string `json:"mongo_uri,omitempty"`
	MongoDatabase   string `json:"mongo_database,omitempty"`
	MongoCollection string `json:"mongo_collection,omitempty"`

	BoltPath string `json:"bolt_path,omitempty"` // remote database for the bolt backend

	CacheBackend string `json:"cache_backend"`
	CachePath    string `json:"cache_path"`
	BackupDir    string `json:"backup_dir"`

	Cipher     string `json:"cipher,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	// PollInterval is a Go duration, e.g. "10s"
	PollInterval string `json:"poll_interval,omitempty"`
	// KDFMemoryLimit caps Argon2id memory in KiB; 0 leaves only crypto.MaxMemory
	KDFMemoryLimit uint32 `json:"kdf_memory_limit_kib,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
	Debug   bool `json:"debug,omitempty"`

	ConfigPath string `json:"-"` // Not stored, just for reference
}

// Dir returns the application directory
func Dir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".vaultsync")
}

// DefaultPath returns the config file path, honoring VAULTSYNC_CONFIG
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.json")
}

// DefaultKDFMemoryLimit is 1 GiB, in KiB
const DefaultKDFMemoryLimit = 1 << 20

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	dir := Dir()
	return &Config{
		Backend:         BackendDynamoDB,
		AWSRegion:       "us-west-2",
		TableName:       "vaultsync_vaults",
		MongoDatabase:   "vaultsync",
		MongoCollection: "vaults",
		BoltPath:        filepath.Join(dir, "remote.db"),
		CacheBackend:    CacheFile,
		CachePath:       filepath.Join(dir, "cache.json"),
		BackupDir:       filepath.Join(dir, "backups"),
		Cipher:          string(crypto.CipherAESGCM),
		PollInterval:    "10s",
		KDFMemoryLimit:  DefaultKDFMemoryLimit,
		ConfigPath:      DefaultPath(),
	}
}

// LoadConfig loads configuration from the default path
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultPath())
}

// LoadConfigFrom loads configuration from path; a missing file yields defaults
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.ConfigPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ConfigPath = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves configuration to file
func (c *Config) SaveConfig() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.ConfigPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks field values
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendDynamoDB:
		if c.TableName == "" || c.AWSRegion == "" {
			return fmt.Errorf("%w: dynamodb backend needs aws_region and table_name", ErrInvalidConfig)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: mongo backend needs mongo_uri", ErrInvalidConfig)
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("%w: bolt backend needs bolt_path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}

	switch c.CacheBackend {
	case CacheFile, CacheBolt:
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.CacheBackend)
	}
	if c.CachePath == "" {
		return fmt.Errorf("%w: cache_path is empty", ErrInvalidConfig)
	}

	if c.Cipher != "" {
		if _, err := crypto.ParseCipher(c.Cipher); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.MaxRetries < -1 {
		return fmt.Errorf("%w: max_retries must be -1 or more", ErrInvalidConfig)
	}
	if _, err := c.Poll(); err != nil {
		return err
	}
	return nil
}

// Poll returns the staleness poll interval; zero when unset
func (c *Config) Poll() (time.Duration, error) {
	if c.PollInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: bad poll_interval %q", ErrInvalidConfig, c.PollInterval)
	}
	return d, nil
}

// CipherSuite returns the configured AEAD, defaulting to AES-GCM
func (c *Config) CipherSuite() crypto.Cipher {
	if c.Cipher == "" {
		return crypto.CipherAESGCM
	}
	cs, err := crypto.ParseCipher(c.Cipher)
	if err != nil {
		return crypto.CipherAESGCM
	}
	return cs
}
