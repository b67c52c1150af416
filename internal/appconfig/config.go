// Package appconfig holds the daemon's ambient process configuration —
// log destination, default NAT timeout, listen addresses, and the
// operator status surface — loaded from a small YAML file. This is
// deliberately separate from the LwM2M credential store (internal/credstore),
// whose on-disk format is dictated by the protocol and not by operator taste.
package appconfig

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's ambient configuration.
type Config struct {
	Logging struct {
		Path       string `yaml:"path"`
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Transport struct {
		ListenAddr        string `yaml:"listen_addr"`
		NATTimeoutSeconds int    `yaml:"nat_timeout_seconds"`
	} `yaml:"transport"`

	Store struct {
		CredentialFile string `yaml:"credential_file"`
		ParameterDir   string `yaml:"parameter_dir"`
	} `yaml:"store"`

	OpStatus struct {
		Enabled      bool   `yaml:"enabled"`
		ListenAddr   string `yaml:"listen_addr"`
		JWTSecret    string `yaml:"jwt_secret"`
		Username     string `yaml:"username"`
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"op_status"`
}

var (
	mu     sync.RWMutex
	global *Config
)

// Load reads and validates a YAML configuration file, installing it as the
// process-wide configuration returned by Get.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	global = cfg
	mu.Unlock()

	return cfg, nil
}

// Reload re-reads the same file previously loaded, for SIGHUP handling.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// Get returns the current process-wide configuration. Panics if Load was
// never called — callers must load configuration before using it.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		panic("appconfig: Get called before Load")
	}
	return global
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Logging.MaxSizeMB = 50
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Transport.ListenAddr = "0.0.0.0:0"
	cfg.Transport.NATTimeoutSeconds = 40
	cfg.Store.CredentialFile = "clientConfig.txt"
	cfg.Store.ParameterDir = "."
	cfg.OpStatus.ListenAddr = "127.0.0.1:8090"
	cfg.OpStatus.Username = "operator"
	return cfg
}

// Validate checks invariants that are cheap to verify eagerly, rather than
// surfacing confusing failures deep inside the transport or store layers.
func (c *Config) Validate() error {
	if c.Transport.NATTimeoutSeconds < 0 {
		return fmt.Errorf("transport.nat_timeout_seconds must be >= 0, got %d", c.Transport.NATTimeoutSeconds)
	}
	if c.Store.CredentialFile == "" {
		return fmt.Errorf("store.credential_file must not be empty")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
