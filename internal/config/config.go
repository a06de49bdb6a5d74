package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for warden. It is loaded
// from ~/.warden/config.yaml and can be overridden by WARDEN_*
// environment variables.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Provenance ProvenanceConfig `mapstructure:"provenance" yaml:"provenance"`
	Dataflow   DataflowConfig   `mapstructure:"dataflow" yaml:"dataflow"`
	Execution  ExecutionConfig  `mapstructure:"execution" yaml:"execution"`
	Observer   ObserverConfig   `mapstructure:"observer" yaml:"observer"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file; empty disables file output
	File string `mapstructure:"file" yaml:"file"`
	// Console enables human-readable console output
	Console bool `mapstructure:"console" yaml:"console"`
}

// MemoryConfig configures the bounded value store.
type MemoryConfig struct {
	// MaxValues bounds the number of stored values
	MaxValues int `mapstructure:"max_values" yaml:"max_values"`
	// MaxBytes bounds the total serialized payload size
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
	// CompactionInterval is the background light-compaction period
	CompactionInterval time.Duration `mapstructure:"compaction_interval" yaml:"compaction_interval"`
	// Compression enables best-effort payload compression
	Compression bool `mapstructure:"compression" yaml:"compression"`
}

// PolicyConfig configures the security policy engine.
type PolicyConfig struct {
	// CacheSize bounds the decision cache
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
	// DisableBuiltins skips the built-in policy set; use only in tests
	DisableBuiltins bool `mapstructure:"disable_builtins" yaml:"disable_builtins"`
}

// ProvenanceConfig configures the provenance tracker and ledger.
type ProvenanceConfig struct {
	// MaxRecords bounds the in-memory record store
	MaxRecords int `mapstructure:"max_records" yaml:"max_records"`
	// LedgerPath is the sqlite file for durable records; empty disables
	// persistence
	LedgerPath string `mapstructure:"ledger_path" yaml:"ledger_path"`
}

// DataflowConfig configures the lineage graph.
type DataflowConfig struct {
	// MaxNodes bounds the graph size; 0 means unbounded
	MaxNodes int `mapstructure:"max_nodes" yaml:"max_nodes"`
}

// ExecutionConfig configures the orchestrator's external-call handling.
type ExecutionConfig struct {
	// StepTimeout bounds each tool, planner, or quarantine call
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	// QuarantineRetries is the retry count for transient quarantine failures
	QuarantineRetries int `mapstructure:"quarantine_retries" yaml:"quarantine_retries"`
	// RetryBackoff is the base backoff; actual delay grows linearly
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// ObserverConfig configures the WebSocket event observer.
type ObserverConfig struct {
	// Enabled starts the observer alongside the orchestrator
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Port is the HTTP/WebSocket listen port
	Port int `mapstructure:"port" yaml:"port"`
	// ReplayHistory sends recent events to newly connected clients
	ReplayHistory bool `mapstructure:"replay_history" yaml:"replay_history"`
	// HistoryCount is the number of events replayed
	HistoryCount int `mapstructure:"history_count" yaml:"history_count"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	wardenDir := filepath.Join(homeDir, ".warden")

	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(wardenDir, "logs", "warden.log"),
			Console: true,
		},
		Memory: MemoryConfig{
			MaxValues:          1000,
			MaxBytes:           64 << 20,
			CompactionInterval: time.Minute,
			Compression:        false,
		},
		Policy: PolicyConfig{
			CacheSize:       1024,
			DisableBuiltins: false,
		},
		Provenance: ProvenanceConfig{
			MaxRecords: 10000,
			LedgerPath: filepath.Join(wardenDir, "provenance.db"),
		},
		Dataflow: DataflowConfig{
			MaxNodes: 100000,
		},
		Execution: ExecutionConfig{
			StepTimeout:       30 * time.Second,
			QuarantineRetries: 2,
			RetryBackoff:      500 * time.Millisecond,
		},
		Observer: ObserverConfig{
			Enabled:       false,
			Port:          8765,
			ReplayHistory: true,
			HistoryCount:  100,
		},
	}
}

// Load reads configuration from the default location (~/.warden/config.yaml)
// and merges with environment variables. If no config file exists, it
// creates one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".warden", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges
// with environment variables. If the file doesn't exist, it creates one
// with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example override: WARDEN_PROVENANCE_LEDGER_PATH
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Provenance.LedgerPath = expandPath(cfg.Provenance.LedgerPath)

	return &cfg, nil
}

// Save writes the current configuration to the default config file
// location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	return c.SaveToPath(filepath.Join(homeDir, ".warden", "config.yaml"))
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// GetDataDir returns the warden data directory path (~/.warden).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".warden")
}

// EnsureDirectories creates all directories the configuration refers to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.GetDataDir()}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	if c.Provenance.LedgerPath != "" && c.Provenance.LedgerPath != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Provenance.LedgerPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Memory.MaxValues < 0 {
		return fmt.Errorf("memory.max_values cannot be negative")
	}
	if c.Memory.MaxBytes < 0 {
		return fmt.Errorf("memory.max_bytes cannot be negative")
	}
	if c.Policy.CacheSize < 0 {
		return fmt.Errorf("policy.cache_size cannot be negative")
	}
	if c.Provenance.MaxRecords < 0 {
		return fmt.Errorf("provenance.max_records cannot be negative")
	}
	if c.Dataflow.MaxNodes < 0 {
		return fmt.Errorf("dataflow.max_nodes cannot be negative")
	}
	if c.Execution.QuarantineRetries < 0 {
		return fmt.Errorf("execution.quarantine_retries cannot be negative")
	}
	if c.Observer.Enabled && (c.Observer.Port < 1 || c.Observer.Port > 65535) {
		return fmt.Errorf("observer.port must be between 1 and 65535")
	}
	return nil
}

// writeConfigFile writes a Config struct to a YAML file. Uses
// gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
