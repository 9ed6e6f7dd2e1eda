// Package config provides configuration management for crosssync.
// It supports YAML configuration files, environment variables, and sensible defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klauern/crosssync/internal/adapter"
	"github.com/klauern/crosssync/internal/eventbus"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/sync"
	"github.com/klauern/crosssync/internal/util"
)

// Config represents the complete crosssync configuration.
type Config struct {
	// Sync configures the synchronization engine
	Sync SyncConfig `yaml:"sync"`

	// Events configures the event bus
	Events EventsConfig `yaml:"events"`

	// Storage configures where records and the platform registry live
	Storage StorageConfig `yaml:"storage"`

	// Security configures the encryption key
	Security SecurityConfig `yaml:"security"`

	// Rules configures the sync rule document
	Rules RulesConfig `yaml:"rules"`

	// Adapters configures each platform kind
	Adapters AdaptersConfig `yaml:"adapters"`

	// Platforms are registered when the service starts
	Platforms []PlatformConfig `yaml:"platforms,omitempty"`

	// Logging configures log output
	Logging LoggingConfig `yaml:"logging"`

	// Output configures display preferences
	Output OutputConfig `yaml:"output"`
}

// SyncConfig holds engine timings.
type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ConflictWindow    time.Duration `yaml:"conflict_window"`
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RecoveryDelay     time.Duration `yaml:"recovery_delay"`
	ConflictRetention time.Duration `yaml:"conflict_retention"`
	// DefaultStrategy applies to categories without a rule
	DefaultStrategy string `yaml:"default_strategy"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	HistorySize int           `yaml:"history_size"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DataDir holds the platform registry and the default fallback store
	DataDir string `yaml:"data_dir"`
	// Database is the SQLite record store path; empty keeps records in memory
	Database string `yaml:"database"`
	// FallbackDir is where adapters without a filesystem of their own write; defaults to <data_dir>/fallback
	FallbackDir string `yaml:"fallback_dir,omitempty"`
}

// SecurityConfig holds key settings.
type SecurityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// RulesConfig holds sync rule document settings.
type RulesConfig struct {
	Path string `yaml:"path"`
	// Watch reloads the document when it changes on disk
	Watch bool `yaml:"watch"`
}

// AdaptersConfig holds per-kind adapter settings.
type AdaptersConfig struct {
	HTTPExtension HTTPExtensionConfig `yaml:"http_extension"`
	Vault         VaultConfig         `yaml:"vault"`
	Launcher      LauncherConfig      `yaml:"launcher"`
}

// HTTPExtensionConfig configures browser-extension platforms.
type HTTPExtensionConfig struct {
	Endpoint     string        `yaml:"endpoint,omitempty"`
	WebSocketURL string        `yaml:"websocket_url,omitempty"`
	Credential   string        `yaml:"credential,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
}

// VaultConfig configures notes-vault platforms.
type VaultConfig struct {
	VaultPath string        `yaml:"vault_path,omitempty"`
	Endpoint  string        `yaml:"endpoint,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LauncherConfig configures launcher-extension platforms.
type LauncherConfig struct {
	ExtensionPath string        `yaml:"extension_path,omitempty"`
	Endpoint      string        `yaml:"endpoint,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PlatformConfig describes a platform registered at start-up.
type PlatformConfig struct {
	// ID pins the platform id so it survives restarts; empty generates one
	ID           string         `yaml:"id,omitempty"`
	Kind         string         `yaml:"kind"`
	Version      string         `yaml:"version,omitempty"`
	Capabilities []string       `yaml:"capabilities,omitempty"`
	Endpoint     string         `yaml:"endpoint,omitempty"`
	Credential   string         `yaml:"credential,omitempty"`
	Metadata     map[string]any `yaml:"metadata,omitempty"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// JSON selects the JSON handler
	JSON bool `yaml:"json"`
}

// OutputConfig holds display preferences.
type OutputConfig struct {
	// Color controls color output (auto, always, never)
	Color string `yaml:"color"`
}

// Default returns the default configuration.
func Default() *Config {
	def := sync.DefaultConfig()
	bus := eventbus.DefaultOptions()
	return &Config{
		Sync: SyncConfig{
			Interval:          def.Interval,
			StaleAfter:        def.StaleAfter,
			ConflictWindow:    def.ConflictWindow,
			MaxRetries:        def.MaxRetries,
			BackoffBase:       def.BackoffBase,
			BackoffMax:        def.BackoffMax,
			RecoveryDelay:     def.RecoveryDelay,
			ConflictRetention: def.Retention,
			DefaultStrategy:   string(def.DefaultStrategy),
		},
		Events: EventsConfig{
			QueueSize:   bus.QueueSize,
			HistorySize: bus.HistorySize,
			MaxRetries:  bus.MaxRetries,
			RetryDelay:  bus.RetryDelay,
		},
		Storage: StorageConfig{
			DataDir: util.CrosssyncDataPath(),
		},
		Security: SecurityConfig{
			KeyFile: util.CrosssyncKeyPath(),
		},
		Rules: RulesConfig{
			Path:  util.CrosssyncRulesPath(),
			Watch: true,
		},
		Adapters: AdaptersConfig{
			HTTPExtension: HTTPExtensionConfig{Timeout: adapter.DefaultTimeout},
			Vault:         VaultConfig{Timeout: adapter.DefaultTimeout},
			Launcher:      LauncherConfig{Timeout: adapter.DefaultTimeout},
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
		Output: OutputConfig{
			Color: "auto",
		},
	}
}

// FilePath returns the path to the config file.
func FilePath() string {
	return util.CrosssyncConfigPath()
}

// Load loads the configuration from file, merging with defaults.
// If the config file doesn't exist, returns default configuration.
func Load() (*Config, error) {
	cfg, err := LoadFromPath(FilePath())
	if os.IsNotExist(err) {
		cfg = Default()
		cfg.applyEnvironment()
		return cfg, nil
	}
	return cfg, err
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path is provided by caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvironment()
	return cfg, nil
}

// Save writes the configuration to the config file.
func (c *Config) Save() error {
	return c.SaveToPath(FilePath())
}

// SaveToPath writes the configuration to a specific path.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	// #nosec G306 - config file should be readable by user
	return os.WriteFile(path, data, 0o644)
}

// Validate reports the first setting the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := model.ParseStrategy(c.Sync.DefaultStrategy); err != nil {
		return fmt.Errorf("sync.default_strategy: %w", err)
	}
	if c.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries must not be negative")
	}
	if c.Sync.BackoffMax > 0 && c.Sync.BackoffBase > c.Sync.BackoffMax {
		return fmt.Errorf("sync.backoff_base %v exceeds sync.backoff_max %v", c.Sync.BackoffBase, c.Sync.BackoffMax)
	}
	for i, p := range c.Platforms {
		if _, err := model.ParseKind(p.Kind); err != nil {
			return fmt.Errorf("platforms[%d]: %w", i, err)
		}
	}
	return nil
}

// applyEnvironment applies environment variable overrides.
// Environment variables follow the pattern CROSSSYNC_<SECTION>_<KEY>.
func (c *Config) applyEnvironment() {
	// Sync settings
	setDuration("CROSSSYNC_SYNC_INTERVAL", &c.Sync.Interval)
	setDuration("CROSSSYNC_SYNC_STALE_AFTER", &c.Sync.StaleAfter)
	setDuration("CROSSSYNC_SYNC_CONFLICT_WINDOW", &c.Sync.ConflictWindow)
	setInt("CROSSSYNC_SYNC_MAX_RETRIES", &c.Sync.MaxRetries)
	setDuration("CROSSSYNC_SYNC_BACKOFF_BASE", &c.Sync.BackoffBase)
	setDuration("CROSSSYNC_SYNC_BACKOFF_MAX", &c.Sync.BackoffMax)
	setDuration("CROSSSYNC_SYNC_RECOVERY_DELAY", &c.Sync.RecoveryDelay)
	setDuration("CROSSSYNC_SYNC_CONFLICT_RETENTION", &c.Sync.ConflictRetention)
	setString("CROSSSYNC_SYNC_STRATEGY", &c.Sync.DefaultStrategy)

	// Event bus
	setInt("CROSSSYNC_EVENTS_QUEUE_SIZE", &c.Events.QueueSize)
	setInt("CROSSSYNC_EVENTS_HISTORY_SIZE", &c.Events.HistorySize)

	// Storage
	setString("CROSSSYNC_STORAGE_DATA_DIR", &c.Storage.DataDir)
	setString("CROSSSYNC_STORAGE_DATABASE", &c.Storage.Database)
	setString("CROSSSYNC_STORAGE_FALLBACK_DIR", &c.Storage.FallbackDir)

	setString("CROSSSYNC_SECURITY_KEY_FILE", &c.Security.KeyFile)

	setString("CROSSSYNC_RULES_PATH", &c.Rules.Path)
	if v := os.Getenv("CROSSSYNC_RULES_WATCH"); v != "" {
		c.Rules.Watch = parseBool(v)
	}

	// Adapters
	setString("CROSSSYNC_HTTP_EXTENSION_ENDPOINT", &c.Adapters.HTTPExtension.Endpoint)
	setString("CROSSSYNC_HTTP_EXTENSION_WEBSOCKET_URL", &c.Adapters.HTTPExtension.WebSocketURL)
	setString("CROSSSYNC_HTTP_EXTENSION_CREDENTIAL", &c.Adapters.HTTPExtension.Credential)
	setString("CROSSSYNC_VAULT_PATH", &c.Adapters.Vault.VaultPath)
	setString("CROSSSYNC_VAULT_ENDPOINT", &c.Adapters.Vault.Endpoint)
	setString("CROSSSYNC_LAUNCHER_PATH", &c.Adapters.Launcher.ExtensionPath)
	setString("CROSSSYNC_LAUNCHER_ENDPOINT", &c.Adapters.Launcher.Endpoint)

	// Logging and output
	setString("CROSSSYNC_LOGGING_LEVEL", &c.Logging.Level)
	if v := os.Getenv("CROSSSYNC_LOGGING_JSON"); v != "" {
		c.Logging.JSON = parseBool(v)
	}
	setString("CROSSSYNC_OUTPUT_COLOR", &c.Output.Color)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			*dst = d
		}
	}
}

// parseBool parses a boolean from common string representations.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Strategy returns the default conflict strategy, falling back to
// latest-wins when the configured value is invalid.
func (c *Config) Strategy() model.Strategy {
	if s, err := model.ParseStrategy(c.Sync.DefaultStrategy); err == nil {
		return s
	}
	return model.StrategyLatestWins
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return util.ExpandPath(c.Storage.DataDir)
}

// FallbackDir returns the fallback store root.
func (c *Config) FallbackDir() string {
	if c.Storage.FallbackDir != "" {
		return util.ExpandPath(c.Storage.FallbackDir)
	}
	return filepath.Join(c.DataDir(), "fallback")
}

// RegistryPath returns the platform registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir(), sync.RegistryFile)
}

// DatabasePath returns the expanded record database path, or "" for memory.
func (c *Config) DatabasePath() string {
	return util.ExpandPath(c.Storage.Database)
}

// KeyFile returns the expanded key file path.
func (c *Config) KeyFile() string {
	return util.ExpandPath(c.Security.KeyFile)
}

// RulesPath returns the expanded rule document path.
func (c *Config) RulesPath() string {
	return util.ExpandPath(c.Rules.Path)
}

// EngineConfig converts the sync section into engine settings.
func (c *Config) EngineConfig() sync.Config {
	return sync.Config{
		Interval:        c.Sync.Interval,
		StaleAfter:      c.Sync.StaleAfter,
		ConflictWindow:  c.Sync.ConflictWindow,
		MaxRetries:      c.Sync.MaxRetries,
		BackoffBase:     c.Sync.BackoffBase,
		BackoffMax:      c.Sync.BackoffMax,
		RecoveryDelay:   c.Sync.RecoveryDelay,
		Retention:       c.Sync.ConflictRetention,
		DefaultStrategy: c.Strategy(),
		RegistryPath:    c.RegistryPath(),
	}
}

// BusOptions converts the events section into event bus options.
func (c *Config) BusOptions() eventbus.Options {
	return eventbus.Options{
		QueueSize:   c.Events.QueueSize,
		HistorySize: c.Events.HistorySize,
		MaxRetries:  c.Events.MaxRetries,
		RetryDelay:  c.Events.RetryDelay,
	}
}

// AdapterConfigs returns the configuration of every platform kind.
// Platforms without a filesystem of their own share the fallback root.
func (c *Config) AdapterConfigs() map[model.PlatformKind]adapter.Config {
	fallback := c.FallbackDir()
	vault := util.ExpandPath(c.Adapters.Vault.VaultPath)
	if vault == "" {
		vault = filepath.Join(fallback, "vault")
	}
	launcher := util.ExpandPath(c.Adapters.Launcher.ExtensionPath)
	if launcher == "" {
		launcher = filepath.Join(fallback, "launcher")
	}

	ext := c.Adapters.HTTPExtension
	return map[model.PlatformKind]adapter.Config{
		model.KindHTTPExtension: {
			Kind:         model.KindHTTPExtension,
			Endpoint:     ext.Endpoint,
			WebSocketURL: ext.WebSocketURL,
			Credential:   ext.Credential,
			Root:         fallback,
			Timeout:      ext.Timeout,
		},
		model.KindVaultFilesystem: {
			Kind:     model.KindVaultFilesystem,
			Endpoint: c.Adapters.Vault.Endpoint,
			Root:     vault,
			Timeout:  c.Adapters.Vault.Timeout,
		},
		model.KindLauncherExtension: {
			Kind:     model.KindLauncherExtension,
			Endpoint: c.Adapters.Launcher.Endpoint,
			Root:     launcher,
			Timeout:  c.Adapters.Launcher.Timeout,
		},
		model.KindGeneric: {
			Kind:    model.KindGeneric,
			Root:    fallback,
			Timeout: adapter.DefaultTimeout,
		},
	}
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() slog.Level {
	return logging.ParseLevel(c.Logging.Level)
}

// Exists returns true if a config file exists.
func Exists() bool {
	_, err := os.Stat(FilePath())
	return err == nil
}
