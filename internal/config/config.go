// Package config handles configuration loading, validation, and management for vrmoded.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Coordinator configures the VR mode state coordinator.
	Coordinator CoordinatorConfig `toml:"coordinator" json:"coordinator" yaml:"coordinator"`

	// Registry configures the listener manifest directory.
	Registry RegistryConfig `toml:"registry" json:"registry" yaml:"registry"`

	// Grants configures the permission grant store.
	Grants GrantsConfig `toml:"grants" json:"grants" yaml:"grants"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Signals configures the sleep and screen gate sources.
	Signals SignalsConfig `toml:"signals" json:"signals" yaml:"signals"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit configures the JSON audit trail.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// HTTP configures the health and metrics listener.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// CoordinatorConfig holds state coordinator tuning.
type CoordinatorConfig struct {
	// DebounceMs delays the re-application of a request deferred while the
	// display was unavailable.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// LogCapacity is the number of transition records kept for diagnostics.
	LogCapacity int `toml:"log_capacity" json:"log_capacity" yaml:"log_capacity"`

	// ObserverTimeoutMs bounds a single observer notification. 0 disables.
	ObserverTimeoutMs int `toml:"observer_timeout_ms" json:"observer_timeout_ms" yaml:"observer_timeout_ms"`

	// Scope is the scope active at startup.
	Scope int `toml:"scope" json:"scope" yaml:"scope"`
}

// RegistryConfig holds listener registry configuration.
type RegistryConfig struct {
	// ManifestDir holds one manifest per installed listener.
	ManifestDir string `toml:"manifest_dir" json:"manifest_dir" yaml:"manifest_dir"`

	// TrustedPackages receive the extra grants when bound.
	TrustedPackages []string `toml:"trusted_packages" json:"trusted_packages" yaml:"trusted_packages"`

	// Watch reloads the registry when the directory changes.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`

	// DebounceMs coalesces bursts of directory events.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// GrantsConfig holds grant store configuration.
type GrantsConfig struct {
	// DatabasePath is the SQLite file. ":memory:" keeps grants in memory.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the control socket is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal mode of the socket file.
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum number of concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the idle timeout of a client connection.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// RateLimit is the sustained rate of state-changing requests allowed per
	// peer user, in requests per second. 0 disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`

	// RateBurst is the number of state-changing requests a peer may make
	// back to back.
	RateBurst int `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`

	// AllowedUIDs may issue mutating requests in addition to root and the
	// daemon's own user.
	AllowedUIDs []int `toml:"allowed_uids" json:"allowed_uids" yaml:"allowed_uids"`
}

// SignalsConfig holds D-Bus gate signal configuration.
type SignalsConfig struct {
	// Enabled subscribes to D-Bus at all.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Sleep follows logind PrepareForSleep on the system bus.
	Sleep bool `toml:"sleep" json:"sleep" yaml:"sleep"`

	// Screen follows the screensaver ActiveChanged signal on the session bus.
	Screen bool `toml:"screen" json:"screen" yaml:"screen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is how long to keep rotated files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// HTTPConfig holds the health and metrics endpoint configuration.
type HTTPConfig struct {
	// Listen is the address to serve /healthz, /readyz and /metrics on.
	// Empty disables the listener.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Coordinator: CoordinatorConfig{
			DebounceMs:        300,
			LogCapacity:       64,
			ObserverTimeoutMs: 5000,
		},
		Registry: RegistryConfig{
			ManifestDir:     paths.ManifestDir,
			TrustedPackages: []string{},
			Watch:           true,
			DebounceMs:      200,
		},
		Grants: GrantsConfig{
			DatabasePath: paths.DatabaseFile,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0660",
			MaxConnections: 32,
			TimeoutSec:     300,
			RateLimit:      10,
			RateBurst:      20,
		},
		Signals: SignalsConfig{
			Enabled: true,
			Sleep:   true,
			Screen:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "vrmoded.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(paths.LogDir, "audit.log"),
			MaxSizeMB:  20,
			MaxBackups: 10,
			MaxAgeDays: 90,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv("VRMODED_CONFIG"); p != "" {
		return p
	}
	return GetDefaultPaths().ConfigFile
}

// Load reads configuration from the specified path, applies environment
// overrides and validates the result. A missing file yields the defaults.
// TOML, JSON and YAML are selected by extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// loadConfigFromFile decodes path over the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Registry.ManifestDir}
	if c.Grants.DatabasePath != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Grants.DatabasePath))
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with VRMODED_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("VRMODED_MANIFEST_DIR"); v != "" {
		c.Registry.ManifestDir = v
	}
	if v := os.Getenv("VRMODED_TRUSTED_PACKAGES"); v != "" {
		c.Registry.TrustedPackages = splitList(v)
	}
	if v := os.Getenv("VRMODED_DATABASE_PATH"); v != "" {
		c.Grants.DatabasePath = v
	}
	if v := os.Getenv("VRMODED_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("VRMODED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VRMODED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("VRMODED_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("VRMODED_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("VRMODED_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Coordinator.DebounceMs = n
		}
	}
	if v := os.Getenv("VRMODED_SIGNALS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Signals.Enabled = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:     c.Version,
		Coordinator: c.Coordinator,
		Registry:    c.Registry,
		Grants:      c.Grants,
		IPC:         c.IPC,
		Signals:     c.Signals,
		Logging:     c.Logging,
		Audit:       c.Audit,
		HTTP:        c.HTTP,
	}
	clone.Registry.TrustedPackages = append([]string{}, c.Registry.TrustedPackages...)
	clone.IPC.AllowedUIDs = append([]int{}, c.IPC.AllowedUIDs...)
	return clone
}

// DebounceDelay returns the coordinator debounce as a duration.
func (c *Config) DebounceDelay() time.Duration {
	return time.Duration(c.Coordinator.DebounceMs) * time.Millisecond
}

// ObserverTimeout returns the per-observer notification bound.
func (c *Config) ObserverTimeout() time.Duration {
	return time.Duration(c.Coordinator.ObserverTimeoutMs) * time.Millisecond
}

// RegistryDebounce returns the manifest watch debounce as a duration.
func (c *Config) RegistryDebounce() time.Duration {
	return time.Duration(c.Registry.DebounceMs) * time.Millisecond
}

// IPCTimeout returns the client idle timeout.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// SocketMode parses IPC.Permissions.
func (c *Config) SocketMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parse socket permissions %q: %w", c.IPC.Permissions, err)
	}
	return os.FileMode(m), nil
}
