package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for all environment variables consumed by zen.
// Nested keys use a double underscore: ZEN_TIMEOUTS__DOWNLOAD=120s.
const EnvPrefix = "ZEN_"

// Config holds all process-wide settings. Defaults cover a stock Debian-like
// host; every field can be overridden from the environment.
type Config struct {
	// StateDBPath is the directory holding the embedded state database.
	StateDBPath string `koanf:"state_db"`

	// UnitDir is the systemd system unit directory where per-instance
	// template units are installed.
	UnitDir string `koanf:"unit_dir"`

	// ProxyDir is the reverse-proxy drop-in directory watched by Caddy.
	ProxyDir string `koanf:"proxy_dir"`

	// ProxyUnit is the supervisor unit of the reverse proxy itself,
	// reloaded after snippets change.
	ProxyUnit string `koanf:"proxy_unit"`

	// InstallRoot is the root under which per-user app trees live
	// (InstallRoot/<user>/<AppDisplay>).
	InstallRoot string `koanf:"install_root"`

	// HomeRoot is the root of user home directories.
	HomeRoot string `koanf:"home_root"`

	// LockDir holds per-(user, app) advisory lock files.
	LockDir string `koanf:"lock_dir"`

	// BackupDirName is the directory name under a user's home where
	// archives are written.
	BackupDirName string `koanf:"backup_dir_name"`

	// Arch is the architecture hint used when resolving release URLs.
	Arch string `koanf:"arch"`

	// HTTPProxy, when set, is used for all release downloads.
	HTTPProxy string `koanf:"http_proxy"`

	Timeouts TimeoutConfig `koanf:"timeouts"`
	Backup   BackupConfig  `koanf:"backup"`
}

// TimeoutConfig bounds every external suspension point of the engine.
type TimeoutConfig struct {
	Download       time.Duration `koanf:"download"`
	PackageInstall time.Duration `koanf:"package_install"`
	ServiceStart   time.Duration `koanf:"service_start"`
	ServiceStop    time.Duration `koanf:"service_stop"`
	ProxyReload    time.Duration `koanf:"proxy_reload"`
}

// BackupConfig controls archive retention.
type BackupConfig struct {
	// Keep is the number of archives retained per (user, app) after a
	// successful backup. Zero disables pruning.
	Keep int `koanf:"keep"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDBPath:   "/var/lib/zen/state.db",
		UnitDir:       "/etc/systemd/system",
		ProxyDir:      "/etc/caddy/conf.d",
		ProxyUnit:     "caddy.service",
		InstallRoot:   "/opt",
		HomeRoot:      "/home",
		LockDir:       "/run/zen/locks",
		BackupDirName: ".backups",
		Arch:          runtime.GOARCH,
		Timeouts: TimeoutConfig{
			Download:       300 * time.Second,
			PackageInstall: 600 * time.Second,
			ServiceStart:   20 * time.Second,
			ServiceStop:    20 * time.Second,
			ProxyReload:    10 * time.Second,
		},
		Backup: BackupConfig{Keep: 5},
	}
}

// Load builds the configuration from defaults overlaid with ZEN_* environment
// variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.StateDBPath == "" {
		return fmt.Errorf("state_db must not be empty")
	}
	if c.UnitDir == "" || c.ProxyDir == "" {
		return fmt.Errorf("unit_dir and proxy_dir must not be empty")
	}
	if c.Timeouts.ServiceStart <= 0 || c.Timeouts.ServiceStop <= 0 {
		return fmt.Errorf("service start/stop timeouts must be positive")
	}
	return nil
}
