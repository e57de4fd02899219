// Package config loads the updater's configuration in two layers:
// defaults optionally overlaid by a YAML file, then a handful of
// environment variables for the fields most often overridden
// per-deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/openhaa/ota-updater/internal/download"
	"github.com/openhaa/ota-updater/internal/redirect"
)

// defaultConfig mirrors operator/config.go's defaultFileConfig var: every
// field has a sane standalone default so an empty YAML file (or none at
// all) still produces a runnable configuration, minus the
// deployment-specific repository host and public key.
var defaultConfig = &Config{
	MetricsAddress: ":8080",
	PollInterval:   time.Hour,
	Repository: RepositoryConfig{
		Port: 443,
		TLS:  true,
		File: "firmware.bin",
	},
	Slot: SlotConfig{
		FilePath:       "/var/lib/ota-updater/slots.bin",
		Slot0Base:      0,
		Slot1Base:      1 << 20,
		MaxFileSize:    1<<20 - 16,
		BootConfigPath: "/var/lib/ota-updater/bootconfig.json",
		StateFilePath:  "/var/lib/ota-updater/state.json",
	},
	Retry: RetryConfig{
		MaxHops:                redirect.DefaultMaxHops,
		HopBackoff:             redirect.HopBackoff,
		MaxDownloadTries:       download.DefaultMaxTries,
		MaxContentRangeRetries: 0,
	},
}

// Config is the updater's full configuration.
type Config struct {
	// MetricsAddress is the address the operational/metrics server binds.
	MetricsAddress string `yaml:"metricsAddress"`
	// PollInterval is how often cmd/ota-updater checks for a new version
	// between update attempts.
	PollInterval time.Duration `yaml:"pollInterval"`
	// Repository describes the update server.
	Repository RepositoryConfig `yaml:"repository"`
	// Slot describes the flash backend and slot layout.
	Slot SlotConfig `yaml:"slot"`
	// PublicKeyPath points at a DER-encoded SubjectPublicKeyInfo file
	// for the pinned ECDSA P-384 trust anchor.
	PublicKeyPath string `yaml:"publicKeyPath"`
	// Retry holds the timing/retry-budget knobs, including an
	// open-question cap: MaxContentRangeRetries bounds the
	// Content-Range-absent-while-writing-to-flash retry path
	// independently of MaxDownloadTries; 0 preserves the original
	// uncapped-by-the-outer-loop behavior.
	Retry RetryConfig `yaml:"retry"`
}

// RepositoryConfig describes the update server.
type RepositoryConfig struct {
	// Host is the initial repository host.
	Host string `yaml:"host"`
	// Path is the repository path prefix.
	Path string `yaml:"path"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
	// File is the firmware image's filename under Path.
	File string `yaml:"file"`
}

// SlotConfig describes the flash backend and slot layout.
type SlotConfig struct {
	// Device names a raw block/MTD-style path; empty means FileDevice
	// backed by FilePath instead.
	Device         string `yaml:"device"`
	FilePath       string `yaml:"filePath"`
	Slot0Base      int64  `yaml:"slot0Base"`
	Slot1Base      int64  `yaml:"slot1Base"`
	MaxFileSize    int64  `yaml:"maxFileSize"`
	BootConfigPath string `yaml:"bootConfigPath"`
	StateFilePath  string `yaml:"stateFilePath"`
}

// RetryConfig holds the timing/retry-budget knobs.
type RetryConfig struct {
	MaxHops                int           `yaml:"maxHops"`
	HopBackoff             time.Duration `yaml:"hopBackoff"`
	MaxDownloadTries       int           `yaml:"maxDownloadTries"`
	MaxContentRangeRetries int           `yaml:"maxContentRangeRetries"`
}

// Environment variable names for the override layer (root main.go's
// VKAC_-prefixed os.Getenv pattern, renamed to this module's domain).
const (
	envRepoHost = "OTA_REPOSITORY_HOST"
	envRepoPath = "OTA_REPOSITORY_PATH"
	envRepoPort = "OTA_REPOSITORY_PORT"
	envRepoFile = "OTA_REPOSITORY_FILE"
	envPubKey   = "OTA_PUBLIC_KEY_PATH"
)

// Load reads path (if non-empty) as YAML, overlays environment overrides,
// and validates the result. An empty path returns defaults plus
// environment overrides only, same as loadConfigFromFile("").
func Load(path string) (*Config, error) {
	cfg := *defaultConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envRepoHost); v != "" {
		cfg.Repository.Host = v
	}
	if v := os.Getenv(envRepoPath); v != "" {
		cfg.Repository.Path = v
	}
	if v := os.Getenv(envRepoPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Repository.Port = port
		}
	}
	if v := os.Getenv(envRepoFile); v != "" {
		cfg.Repository.File = v
	}
	if v := os.Getenv(envPubKey); v != "" {
		cfg.PublicKeyPath = v
	}
}

func validate(cfg *Config) error {
	if cfg.Repository.Host == "" {
		return fmt.Errorf("config: repository.host must be set (or %s)", envRepoHost)
	}
	if strings.Contains(cfg.Repository.Host, "/") {
		return fmt.Errorf("config: repository.host must not contain '/': %s", cfg.Repository.Host)
	}
	if cfg.PublicKeyPath == "" {
		return fmt.Errorf("config: publicKeyPath must be set (or %s)", envPubKey)
	}
	if cfg.Slot.MaxFileSize <= 0 {
		return fmt.Errorf("config: slot.maxFileSize must be positive")
	}
	if cfg.Slot.Slot0Base == cfg.Slot.Slot1Base {
		return fmt.Errorf("config: slot.slot0Base and slot.slot1Base must differ")
	}
	return nil
}
