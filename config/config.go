package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pairchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PAIRCHAT_DATA_DIR"
	// DefaultListenAddress is the TCP replica address used by serve.
	DefaultListenAddress = "127.0.0.1:9999"
	// DefaultMaxMediaBytes caps a single media upload.
	DefaultMaxMediaBytes = 4 << 20
	// LogFormatConsole writes human readable log lines.
	LogFormatConsole = "console"
	// LogFormatJSON writes one JSON object per log line.
	LogFormatJSON = "json"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent local settings. Any field can be overridden
// from the environment (or a .env file in the working directory) without
// being written back to config.json.
type Config struct {
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name" env:"PAIRCHAT_DEVICE_NAME"`
	ListenAddress    string `json:"listen_address" env:"PAIRCHAT_LISTEN_ADDR"`
	WebSocketAddress string `json:"websocket_address" env:"PAIRCHAT_WS_ADDR"`
	MetricsAddress   string `json:"metrics_address" env:"PAIRCHAT_METRICS_ADDR"`
	StoreAddress     string `json:"store_address" env:"PAIRCHAT_STORE_ADDR"`
	DiscoveryEnabled bool   `json:"discovery_enabled" env:"PAIRCHAT_DISCOVERY"`
	LogLevel         string `json:"log_level" env:"PAIRCHAT_LOG_LEVEL"`
	LogFormat        string `json:"log_format" env:"PAIRCHAT_LOG_FORMAT"`
	MaxMediaBytes    int64  `json:"max_media_bytes" env:"PAIRCHAT_MAX_MEDIA_BYTES"`

	// DataDir is resolved at load time and never persisted.
	DataDir string `json:"-"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PAIRCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// MediaDir returns the directory holding uploaded media blobs.
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		MediaDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment
// overrides, then returns the config and its path.
func LoadOrCreate() (*Config, string, error) {
	_ = godotenv.Load(".env")

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		if normalizeDefaults(cfg) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, "", fmt.Errorf("parse environment overrides: %w", err)
	}
	cfg.MaxMediaBytes = mediaLimit(cfg.MaxMediaBytes)
	cfg.DataDir = dataDir

	return cfg, cfgPath, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "pairchat"
}

// mediaLimit keeps the upload cap within (0, DefaultMaxMediaBytes].
func mediaLimit(n int64) int64 {
	if n <= 0 || n > DefaultMaxMediaBytes {
		return DefaultMaxMediaBytes
	}
	return n
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	if format := normalizeLogFormat(cfg.LogFormat); format != cfg.LogFormat {
		cfg.LogFormat = format
		updated = true
	}

	if limit := mediaLimit(cfg.MaxMediaBytes); limit != cfg.MaxMediaBytes {
		cfg.MaxMediaBytes = limit
		updated = true
	}

	return updated
}

func normalizeLogFormat(format string) string {
	switch format {
	case LogFormatJSON:
		return LogFormatJSON
	default:
		return LogFormatConsole
	}
}
