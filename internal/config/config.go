package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const appName = "clinicchat"

// Reconnect strategies
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Config holds application configuration
type Config struct {
	APIBase                 string          `json:"api_base"`
	RequestTimeoutSeconds   int             `json:"request_timeout_seconds"`
	HandshakeTimeoutSeconds int             `json:"handshake_timeout_seconds"`
	WarningWindowSeconds    int             `json:"warning_window_seconds"`
	AutoRefresh             bool            `json:"auto_refresh"`
	Reconnect               ReconnectConfig `json:"reconnect"`
	SessionDBPath           string          `json:"session_db_path"`
	WatchSession            bool            `json:"watch_session"`
	FocusDebounceMillis     int             `json:"focus_debounce_millis"`
	LogLevel                string          `json:"log_level"` // debug, info, warn, error, none
	LogPath                 string          `json:"log_path"`
}

// ReconnectConfig controls the realtime channel's back-off after an
// unexpected socket closure.
type ReconnectConfig struct {
	DelayMillis     int    `json:"delay_millis"`
	Strategy        string `json:"strategy"` // fixed or exponential
	MaxDelaySeconds int    `json:"max_delay_seconds"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		APIBase:                 "http://localhost:8000/",
		RequestTimeoutSeconds:   30,
		HandshakeTimeoutSeconds: 10,
		WarningWindowSeconds:    60,
		Reconnect: ReconnectConfig{
			DelayMillis:     3000,
			Strategy:        StrategyFixed,
			MaxDelaySeconds: 30,
		},
		SessionDBPath:       filepath.Join(stateDir, "session.db"),
		WatchSession:        true,
		FocusDebounceMillis: 250,
		LogLevel:            "info",
		LogPath:             filepath.Join(stateDir, appName+".log"),
	}
}

// Load reads the config file at path on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	stateDir := defaultStateDir()
	if config.APIBase == "" {
		config.APIBase = "http://localhost:8000/"
	}
	if config.Reconnect.Strategy == "" {
		config.Reconnect.Strategy = StrategyFixed
	}
	if config.SessionDBPath == "" {
		config.SessionDBPath = filepath.Join(stateDir, "session.db")
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(stateDir, appName+".log")
	}

	return config, nil
}

// ApplyEnv overrides fields from CLINICCHAT_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("CLINICCHAT_API_BASE")); v != "" {
		c.APIBase = v
	}
	if v := strings.TrimSpace(getenv("CLINICCHAT_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("CLINICCHAT_LOG_PATH")); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(getenv("CLINICCHAT_SESSION_DB")); v != "" {
		c.SessionDBPath = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_base %q must be an http(s) URL", c.APIBase)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive")
	}
	if c.WarningWindowSeconds <= 0 {
		return fmt.Errorf("warning_window_seconds must be positive")
	}
	if c.Reconnect.DelayMillis <= 0 {
		return fmt.Errorf("reconnect.delay_millis must be positive")
	}
	switch c.Reconnect.Strategy {
	case StrategyFixed:
	case StrategyExponential:
		if c.Reconnect.MaxDelaySeconds <= 0 {
			return fmt.Errorf("reconnect.max_delay_seconds must be positive")
		}
	default:
		return fmt.Errorf("unknown reconnect strategy %q", c.Reconnect.Strategy)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *Config) WarningWindow() time.Duration {
	return time.Duration(c.WarningWindowSeconds) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Reconnect.DelayMillis) * time.Millisecond
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Reconnect.MaxDelaySeconds) * time.Second
}

func (c *Config) FocusDebounce() time.Duration {
	return time.Duration(c.FocusDebounceMillis) * time.Millisecond
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
