package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root configuration for msghub.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Platforms PlatformsConfig `json:"platforms"`
	Sync      SyncConfig      `json:"sync"`
	API       APIConfig       `json:"api"`
	Templates TemplatesConfig `json:"templates"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
	DBPath   string `json:"dbPath"`
}

// PlatformsConfig carries the static per-platform settings that do not vary
// per user. Per-user secrets travel in the connect request instead.
type PlatformsConfig struct {
	Gmail    GmailConfig    `json:"gmail"`
	IMessage IMessageConfig `json:"imessage"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
}

type GmailConfig struct {
	Enabled bool `json:"enabled"`
	// Query narrows the server-side search on receive. Defaults to the
	// inbox minus drafts.
	Query string `json:"query,omitempty"`
}

type IMessageConfig struct {
	Enabled bool `json:"enabled"`
	// ScriptTimeoutSeconds bounds each osascript invocation.
	ScriptTimeoutSeconds int `json:"scriptTimeoutSeconds,omitempty"`
}

type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled"`
	APIBase     string `json:"apiBase,omitempty"`
	VerifyToken string `json:"verifyToken,omitempty"`
	AppSecret   string `json:"appSecret,omitempty"`
}

type TelegramConfig struct {
	Enabled bool `json:"enabled"`
}

type SyncConfig struct {
	IntervalSeconds    int `json:"intervalSeconds"`
	CallTimeoutSeconds int `json:"callTimeoutSeconds"`
	BatchLimit         int `json:"batchLimit"`
}

type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type TemplatesConfig struct {
	// SeedDir holds YAML template files loaded at startup.
	SeedDir string `json:"seedDir,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.msghub).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".msghub"
	}
	return filepath.Join(home, ".msghub")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DBPath:   filepath.Join(DefaultConfigDir(), "msghub.db"),
		},
		Platforms: PlatformsConfig{
			Gmail:    GmailConfig{Enabled: true},
			IMessage: IMessageConfig{Enabled: true, ScriptTimeoutSeconds: 15},
			WhatsApp: WhatsAppConfig{Enabled: true},
			Telegram: TelegramConfig{Enabled: true},
		},
		Sync: SyncConfig{
			IntervalSeconds:    60,
			CallTimeoutSeconds: 30,
			BatchLimit:         25,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Load reads a config file and applies defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to disk with restrictive permissions (it may hold
// webhook secrets).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyDefaults() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.General.DBPath == "" {
		c.General.DBPath = filepath.Join(DefaultConfigDir(), "msghub.db")
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 60
	}
	if c.Sync.CallTimeoutSeconds <= 0 {
		c.Sync.CallTimeoutSeconds = 30
	}
	if c.Sync.BatchLimit <= 0 {
		c.Sync.BatchLimit = 25
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Platforms.IMessage.ScriptTimeoutSeconds <= 0 {
		c.Platforms.IMessage.ScriptTimeoutSeconds = 15
	}
}
