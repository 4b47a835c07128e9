// Package config loads the bridge configuration from TOML with
// environment overrides.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultWebhookPath    = "/wecom"
	DefaultDMPolicy       = "pairing"
	DefaultGroupPolicy    = "open"
	DefaultTextChunkLimit = 2048
	DefaultMediaMaxBytes  = 10 << 20
	DefaultAccountID      = "default"
)

type Config struct {
	Log    LogConfig    `toml:"log"`
	Server ServerConfig `toml:"server"`
	WeCom  WeComConfig  `toml:"wecom"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// WeComConfig holds channel-wide defaults plus per-account sections.
// Account fields left empty inherit the channel-wide value.
type WeComConfig struct {
	AccountDefaults
	Accounts []AccountConfig `toml:"accounts" validate:"dive"`
}

// AccountDefaults are the settings that may be declared channel-wide
// and overridden per account.
type AccountDefaults struct {
	WebhookPath    string   `toml:"webhook_path"`
	DMPolicy       string   `toml:"dm_policy" validate:"omitempty,oneof=disabled allowlist pairing open"`
	AllowFrom      []string `toml:"allow_from"`
	GroupPolicy    string   `toml:"group_policy" validate:"omitempty,oneof=disabled allowlist open"`
	GroupAllowFrom []string `toml:"group_allow_from"`
	TextChunkLimit int      `toml:"text_chunk_limit" validate:"omitempty,min=1"`
	MediaMaxBytes  int64    `toml:"media_max_bytes" validate:"omitempty,min=1"`
	TableMode      string   `toml:"table_mode" validate:"omitempty,oneof=preserve bullets plain"`
}

// AccountConfig is one vendor application binding.
type AccountConfig struct {
	AccountDefaults
	ID             string `toml:"id"`
	CorpID         string `toml:"corp_id"`
	AgentID        string `toml:"agent_id"`
	Secret         string `toml:"secret"`
	SecretFile     string `toml:"secret_file"`
	Token          string `toml:"token"`
	EncodingAESKey string `toml:"encoding_aes_key"`
}

// EnvSecretVar supplies the default account's secret when the config
// file carries neither an inline secret nor a secret file.
const EnvSecretVar = "WECOMBRIDGE_WECOM_SECRET"

// EnvOverrides are applied on top of the TOML file.
type EnvOverrides struct {
	Addr     string `envconfig:"ADDR"`
	LogLevel string `envconfig:"LOG_LEVEL"`
}

// Load reads, overlays, and validates the configuration. A missing file
// is not an error; the zero config plus env overrides is returned.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("stat config %s: %w", path, err)
	}

	var env EnvOverrides
	if err := envconfig.Process("wecombridge", &env); err != nil {
		return Config{}, fmt.Errorf("read env overrides: %w", err)
	}
	applyEnv(&cfg, env)
	applyDefaults(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env EnvOverrides) {
	if env.Addr != "" {
		cfg.Server.Addr = env.Addr
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.WeCom.WebhookPath == "" {
		cfg.WeCom.WebhookPath = DefaultWebhookPath
	}
	if cfg.WeCom.DMPolicy == "" {
		cfg.WeCom.DMPolicy = DefaultDMPolicy
	}
	if cfg.WeCom.GroupPolicy == "" {
		cfg.WeCom.GroupPolicy = DefaultGroupPolicy
	}
	if cfg.WeCom.TextChunkLimit <= 0 {
		cfg.WeCom.TextChunkLimit = DefaultTextChunkLimit
	}
	if cfg.WeCom.MediaMaxBytes <= 0 {
		cfg.WeCom.MediaMaxBytes = DefaultMediaMaxBytes
	}
	if cfg.WeCom.TableMode == "" {
		cfg.WeCom.TableMode = "preserve"
	}
	for i := range cfg.WeCom.Accounts {
		if cfg.WeCom.Accounts[i].ID == "" {
			cfg.WeCom.Accounts[i].ID = DefaultAccountID
		}
	}
}

// Account returns the account section with the given id, or false when
// no such section exists.
func (c Config) Account(id string) (AccountConfig, bool) {
	for _, acct := range c.WeCom.Accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return AccountConfig{}, false
}
