// Package account resolves effective WeCom account settings from the
// layered configuration.
package account

import (
	"fmt"
	"os"
	"strings"

	"github.com/wecombridge/wecombridge/internal/config"
)

// SecretSource records where an account secret came from.
type SecretSource string

const (
	SecretInline SecretSource = "inline"
	SecretFile   SecretSource = "file"
	SecretEnv    SecretSource = "env"
	SecretNone   SecretSource = ""
)

// DMPolicy is the direct-message access policy.
type DMPolicy string

const (
	DMDisabled  DMPolicy = "disabled"
	DMAllowlist DMPolicy = "allowlist"
	DMPairing   DMPolicy = "pairing"
	DMOpen      DMPolicy = "open"
)

// GroupPolicy is the group-message access policy.
type GroupPolicy string

const (
	GroupDisabled  GroupPolicy = "disabled"
	GroupAllowlist GroupPolicy = "allowlist"
	GroupOpen      GroupPolicy = "open"
)

// Account is one effective vendor application binding. It is derived on
// demand from configuration and never persisted; config edits take
// effect on the next resolution.
type Account struct {
	ID             string
	CorpID         string
	AgentID        string
	Secret         string
	SecretSource   SecretSource
	Token          string
	EncodingAESKey string
	WebhookPath    string
	DMPolicy       DMPolicy
	AllowFrom      []string
	GroupPolicy    GroupPolicy
	GroupAllowFrom []string
	TextChunkLimit int
	MediaMaxBytes  int64
	TableMode      string
}

// Configured reports whether the account can call the vendor API.
func (a Account) Configured() bool {
	return a.CorpID != "" && a.AgentID != "" && a.Secret != ""
}

// Resolver derives accounts from live configuration.
type Resolver struct {
	load func() (config.Config, error)
}

// NewResolver creates a Resolver backed by the given config loader. The
// loader runs on every resolution so config edits apply without restart.
func NewResolver(load func() (config.Config, error)) *Resolver {
	return &Resolver{load: load}
}

// Resolve returns the effective account for id. An empty id resolves the
// default account.
func (r *Resolver) Resolve(id string) (Account, error) {
	cfg, err := r.load()
	if err != nil {
		return Account{}, fmt.Errorf("load config: %w", err)
	}
	return Resolve(cfg, id)
}

// ResolveAll returns every configured account, defaults applied.
func (r *Resolver) ResolveAll() ([]Account, error) {
	cfg, err := r.load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	accounts := make([]Account, 0, len(cfg.WeCom.Accounts))
	for _, section := range cfg.WeCom.Accounts {
		acct, err := Resolve(cfg, section.ID)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// Resolve layers the per-account section over the channel-wide defaults.
func Resolve(cfg config.Config, id string) (Account, error) {
	if strings.TrimSpace(id) == "" {
		id = config.DefaultAccountID
	}
	section, ok := cfg.Account(id)
	if !ok {
		return Account{}, fmt.Errorf("account not configured: %s", id)
	}
	defaults := cfg.WeCom.AccountDefaults

	acct := Account{
		ID:             id,
		CorpID:         strings.TrimSpace(section.CorpID),
		AgentID:        strings.TrimSpace(section.AgentID),
		Token:          strings.TrimSpace(section.Token),
		EncodingAESKey: strings.TrimSpace(section.EncodingAESKey),
		WebhookPath:    pick(section.WebhookPath, defaults.WebhookPath),
		DMPolicy:       DMPolicy(pick(section.DMPolicy, defaults.DMPolicy)),
		AllowFrom:      pickList(section.AllowFrom, defaults.AllowFrom),
		GroupPolicy:    GroupPolicy(pick(section.GroupPolicy, defaults.GroupPolicy)),
		GroupAllowFrom: pickList(section.GroupAllowFrom, defaults.GroupAllowFrom),
		TextChunkLimit: pickInt(section.TextChunkLimit, defaults.TextChunkLimit),
		MediaMaxBytes:  pickInt64(section.MediaMaxBytes, defaults.MediaMaxBytes),
		TableMode:      pick(section.TableMode, defaults.TableMode),
	}
	secret, source, err := resolveSecret(section)
	if err != nil {
		return Account{}, err
	}
	acct.Secret = secret
	acct.SecretSource = source
	return acct, nil
}

func resolveSecret(section config.AccountConfig) (string, SecretSource, error) {
	if secret := strings.TrimSpace(section.Secret); secret != "" {
		return secret, SecretInline, nil
	}
	if path := strings.TrimSpace(section.SecretFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", SecretNone, fmt.Errorf("read secret file for account %s: %w", section.ID, err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", SecretNone, fmt.Errorf("secret file for account %s is empty", section.ID)
		}
		return secret, SecretFile, nil
	}
	// The env fallback is reserved for the default account.
	if section.ID == config.DefaultAccountID {
		if secret := strings.TrimSpace(os.Getenv(config.EnvSecretVar)); secret != "" {
			return secret, SecretEnv, nil
		}
	}
	return "", SecretNone, nil
}

func pick(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(fallback)
}

func pickList(value, fallback []string) []string {
	if len(value) > 0 {
		return value
	}
	return fallback
}

func pickInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func pickInt64(value, fallback int64) int64 {
	if value > 0 {
		return value
	}
	return fallback
}
