package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the node configuration. It is read from an optional YAML
// file; environment variables override file values.
type Config struct {
	Port          string `yaml:"port"`
	DataDir       string `yaml:"data_dir"`
	PublicURL     string `yaml:"public_url"`
	OperatorToken string `yaml:"operator_token"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"` // "text" or "json"

	Agent    AgentConfig    `yaml:"agent"`
	SpamBond SpamBondPolicy `yaml:"spam_bond"`
	Relays   []string       `yaml:"relays"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Replay    ReplayConfig    `yaml:"replay"`
	Callback  CallbackConfig  `yaml:"callback"`
	Lightning LightningConfig `yaml:"lightning"`
	Nostr     NostrConfig     `yaml:"nostr"`
	Drop      DropConfig      `yaml:"drop"`
}

// AgentConfig is what the manifest advertises.
type AgentConfig struct {
	Name           string           `yaml:"name"`
	Description    string           `yaml:"description"`
	Capabilities   []Capability     `yaml:"capabilities"`
	Pricing        map[string]Price `yaml:"pricing"`
	PaymentMethods []string         `yaml:"payment_methods"`
}

type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	// IPPerMinute throttles the whole HTTP surface per client address.
	IPPerMinute int `yaml:"ip_per_minute"`
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a reverse proxy that sets them.
	TrustProxy bool `yaml:"trust_proxy"`
}

type ReplayConfig struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type CallbackConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LightningConfig struct {
	LNbitsURL          string   `yaml:"lnbits_url"`
	LNbitsFallbackURLs []string `yaml:"lnbits_fallback_urls"`
	LNbitsAPIKey       string   `yaml:"lnbits_api_key"`
}

// Enabled reports whether a wallet is configured.
func (c LightningConfig) Enabled() bool {
	return c.LNbitsURL != "" && c.LNbitsAPIKey != ""
}

type NostrConfig struct {
	// Nsec is the relay identity (nsec1... or hex). Empty disables every
	// Nostr bridge.
	Nsec            string        `yaml:"nsec"`
	PublishReceipts bool          `yaml:"publish_receipts"`
	PublishManifest bool          `yaml:"publish_manifest"`
	DVM             bool          `yaml:"dvm"`
	DVMKinds        []int         `yaml:"dvm_kinds"`
	DVMPollInterval time.Duration `yaml:"dvm_poll_interval"`
	// DVMTaskTypes maps a NIP-90 job kind to a capability type.
	DVMTaskTypes map[int]string `yaml:"dvm_task_types"`
}

type DropConfig struct {
	Dir          string        `yaml:"dir"`
	InboxURL     string        `yaml:"inbox_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	KeyFile      string        `yaml:"key_file"`
}

// DefaultConfig mirrors the reference node: port 3141, 10 requests per
// minute per requester, a five minute replay window swept every 30s.
func DefaultConfig() *Config {
	return &Config{
		Port:      "3141",
		DataDir:   "data",
		PublicURL: "http://localhost:3141",
		LogLevel:  "info",
		LogFormat: "text",
		Agent: AgentConfig{
			Name:        "AIP Reference Agent",
			Description: "Agent Inbox Protocol reference node",
			Capabilities: []Capability{
				{Type: "research.web", Description: "Web research and summarisation"},
				{Type: "code.review", Description: "Source code review"},
			},
			PaymentMethods: []string{"lightning"},
		},
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.primal.net",
		},
		RateLimit: RateLimitConfig{MaxRequests: 10, Window: time.Minute, IPPerMinute: 120},
		Replay:    ReplayConfig{Window: DefaultReplayWindow, SweepInterval: 30 * time.Second},
		Callback: CallbackConfig{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Second,
			MaxDelay:    5 * time.Minute,
			Timeout:     10 * time.Second,
		},
		Nostr: NostrConfig{
			PublishReceipts: true,
			PublishManifest: true,
			DVMKinds:        []int{5300},
			DVMPollInterval: 30 * time.Second,
			DVMTaskTypes:    map[int]string{5300: "research.web"},
		},
		Drop: DropConfig{
			Dir:          "tasks",
			InboxURL:     "http://localhost:3141",
			PollInterval: 10 * time.Second,
		},
	}
}

// LoadConfig reads path (if non-empty) over the defaults and then applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&c.Port, "PORT")
	setString(&c.DataDir, "AIP_DATA_DIR")
	setString(&c.PublicURL, "AIP_PUBLIC_URL")
	setString(&c.OperatorToken, "AIP_OPERATOR_TOKEN")
	setString(&c.LogLevel, "AIP_LOG_LEVEL")
	setString(&c.LogFormat, "AIP_LOG_FORMAT")
	setString(&c.Nostr.Nsec, "NOSTR_NSEC")
	setString(&c.Lightning.LNbitsURL, "LNBITS_URL")
	setString(&c.Lightning.LNbitsAPIKey, "LNBITS_KEY")
	setString(&c.Drop.Dir, "AIP_DROP_DIR")
	setString(&c.Drop.InboxURL, "AIP_REMOTE_INBOX")
	if v := getenv("AIP_RELAYS"); v != "" {
		c.Relays = splitCommaList(v)
	}
	if v := getenv("LNBITS_FALLBACK_URLS"); v != "" {
		c.Lightning.LNbitsFallbackURLs = splitCommaList(v)
	}
	if v := getenv("AIP_TRUST_PROXY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit.TrustProxy = b
		}
	}
	if v := getenv("AIP_SPAM_BOND_SATS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SpamBond.AmountSats = n
		}
	}
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit needs positive max_requests and window")
	}
	if c.Replay.Window <= 0 || c.Replay.SweepInterval <= 0 {
		return fmt.Errorf("replay needs positive window and sweep_interval")
	}
	if c.Callback.MaxAttempts <= 0 {
		return fmt.Errorf("callback.max_attempts must be positive")
	}
	if len(c.Agent.Capabilities) == 0 {
		return fmt.Errorf("agent.capabilities must list at least one capability")
	}
	if c.SpamBond.AmountSats > 0 && !c.Lightning.Enabled() {
		return fmt.Errorf("spam_bond requires lightning.lnbits_url and lnbits_api_key")
	}
	return nil
}

// Data directory layout.
func (c *Config) KeyPath() string { return filepath.Join(c.DataDir, "keypair.json") }
func (c *Config) ManifestPath() string { return filepath.Join(c.DataDir, "manifest.json") }
func (c *Config) NoncePath() string { return filepath.Join(c.DataDir, "nonces.json") }
func (c *Config) TasksDir() string { return filepath.Join(c.DataDir, "tasks") }
func (c *Config) ReceiptsDir() string { return filepath.Join(c.DataDir, "receipts") }
func (c *Config) DeadLetterDir() string { return filepath.Join(c.DataDir, "dead_letters") }
func (c *Config) SpamBondPath() string { return filepath.Join(c.DataDir, "spam_bonds.json") }
func (c *Config) DVMStatePath() string { return filepath.Join(c.DataDir, "dvm_state.json") }

// setupLogging configures the shared logrus logger.
func setupLogging(level, format string) {
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("unknown log level %q, using info", level)
		log.SetLevel(log.InfoLevel)
	}
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
