package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvRPCURL    = "JURYWATCH_RPC_URL"
	EnvSignerKey = "JURYWATCH_SIGNER_KEY"
	EnvEnv       = "JURYWATCH_ENV"
)

// Defaults applied by Load when a setting is absent.
const (
	DefaultListen          = ":8088"
	DefaultEnv             = "local"
	DefaultStaleAfter      = 60 * time.Second
	DefaultTick            = time.Second
	DefaultReceiptPoll     = 2 * time.Second
	DefaultReadsPerSecond  = 50
	DefaultReadBurst       = 100
	DefaultHTTPRate        = 20
	DefaultHTTPBurst       = 40
	DefaultShutdownTimeout = 15 * time.Second
)

// Config captures the runtime settings for jurywatchd.
type Config struct {
	Listen    string    `yaml:"listen" toml:"listen"`
	Env       string    `yaml:"env" toml:"env"`
	Ledger    Ledger    `yaml:"ledger" toml:"ledger"`
	Cache     Cache     `yaml:"cache" toml:"cache"`
	Countdown Countdown `yaml:"countdown" toml:"countdown"`
	Signer    Signer    `yaml:"signer" toml:"signer"`
	Audit     Audit     `yaml:"audit" toml:"audit"`
	Log       Log       `yaml:"log" toml:"log"`
	Telemetry Telemetry `yaml:"telemetry" toml:"telemetry"`
	HTTP      HTTP      `yaml:"http" toml:"http"`
}

// Load reads the configuration at path. Files ending in .toml are decoded as
// TOML, everything else as YAML. Environment overrides are applied before the
// result is normalised and validated.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
	default:
		decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRPCURL); ok && strings.TrimSpace(v) != "" {
		c.Ledger.RPCURL = v
	}
	if v, ok := lookup(EnvSignerKey); ok && strings.TrimSpace(v) != "" {
		c.Signer.Key = v
	}
	if v, ok := lookup(EnvEnv); ok && strings.TrimSpace(v) != "" {
		c.Env = v
	}
	if c.Signer.Key == "" && c.Signer.KeyEnv != "" {
		if v, ok := lookup(c.Signer.KeyEnv); ok {
			c.Signer.Key = v
		}
	}
}

func (c *Config) normalize() {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.Env = strings.TrimSpace(c.Env)
	if c.Env == "" {
		c.Env = DefaultEnv
	}
	c.Ledger.RPCURL = strings.TrimSpace(c.Ledger.RPCURL)
	c.Ledger.EscrowContract = strings.TrimSpace(c.Ledger.EscrowContract)
	c.Ledger.DisputesContract = strings.TrimSpace(c.Ledger.DisputesContract)
	c.Ledger.JurorsContract = strings.TrimSpace(c.Ledger.JurorsContract)
	if c.Ledger.ReadsPerSecond == 0 {
		c.Ledger.ReadsPerSecond = DefaultReadsPerSecond
	}
	if c.Ledger.ReadBurst == 0 {
		c.Ledger.ReadBurst = DefaultReadBurst
	}
	if c.Ledger.ReceiptPoll == 0 {
		c.Ledger.ReceiptPoll = DefaultReceiptPoll
	}
	tokens := c.Ledger.PaymentTokens[:0]
	for _, token := range c.Ledger.PaymentTokens {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	c.Ledger.PaymentTokens = tokens
	if c.Cache.StaleAfter == 0 {
		c.Cache.StaleAfter = DefaultStaleAfter
	}
	if c.Countdown.Tick == 0 {
		c.Countdown.Tick = DefaultTick
	}
	c.Signer.Key = strings.TrimPrefix(strings.TrimSpace(c.Signer.Key), "0x")
	c.Audit.Path = strings.TrimSpace(c.Audit.Path)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.HTTP.RequestsPerSecond == 0 {
		c.HTTP.RequestsPerSecond = DefaultHTTPRate
	}
	if c.HTTP.Burst == 0 {
		c.HTTP.Burst = DefaultHTTPBurst
	}
	if c.HTTP.ReadHeaderTimeout == 0 {
		c.HTTP.ReadHeaderTimeout = 5 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// ReadOnly reports whether no signer key is configured.
func (c Config) ReadOnly() bool { return c.Signer.Key == "" }
