package config

import "time"

// Ledger locates the chain node and the contracts jurywatch reads and writes.
type Ledger struct {
	RPCURL           string        `yaml:"rpc_url" toml:"rpc_url"`
	ChainID          int64         `yaml:"chain_id" toml:"chain_id"`
	EscrowContract   string        `yaml:"escrow_contract" toml:"escrow_contract"`
	DisputesContract string        `yaml:"disputes_contract" toml:"disputes_contract"`
	JurorsContract   string        `yaml:"jurors_contract" toml:"jurors_contract"`
	ReadsPerSecond   float64       `yaml:"reads_per_second" toml:"reads_per_second"`
	ReadBurst        int           `yaml:"read_burst" toml:"read_burst"`
	ReceiptPoll      time.Duration `yaml:"receipt_poll" toml:"receipt_poll"`
	// PaymentTokens are reported on juror profiles when a request names none.
	PaymentTokens []string `yaml:"payment_tokens" toml:"payment_tokens"`
}

// Cache tunes the shared query cache.
type Cache struct {
	StaleAfter time.Duration `yaml:"stale_after" toml:"stale_after"`
}

// Countdown tunes the voting countdown stream.
type Countdown struct {
	Tick time.Duration `yaml:"tick" toml:"tick"`
}

// Signer holds the key used for mutating actions. Key takes precedence over
// KeyEnv, which names an environment variable holding the key. Without either
// the service runs read-only.
type Signer struct {
	Key    string `yaml:"key" toml:"key"`
	KeyEnv string `yaml:"key_env" toml:"key_env"`
}

// Audit configures the mutation journal.
type Audit struct {
	Path string `yaml:"path" toml:"path"`
}

// Log configures structured logging.
type Log struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	Traces   bool   `yaml:"traces" toml:"traces"`
}

// HTTP tunes the API listener.
type HTTP struct {
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `yaml:"burst" toml:"burst"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}
