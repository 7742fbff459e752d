package config

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"jurywatch/ledger"
	"jurywatch/observability/logging"
	"jurywatch/observability/otel"
)

// Contracts returns the configured contract addresses.
func (c Config) Contracts() ledger.Contracts {
	return ledger.Contracts{
		Escrow:   common.HexToAddress(c.Ledger.EscrowContract),
		Disputes: common.HexToAddress(c.Ledger.DisputesContract),
		Jurors:   common.HexToAddress(c.Ledger.JurorsContract),
	}
}

// ChainID returns the configured chain id.
func (c Config) ChainID() *big.Int { return big.NewInt(c.Ledger.ChainID) }

// PaymentTokens returns the default juror payment tokens.
func (c Config) PaymentTokens() []common.Address {
	out := make([]common.Address, 0, len(c.Ledger.PaymentTokens))
	for _, token := range c.Ledger.PaymentTokens {
		out = append(out, common.HexToAddress(token))
	}
	return out
}

// LogOptions converts the log section for logging.SetupWithOptions.
func (c Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Log.Level),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// TelemetryConfig converts the telemetry section for otel.Init.
func (c Config) TelemetryConfig(service string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: c.Env,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(c.Telemetry.Headers),
		Metrics:     c.Telemetry.Metrics,
		Traces:      c.Telemetry.Traces,
	}
}

// LogValue keeps key material out of logs.
func (s Signer) LogValue() slog.Value {
	return slog.GroupValue(
		logging.MaskField("key", s.Key),
		slog.String("key_env", s.KeyEnv),
	)
}
