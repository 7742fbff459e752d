package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	testEscrow   = "0x00000000000000000000000000000000000000e1"
	testDisputes = "0x00000000000000000000000000000000000000d1"
	testJurors   = "0x00000000000000000000000000000000000000c1"
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "jurywatch.yaml", `
listen: ":9000"
env: staging
ledger:
  rpc_url: wss://node.example/ws
  chain_id: 31337
  escrow_contract: `+testEscrow+`
  disputes_contract: `+testDisputes+`
  jurors_contract: `+testJurors+`
  receipt_poll: 500ms
  payment_tokens: ["0x0000000000000000000000000000000000000f01", " "]
cache:
  stale_after: 30s
log:
  level: DEBUG
  file: /var/log/jurywatch.log
telemetry:
  endpoint: collector:4318
  headers: "x-team=disputes"
  traces: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "staging", cfg.Env)
	require.Equal(t, 500*time.Millisecond, cfg.Ledger.ReceiptPoll)
	require.Equal(t, 30*time.Second, cfg.Cache.StaleAfter)
	require.Equal(t, DefaultTick, cfg.Countdown.Tick)
	require.Equal(t, float64(DefaultReadsPerSecond), cfg.Ledger.ReadsPerSecond)
	require.True(t, cfg.ReadOnly())

	require.Equal(t, common.HexToAddress(testDisputes), cfg.Contracts().Disputes)
	require.Equal(t, int64(31337), cfg.ChainID().Int64())
	require.Equal(t, []common.Address{common.HexToAddress("0x0f01")}, cfg.PaymentTokens())
	require.Equal(t, slog.LevelDebug, cfg.LogOptions().Level)

	tel := cfg.TelemetryConfig("jurywatchd")
	require.True(t, tel.Traces)
	require.Equal(t, "disputes", tel.Headers["x-team"])
	require.Equal(t, "staging", tel.Environment)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "jurywatch.toml", `
env = "prod"

[ledger]
rpc_url = "https://node.example"
chain_id = 1
escrow_contract = "`+testEscrow+`"
disputes_contract = "`+testDisputes+`"
jurors_contract = "`+testJurors+`"

[countdown]
tick = "250ms"

[signer]
key = "0x`+testKey+`"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "prod", cfg.Env)
	require.Equal(t, DefaultListen, cfg.Listen)
	require.Equal(t, 250*time.Millisecond, cfg.Countdown.Tick)
	require.Equal(t, testKey, cfg.Signer.Key)
	require.False(t, cfg.ReadOnly())
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvRPCURL, "wss://override.example")
	t.Setenv(EnvEnv, "ci")
	t.Setenv("JURYWATCH_TEST_KEY", testKey)
	path := writeConfig(t, "jurywatch.yml", `
ledger:
  rpc_url: https://ignored.example
  chain_id: 5
  escrow_contract: `+testEscrow+`
  disputes_contract: `+testDisputes+`
  jurors_contract: `+testJurors+`
signer:
  key_env: JURYWATCH_TEST_KEY
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "wss://override.example", cfg.Ledger.RPCURL)
	require.Equal(t, "ci", cfg.Env)
	require.Equal(t, testKey, cfg.Signer.Key)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "bad.yaml", `
ledger:
  chain_id: 0
  escrow_contract: nope
  disputes_contract: `+testDisputes+`
  jurors_contract: "0x0000000000000000000000000000000000000000"
signer:
  key: abc
log:
  level: chatty
`)
	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"ledger.rpc_url", "ledger.chain_id", "ledger.escrow_contract", "ledger.jurors_contract", "signer.key", "log.level"} {
		require.True(t, strings.Contains(msg, want), "missing %s in %s", want, msg)
	}
	require.NotContains(t, msg, "ledger.disputes_contract")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "typo.yaml", "listn: \":9000\"\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "decode config")

	path = writeConfig(t, "typo.toml", "listn = \":9000\"\n")
	_, err = Load(path)
	require.ErrorContains(t, err, "unknown key")

	_, err = Load("")
	require.Error(t, err)
}

func TestSignerLogValueRedactsKey(t *testing.T) {
	attrs := Signer{Key: testKey, KeyEnv: "SIGNER"}.LogValue().Group()
	require.Len(t, attrs, 2)
	require.Equal(t, "[REDACTED]", attrs[0].Value.String())
	require.Equal(t, "SIGNER", attrs[1].Value.String())
	require.NotContains(t, slog.GroupValue(attrs...).String(), testKey)
}
