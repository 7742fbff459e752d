package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Warn("vote rejected", "reason", "already voted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, "vote rejected", line["message"])
	require.Equal(t, "already voted", line["reason"])
	require.Contains(t, line, "timestamp")
}

func TestMaskFieldAndURL(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signer_key", "deadbeef").Value.String())
	require.Equal(t, "0xabc", MaskField("signer", "0xabc").Value.String())
	require.Equal(t, "wss://[REDACTED]@node.example/ws", MaskURL("wss://user:pw@node.example/ws"))
	require.Equal(t, "https://node.example/v3?[REDACTED]", MaskURL("https://node.example/v3?key=secret"))
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
