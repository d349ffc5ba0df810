package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsPeerAddresses(t *testing.T) {
	attr := MaskField("peer_address", "abcdefghij234567.onion:8000")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("component", "p2p_peers")
	require.Equal(t, "p2p_peers", attr.Value.String())

	attr = MaskField("peer_address", "  ")
	require.Equal(t, "  ", attr.Value.String())
}

func TestAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	require.NotContains(t, keys, "peer_address")
	require.True(t, IsAllowlisted(" Component "))
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
}

func TestSetupWritesRotatedJSONFile(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "p2pd.log")
	logger, closer := SetupWithOptions("p2pd", "test", Options{File: path, Level: "debug", MaxSizeMB: 1})
	logger.Debug("connection closed", MaskField("peer_address", "abcdefghij234567.onion:8000"), slog.String("reason", "SOCKET_CLOSED"))
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "onion")

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "connection closed", line["message"])
	require.Equal(t, "p2pd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["peer_address"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
