package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("insecure: false\nrecv_lmq_max: 128\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Insecure)
	require.Equal(t, 128, cfg.RecvLMQMax)
	require.Equal(t, 5000, cfg.IdleTimeoutMS) // untouched default
	require.Equal(t, 2048, cfg.ResumptionTicketMaxBytes)
}

func TestLoad_OutboxEnabledRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  enabled: true\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/tunables.yaml")
	require.Error(t, err)
}

func TestDefault_MatchesSpec(t *testing.T) {
	d := Default()
	require.Equal(t, 5000, d.IdleTimeoutMS)
	require.True(t, d.Insecure)
	require.Equal(t, 2048, d.ResumptionTicketMaxBytes)
}
