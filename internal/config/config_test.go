package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "locatepricingd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "dev", cfg.Environment)
	require.Equal(t, 360, cfg.Formula.DaysPerYear)
	require.Equal(t, "postgres", cfg.Audit.Backend)
}

func TestLoadRejectsInvalidDaysPerYear(t *testing.T) {
	path := writeConfig(t, "formula:\n  daysPerYear: 252\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "daysPerYear")
}

func TestLoadRejectsOversizedL1TTL(t *testing.T) {
	path := writeConfig(t, "cache:\n  l1MaxTTL: 120s\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownAuditBackend(t *testing.T) {
	path := writeConfig(t, "audit:\n  backend: sqlite\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveRateLimitDefaults(t *testing.T) {
	path := writeConfig(t, "rateLimit:\n  defaultCapacity: 0\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsSubOneStaleGraceMultiplier(t *testing.T) {
	path := writeConfig(t, "cache:\n  staleGraceMultiplier: 0.5\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "staleGraceMultiplier")
}

func TestLoadDefaultsEnableFallbackTrue(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.Formula.EnableFallback)
}

func TestLoadDefaultsAuditPartitionToEnvironment(t *testing.T) {
	path := writeConfig(t, "environment: staging\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Audit.Partition)
}

func TestLoadNormalizesEmptyEnvironment(t *testing.T) {
	path := writeConfig(t, "environment: \"  \"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "dev", cfg.Environment)
}

func TestLoadAcceptsExplicit365DayYear(t *testing.T) {
	path := writeConfig(t, "formula:\n  daysPerYear: 365\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 365, cfg.Formula.DaysPerYear)
}
