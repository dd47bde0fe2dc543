package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingCriticalVarsFails(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "")
	t.Setenv("RING_TIMEOUT", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, "openai", cfg.AIProvider)
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", ":9090")
	t.Setenv("AI_PROVIDER", "echo")
	t.Setenv("RING_TIMEOUT", "45s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("USER_EVENT_RATE_PER_SEC", "42.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, "echo", cfg.AIProvider)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 42.5, cfg.UserEventRatePerSec)
}

func TestSplitCSV_TrimsAndDropsEmptyEntries(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a ,, b ,"))
	assert.Equal(t, []string{}, splitCSV(""))
}
