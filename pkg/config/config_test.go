package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/txgate/pkg/config"
)

// TestLoad_Defaults verifies the process boots with local defaults.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "TXGATE_QUEUE", "TXGATE_STORE", "TXGATE_LEASE", "TXGATE_STORE_TIMEOUT", "TXGATE_DEADLETTER_SINKS"} {
		t.Setenv(k, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, 2*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 5*time.Minute, cfg.IdempotencyBucket)
	assert.Equal(t, "log", cfg.DeadLetter.Types)
	assert.Zero(t, cfg.KeyMaxStale)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 30*time.Second, cfg.EffectTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TXGATE_ISSUER", "https://issuer.example")
	t.Setenv("TXGATE_QUEUE", "redis")
	t.Setenv("TXGATE_WORKERS", "16")
	t.Setenv("TXGATE_VISIBILITY", "45s")
	t.Setenv("TXGATE_STORE_TIMEOUT", "750ms")
	t.Setenv("TXGATE_EFFECT_TIMEOUT", "2m")
	t.Setenv("TXGATE_RATE_LIMIT", "2.5")
	t.Setenv("TXGATE_DEADLETTER_SINKS", "log,s3")
	t.Setenv("TXGATE_DEADLETTER_S3_BUCKET", "dead")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://issuer.example", cfg.Issuer)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.Visibility)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 2*time.Minute, cfg.EffectTimeout)
	assert.InDelta(t, 2.5, cfg.RateLimit, 1e-9)
	assert.Equal(t, "dead", cfg.DeadLetter.S3.Bucket)

	oc := cfg.Observability("1.2.3")
	assert.True(t, oc.Enabled)
	assert.Equal(t, "1.2.3", oc.ServiceVersion)
	assert.Equal(t, "txgate", oc.ServiceName)
}

func TestLoad_ReportsEveryBadValue(t *testing.T) {
	t.Setenv("TXGATE_LEASE", "soon")
	t.Setenv("TXGATE_WORKERS", "-1")
	t.Setenv("OTEL_ENABLED", "perhaps")

	_, err := config.Load()
	require.Error(t, err)
	assert.ErrorContains(t, err, "TXGATE_LEASE")
	assert.ErrorContains(t, err, "TXGATE_WORKERS")
	assert.ErrorContains(t, err, "OTEL_ENABLED")
}

func TestValidateAuth(t *testing.T) {
	cfg := &config.Config{}
	err := cfg.ValidateAuth()
	require.Error(t, err)
	assert.ErrorContains(t, err, "TXGATE_ISSUER")
	assert.ErrorContains(t, err, "TXGATE_JWKS_URL")

	cfg = &config.Config{Issuer: "i", Audience: "a", JWKSFile: "/etc/jwks.json"}
	assert.NoError(t, cfg.ValidateAuth())
}

func TestLoadKinds(t *testing.T) {
	defs, err := config.LoadKinds("")
	require.NoError(t, err)
	assert.NotEmpty(t, defs)

	path := filepath.Join(t.TempDir(), "kinds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kinds:
  - name: refund
    version: 1.0.0
    effect: payment
    required_scope: refunds:write
    schema: |
      {"type": "object", "required": ["amount", "currency"]}
    rules:
      - expr: double(payload.amount) <= 500.0
        message: refunds above 500 need approval
`), 0o600))

	defs, err = config.LoadKinds(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "refund", defs[0].Name)
	assert.Equal(t, "refunds:write", defs[0].RequiredScope)
	require.Len(t, defs[0].Rules, 1)

	reg, err := config.LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"refund"}, reg.Names())
}

func TestLoadKinds_Errors(t *testing.T) {
	_, err := config.LoadKinds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("kinds: []\n"), 0o600))
	_, err = config.LoadKinds(empty)
	assert.ErrorContains(t, err, "no kinds")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("kinds: [\n"), 0o600))
	_, err = config.LoadKinds(bad)
	assert.Error(t, err)
}
