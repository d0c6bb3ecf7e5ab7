package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/txgate/pkg/auth"
	"github.com/Mindburn-Labs/txgate/pkg/identity"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"txgate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "serve")

	code, stdout, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "txgate dev\n", stdout)

	code, _, stderr = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestKeys_GenerateMintVerify(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	jwksPath := filepath.Join(dir, "jwks.json")

	code, stdout, stderr := run("keys", "generate", "-key", keyPath, "-jwks", jwksPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "kid key-")

	code, stdout, stderr = run("keys", "mint", "-key", keyPath, "-sub", "user-42",
		"-iss", "https://issuer.example", "-aud", "api://payments", "-roles", "admin,ops")
	require.Equal(t, 0, code, stderr)
	token := strings.TrimSpace(stdout)

	cache := identity.NewKeySetCache(identity.FileSource{Path: jwksPath}, identity.CacheConfig{})
	authz, err := auth.NewTokenAuthorizer(cache, auth.Config{Issuer: "https://issuer.example", Audience: "api://payments"})
	require.NoError(t, err)
	who, err := authz.Authorize(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", who.Subject)
	assert.True(t, who.HasScope("transactions:write"))
	assert.True(t, who.HasRole("ops"))

	code, stdout, _ = run("keys", "jwks", "-key", keyPath)
	require.Equal(t, 0, code)
	published, err := os.ReadFile(jwksPath)
	require.NoError(t, err)
	assert.JSONEq(t, string(published), stdout)
}

func TestKeys_Usage(t *testing.T) {
	code, _, _ := run("keys")
	assert.Equal(t, 2, code)
	code, _, _ = run("keys", "rotate")
	assert.Equal(t, 2, code)
	code, _, stderr := run("keys", "mint", "-key", "nope.pem")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--sub")
}

func TestSweep_OneShot(t *testing.T) {
	t.Setenv("TXGATE_STORE", "sqlite")
	t.Setenv("TXGATE_SQLITE_PATH", filepath.Join(t.TempDir(), "txgate.db"))
	t.Setenv("TXGATE_QUEUE", "memory")
	t.Setenv("LOG_LEVEL", "ERROR")

	code, stdout, stderr := run("sweep")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "re-enqueued 0 transaction(s)\n", stdout)
}

func TestServe_ConfigErrors(t *testing.T) {
	t.Setenv("TXGATE_STORE", "memory")
	t.Setenv("TXGATE_QUEUE", "memory")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("TXGATE_ISSUER", "")

	code, _, stderr := run("serve")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "TXGATE_ISSUER")

	t.Setenv("TXGATE_LEASE", "forever")
	code, _, stderr = run("worker")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "TXGATE_LEASE")
}

func TestSubsystems_UnsupportedBackend(t *testing.T) {
	t.Setenv("TXGATE_STORE", "cassandra")
	t.Setenv("LOG_LEVEL", "ERROR")
	code, _, _ := run("sweep")
	assert.Equal(t, 1, code)
}
