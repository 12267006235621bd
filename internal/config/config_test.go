package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/core"
)

const sampleYAML = `
server:
  port: "9090"
  env: production
identity:
  hash_salt: unit-test-salt
proxy:
  trusted_proxies:
    - 10.0.0.0/8
middleware:
  emit_headers: true
  throttle_rate_per_second: 5
  throttle_burst: 20
policies:
  default: default
  mappings:
    - pattern: /api/**
      policy: strict
    - pattern: /admin/**
      policy: lockdown
  definitions:
    - name: lockdown
      fast_path: [ua_scanner, honeypot_path]
      min_confidence: 0.4
      transitions:
        - when: risk >= 0.5
          then: block
      action_overrides:
        Medium: Block
coordinator:
  window_minutes: 10
  max_requests_per_signature: 50
cluster:
  rebuild_interval_seconds: 30
  algorithm: label_propagation
response:
  max_buffer_bytes: 32768
  max_blocking_duration_ms: 15
reputation:
  store:
    backend: memory
  sweep_interval_minutes: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Proxy.TrustedProxies)
	assert.True(t, cfg.Middleware.EmitHeaders)

	coord := cfg.BuildCoordinator()
	assert.Equal(t, 10*time.Minute, coord.Window)
	assert.Equal(t, 50, coord.MaxRequests)

	cl := cfg.BuildCluster()
	assert.Equal(t, 30*time.Second, cl.Interval)
	assert.Equal(t, "label_propagation", cl.Algorithm)

	resp := cfg.BuildResponse()
	assert.Equal(t, 32768, resp.MaxBufferBytes)
	assert.Equal(t, 15*time.Millisecond, resp.MaxBlockingDuration)

	sweep := cfg.BuildSweep()
	assert.Equal(t, 5*time.Minute, sweep.Interval)
}

func TestLoad_PoliciesCompileAndResolve(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	reg, err := cfg.BuildPolicies()
	require.NoError(t, err)

	p := reg.ResolveForPath("/admin/users")
	require.Equal(t, "lockdown", p.Name)
	assert.Equal(t, 0.4, p.MinConfidence)
	require.Len(t, p.Transitions, 1)
	assert.Equal(t, core.ActionBlock, p.ActionOverrides[core.RiskMedium])

	// Built-ins survive alongside user definitions.
	assert.Equal(t, "strict", reg.ResolveForPath("/api/users").Name)
	assert.Equal(t, "default", reg.ResolveForPath("/products").Name)
}

func TestLoad_SaltRequiredOutsideDev(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  env: production\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash_salt")

	_, err = Load(writeConfig(t, "server:\n  env: dev\n"))
	assert.NoError(t, err)
}

func TestLoad_RejectsBadTransition(t *testing.T) {
	bad := `
policies:
  definitions:
    - name: broken
      transitions:
        - when: "risk >>> 0.5"
          then: block
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownOverride(t *testing.T) {
	bad := `
policies:
  definitions:
    - name: broken
      action_overrides:
        Medium: Obliterate
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestManager_HotReload(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"8080\"\n  env: dev\n")

	m, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	assert.Equal(t, ":8080", m.Current().Addr())

	var swapped atomic.Bool
	m.OnReload(func(*Config) { swapped.Store(true) })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9999\"\n  env: dev\n"), 0o644))

	require.Eventually(t, func() bool {
		return m.Current().Addr() == ":9999"
	}, 3*time.Second, 25*time.Millisecond)
	assert.True(t, swapped.Load())
}

func TestManager_KeepsOldConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"8080\"\n  env: dev\n")

	m, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	require.NoError(t, os.WriteFile(path, []byte("server: [not, a, mapping]\n"), 0o644))

	// The broken write must never surface; the old config holds.
	time.Sleep(3 * reloadDebounce)
	assert.Equal(t, ":8080", m.Current().Addr())
}
