package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, "admin", cfg.Auth.AdminRole)
	assert.Equal(t, StatProviderStatic, cfg.StatProvider.Kind)
	assert.True(t, cfg.Outcome.GrantCash)
	assert.Equal(t, "annexe", cfg.Telemetry.ServiceName)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
stat_provider:
  kind: http
  power_url: http://game/api/power/{id}
outcome:
  grant_cash: false
webhooks:
  - url: http://hooks/annexe
    events: [session.resolved]
`))
	require.NoError(t, err)
	assert.Equal(t, StatProviderHTTP, cfg.StatProvider.Kind)
	assert.False(t, cfg.Outcome.GrantCash)
	assert.Equal(t, "admin", cfg.Auth.AdminRole)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"session.resolved"}, cfg.Webhooks[0].Events)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("ANNEXE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("ANNEXE_SERVER_ADDR", "0.0.0.0:9000")
	t.Setenv("ANNEXE_OUTCOME_GRANT_CASH", "false")

	cfg, err := FromYAML([]byte("auth:\n  jwt_secret: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.False(t, cfg.Outcome.GrantCash)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"base path", "server:\n  base_path: v0\n", "base_path"},
		{"admin role", "auth:\n  admin_role: \"\"\n", "admin_role"},
		{"provider kind", "stat_provider:\n  kind: oracle\n", "kind"},
		{"http without url", "stat_provider:\n  kind: http\n", "power_url"},
		{"aggregate range", "stat_provider:\n  aggregate: 150\n", "aggregate"},
		{"webhook url", "webhooks:\n  - events: [village.created]\n", "webhooks[0].url"},
		{"webhook tries", "webhooks:\n  - url: http://hooks\n    max_tries: -1\n", "max_tries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "annexe.yml"), []byte("server:\n  addr: :7000\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}
