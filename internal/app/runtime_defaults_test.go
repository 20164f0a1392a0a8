package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyRuntimeDefaultsGeneratesMissingSecrets(t *testing.T) {
	cfg := &Config{}

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"auth.jwt.secret", "tunnels.signing_secret"}, generated)
	require.NotEmpty(t, cfg.Auth.JWT.Secret)
	require.GreaterOrEqual(t, len(cfg.Tunnels.SigningSecret), 32)
	require.NotEqual(t, cfg.Auth.JWT.Secret, cfg.Tunnels.SigningSecret)
}

func TestApplyRuntimeDefaultsKeepsConfiguredSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.JWT.Secret = strings.Repeat("a", 10)
	cfg.Tunnels.SigningSecret = "   "

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"tunnels.signing_secret"}, generated)
	require.Equal(t, strings.Repeat("a", 10), cfg.Auth.JWT.Secret)
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil)
	require.EqualError(t, err, "config is nil")
}
