package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charlesng35/gpubroker/pkg/crypto"
)

const generatedSecretBytes = 48

// ApplyRuntimeDefaults fills empty signing secrets with random values and
// returns the config keys it generated, in a stable order. Generated
// secrets do not survive a restart, so user tokens and relay credentials
// issued before one stop validating.
func ApplyRuntimeDefaults(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	secrets := []struct {
		key   string
		value *string
	}{
		{"auth.jwt.secret", &cfg.Auth.JWT.Secret},
		{"tunnels.signing_secret", &cfg.Tunnels.SigningSecret},
	}

	var generated []string
	for _, s := range secrets {
		if strings.TrimSpace(*s.value) != "" {
			continue
		}
		secret, err := crypto.GenerateToken(generatedSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", s.key, err)
		}
		*s.value = secret
		generated = append(generated, s.key)
	}
	return generated, nil
}
