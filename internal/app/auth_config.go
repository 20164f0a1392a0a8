package app

import (
	"strings"

	"github.com/charlesng35/gpubroker/internal/auth"
)

const defaultTokenIssuer = "gpubroker"

// JWTServiceConfig converts the user token settings. Tokens are minted by the
// upstream identity service, so the issuer must match what it stamps.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	issuer := strings.TrimSpace(c.JWT.Issuer)
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	return auth.JWTConfig{
		Secret:         strings.TrimSpace(c.JWT.Secret),
		Issuer:         issuer,
		AccessTokenTTL: c.JWT.TTL,
	}
}
