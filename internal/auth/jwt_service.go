// Package auth validates the user bearer tokens presented to the broker API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAccessTokenTTL is used when no lifetime is configured.
	DefaultAccessTokenTTL = 15 * time.Minute

	// clockSkew tolerates small clock drift between the broker and the identity provider.
	clockSkew = 30 * time.Second
)

// Roles carried in the role claim of user tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrInvalidToken wraps every validation failure.
var ErrInvalidToken = errors.New("jwt: invalid token")

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret         string
	Issuer         string
	AccessTokenTTL time.Duration
	Clock          func() time.Time
}

// Claims are the user token claims. Tokens are minted by the identity
// provider in front of the broker; the broker only validates them. When a
// provider omits uid the subject is used as the user id.
type Claims struct {
	UserID   string `json:"uid,omitempty"`
	Username string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token carries the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && strings.EqualFold(c.Role, RoleAdmin)
}

// AccessTokenInput describes a token to mint.
type AccessTokenInput struct {
	UserID   string
	Username string
	Role     string
	Audience []string
}

// JWTService signs and validates HS256 user tokens.
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewJWTService builds a service from cfg. The secret is mandatory.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	s := &JWTService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.AccessTokenTTL,
		now:    cfg.Clock,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultAccessTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	s.parser = jwt.NewParser(opts...)
	return s, nil
}

// GenerateAccessToken signs a token for input. The broker never hands these
// out itself; operators mint service account tokens with it.
func (s *JWTService) GenerateAccessToken(input AccessTokenInput) (string, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return "", errors.New("jwt: user id is required")
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if role == "" {
		role = RoleUser
	}

	now := s.now()
	claims := Claims{
		UserID:   userID,
		Username: input.Username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  input.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies signature, lifetime and issuer of raw and
// returns its claims. Errors wrap both ErrInvalidToken and the jwt cause.
func (s *JWTService) ValidateAccessToken(raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	var claims Claims
	if _, err := s.parser.ParseWithClaims(raw, &claims, s.key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	if claims.Role == "" {
		claims.Role = RoleUser
	}
	return &claims, nil
}

func (s *JWTService) key(*jwt.Token) (any, error) {
	return s.secret, nil
}
