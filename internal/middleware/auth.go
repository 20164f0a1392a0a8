package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	iauth "github.com/charlesng35/gpubroker/internal/auth"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/monitoring"
	"github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/response"
)

const (
	CtxClaimsKey    = "authClaims"
	CtxUserIDKey    = "userID"
	CtxHostIDKey    = "hostID"
	CtxGatewayIDKey = "gatewayID"

	HeaderHostID    = "X-Host-ID"
	HeaderGatewayID = "X-Gateway-ID"

	tokenQueryParam = "token"
)

// HostAuthenticator verifies a host agent's id and token.
type HostAuthenticator interface {
	Authenticate(ctx context.Context, hostID, token string) (*models.Host, error)
}

// GatewayAuthenticator verifies a relay gateway's id and token.
type GatewayAuthenticator interface {
	Authenticate(id, token string) (models.Gateway, error)
}

// Auth enforces user JWT authentication. Websocket upgrades may pass the token
// in the query string since browsers cannot set headers on them.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" && isWebsocketUpgrade(c) {
			token = strings.TrimSpace(c.Query(tokenQueryParam))
		}
		if token == "" {
			unauthenticated(c)
			return
		}

		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			monitoring.RecordAuthAttempt(auditctx.ActorUser, "failure")
			unauthenticated(c)
			return
		}
		monitoring.RecordAuthAttempt(auditctx.ActorUser, "success")

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		withActor(c, auditctx.Actor{Type: auditctx.ActorUser, ID: claims.UserID, Role: claims.Role})

		c.Next()
	}
}

// RequireAdmin allows only users whose token carries the admin role. It must run after Auth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			unauthenticated(c)
			return
		}
		if !claims.IsAdmin() {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// AgentAuth authenticates a host agent by X-Host-ID and its bearer agent token.
func AgentAuth(hosts HostAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		hostID := strings.TrimSpace(c.GetHeader(HeaderHostID))
		token := bearerToken(c)
		if hostID == "" || token == "" {
			unauthenticated(c)
			return
		}

		host, err := hosts.Authenticate(c.Request.Context(), hostID, token)
		if err != nil {
			monitoring.RecordAuthAttempt(auditctx.ActorHost, "failure")
			response.Error(c, err)
			c.Abort()
			return
		}
		monitoring.RecordAuthAttempt(auditctx.ActorHost, "success")

		c.Set(CtxHostIDKey, host.ID)
		withActor(c, auditctx.Actor{Type: auditctx.ActorHost, ID: host.ID})
		c.Next()
	}
}

// GatewayAuth authenticates a relay gateway by X-Gateway-ID and its bearer token.
func GatewayAuth(gateways GatewayAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		gatewayID := strings.TrimSpace(c.GetHeader(HeaderGatewayID))
		token := bearerToken(c)
		if gatewayID == "" || token == "" {
			unauthenticated(c)
			return
		}

		gw, err := gateways.Authenticate(gatewayID, token)
		if err != nil {
			monitoring.RecordAuthAttempt(auditctx.ActorGateway, "failure")
			response.Error(c, err)
			c.Abort()
			return
		}
		monitoring.RecordAuthAttempt(auditctx.ActorGateway, "success")

		c.Set(CtxGatewayIDKey, gw.ID)
		withActor(c, auditctx.Actor{Type: auditctx.ActorGateway, ID: gw.ID})
		c.Next()
	}
}

// ClaimsFrom returns the user claims set by Auth.
func ClaimsFrom(c *gin.Context) (*iauth.Claims, bool) {
	v, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*iauth.Claims)
	return claims, ok && claims != nil
}

func withActor(c *gin.Context, actor auditctx.Actor) {
	actor.IPAddress = c.ClientIP()
	actor.UserAgent = c.Request.UserAgent()
	c.Request = c.Request.WithContext(auditctx.WithActor(c.Request.Context(), actor))
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

func isWebsocketUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func unauthenticated(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	response.Error(c, errors.ErrUnauthenticated)
	c.Abort()
}
