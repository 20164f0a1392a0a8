package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/internal/signaling"
)

const defaultSweepInterval = 30 * time.Second

// BrokerConfig converts broker settings into the session broker's parameters.
// Zero values fall back to the broker defaults.
func (c BrokerSettings) BrokerConfig() services.BrokerConfig {
	return services.BrokerConfig{
		EstablishmentTimeout: c.EstablishmentTimeout,
		OverallTimeout:       c.OverallTimeout,
		DirectWindow:         c.DirectWindow,
		KeepaliveInterval:    c.KeepaliveInterval,
		GraceMultiplier:      c.GraceMultiplier,
		MaxSessionDuration:   c.MaxSessionDuration,
	}
}

// Sweep returns how often stale sessions and host presence are checked.
func (c BrokerSettings) Sweep() time.Duration {
	if c.SweepInterval <= 0 {
		return defaultSweepInterval
	}
	return c.SweepInterval
}

// Normalised fills pool defaults.
func (c PoolConfig) Normalised() PoolConfig {
	c.CIDR = strings.TrimSpace(c.CIDR)
	if c.CIDR == "" {
		c.CIDR = services.DefaultPoolCIDR
	}
	if c.BlockSize <= 0 {
		c.BlockSize = services.DefaultBlockSize
	}
	return c
}

// Layout is the persisted fingerprint of the pool geometry.
func (c PoolConfig) Layout() string {
	n := c.Normalised()
	return fmt.Sprintf("%s:%d", n.CIDR, n.BlockSize)
}

// TunnelIssuerConfig converts tunnel settings into the issuer's parameters.
func (c TunnelSettings) TunnelIssuerConfig() services.TunnelIssuerConfig {
	protocols := make([]string, 0, len(c.Protocols))
	for _, p := range c.Protocols {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			protocols = append(protocols, p)
		}
	}
	return services.TunnelIssuerConfig{
		SigningSecret: c.SigningSecret,
		Issuer:        strings.TrimSpace(c.Issuer),
		DefaultTTL:    c.DefaultTTL,
		MaxTTL:        c.MaxTTL,
		Protocols:     protocols,
	}
}

// GatewaySpecs converts the configured gateways in declaration order.
func (c Config) GatewaySpecs() []services.GatewaySpec {
	specs := make([]services.GatewaySpec, 0, len(c.Gateways))
	for _, gw := range c.Gateways {
		specs = append(specs, services.GatewaySpec{
			ID:        gw.ID,
			Name:      gw.Name,
			Endpoint:  strings.TrimSpace(gw.Endpoint),
			PublicKey: strings.TrimSpace(gw.PublicKey),
			Token:     gw.Token,
		})
	}
	return specs
}

// HubOptions converts signaling settings into hub options.
func (c SignalingConfig) HubOptions() signaling.Options {
	return signaling.Options{
		SendTimeout: c.SendTimeout,
		SendBuffer:  c.SendBuffer,
		PongWait:    c.PongWait,
	}
}
