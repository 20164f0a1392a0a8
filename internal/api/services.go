package api

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/app"
	iauth "github.com/charlesng35/gpubroker/internal/auth"
	"github.com/charlesng35/gpubroker/internal/database"
	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/internal/signaling"
)

// Services is the wired broker service graph shared by the router, the
// maintenance sweeper and the server lifecycle.
type Services struct {
	DB        *gorm.DB
	JWT       *iauth.JWTService
	Audit     *services.AuditService
	Orgs      *services.OrganizationService
	Gateways  *services.GatewayService
	Allocator *services.IPAllocator
	Tunnels   *services.TunnelIssuer
	Hub       *signaling.Hub
	Broker    *services.SessionBroker
	Hosts     *services.HostService
}

// BuildServices constructs the service graph against a migrated database. The
// pool layout is checked before the allocator is built so a changed geometry
// cannot strand live allocations.
func BuildServices(ctx context.Context, cfg *app.Config, db *gorm.DB) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}

	jwt, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("jwt service: %w", err)
	}

	pool := cfg.Pool.Normalised()
	if err := database.EnsurePoolLayout(ctx, db, cfg.Pool.Layout()); err != nil {
		return nil, err
	}

	gateways, err := services.NewGatewayService(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := gateways.Sync(ctx, cfg.GatewaySpecs()); err != nil {
		return nil, err
	}

	alloc, err := services.NewIPAllocator(pool.CIDR, pool.BlockSize, gateways.PoolGateways())
	if err != nil {
		return nil, err
	}

	audit, err := services.NewAuditService(db, services.WithAuditBatchSize(cfg.Audit.BatchSize))
	if err != nil {
		return nil, err
	}

	orgs, err := services.NewOrganizationService(db, audit)
	if err != nil {
		return nil, err
	}

	tunnels, err := services.NewTunnelIssuer(db, audit, cfg.Tunnels.TunnelIssuerConfig())
	if err != nil {
		return nil, err
	}

	hub := signaling.NewHub(cfg.Signaling.HubOptions())

	brokerCfg := cfg.Broker.BrokerConfig()
	broker, err := services.NewSessionBroker(db, audit, alloc, tunnels, hub, gateways,
		services.WithBrokerConfig(brokerCfg),
		services.WithMembershipLookup(orgs),
	)
	if err != nil {
		return nil, err
	}

	hosts, err := services.NewHostService(db, audit, orgs, broker.Config().HeartbeatGrace(),
		services.WithHostNotifier(hub),
	)
	if err != nil {
		return nil, err
	}

	hub.SetDispatcher(services.NewSignalingRouter(broker, hosts))

	return &Services{
		DB:        db,
		JWT:       jwt,
		Audit:     audit,
		Orgs:      orgs,
		Gateways:  gateways,
		Allocator: alloc,
		Tunnels:   tunnels,
		Hub:       hub,
		Broker:    broker,
		Hosts:     hosts,
	}, nil
}
