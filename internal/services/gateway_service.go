package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/pkg/crypto"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
	"github.com/charlesng35/gpubroker/pkg/validator"
)

// GatewaySpec is a configured relay gateway. Its position in the configured
// list is its pool partition index.
type GatewaySpec struct {
	ID        string `validate:"required,max=64"`
	Name      string
	Endpoint  string `validate:"required,hostname_port"`
	PublicKey string `validate:"required,wgkey"`
	Token     string `validate:"required"`
}

// GatewayService keeps the registry of relay gateways.
type GatewayService struct {
	db  *gorm.DB
	log *zap.Logger

	mu       sync.RWMutex
	gateways map[string]models.Gateway
}

// NewGatewayService constructs the registry and loads enabled gateways from the database.
func NewGatewayService(ctx context.Context, db *gorm.DB) (*GatewayService, error) {
	if db == nil {
		return nil, errors.New("gateway service: db is required")
	}
	svc := &GatewayService{
		db:       db,
		log:      logger.WithModule("gateways"),
		gateways: make(map[string]models.Gateway),
	}
	if err := svc.reload(ensureContext(ctx)); err != nil {
		return nil, err
	}
	return svc, nil
}

// Sync makes the stored registry match specs: new gateways are inserted,
// changed ones updated, and gateways no longer configured are disabled.
func (s *GatewayService) Sync(ctx context.Context, specs []GatewaySpec) error {
	ctx = ensureContext(ctx)

	specs = append([]GatewaySpec(nil), specs...)
	seen := make(map[string]struct{}, len(specs))
	for i := range specs {
		specs[i].ID = strings.TrimSpace(specs[i].ID)
		spec := specs[i]
		if err := validator.ValidateStruct(spec); err != nil {
			return fmt.Errorf("gateway service: gateway %q: %w", spec.ID, err)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("gateway service: duplicate gateway id %q", spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Gateway
		if err := tx.Find(&existing).Error; err != nil {
			return err
		}
		byID := make(map[string]models.Gateway, len(existing))
		for _, gw := range existing {
			byID[gw.ID] = gw
		}

		for idx, spec := range specs {
			gw := byID[spec.ID]
			hash := gw.TokenHash
			if hash == "" || !crypto.VerifySecret(hash, spec.Token) {
				h, err := crypto.HashSecret(spec.Token)
				if err != nil {
					return err
				}
				hash = h
			}
			gw = models.Gateway{
				ID:             spec.ID,
				Name:           strings.TrimSpace(spec.Name),
				Endpoint:       strings.TrimSpace(spec.Endpoint),
				PublicKey:      strings.TrimSpace(spec.PublicKey),
				TokenHash:      hash,
				PartitionIndex: idx,
				Enabled:        true,
			}
			if err := tx.Save(&gw).Error; err != nil {
				return err
			}
			delete(byID, spec.ID)
		}

		for id, gw := range byID {
			if err := tx.Model(&models.Gateway{}).Where("id = ?", id).
				Update("enabled", false).Error; err != nil {
				return err
			}
			s.log.Info("gateway disabled", zap.String("gateway_id", gw.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gateway service: sync: %w", err)
	}
	return s.reload(ctx)
}

func (s *GatewayService) reload(ctx context.Context) error {
	var rows []models.Gateway
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return fmt.Errorf("gateway service: load gateways: %w", err)
	}
	next := make(map[string]models.Gateway, len(rows))
	for _, gw := range rows {
		next[gw.ID] = gw
	}
	s.mu.Lock()
	s.gateways = next
	s.mu.Unlock()
	return nil
}

// Gateway returns an enabled gateway by id.
func (s *GatewayService) Gateway(id string) (models.Gateway, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gw, ok := s.gateways[id]
	return gw, ok
}

// List returns enabled gateways ordered by partition index.
func (s *GatewayService) List() []models.Gateway {
	s.mu.RLock()
	out := make([]models.Gateway, 0, len(s.gateways))
	for _, gw := range s.gateways {
		out = append(out, gw)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionIndex < out[j].PartitionIndex })
	return out
}

// PoolGateways maps enabled gateways onto allocator partitions.
func (s *GatewayService) PoolGateways() []PoolGateway {
	list := s.List()
	out := make([]PoolGateway, len(list))
	for i, gw := range list {
		out[i] = PoolGateway{ID: gw.ID, PartitionIndex: gw.PartitionIndex}
	}
	return out
}

// Authenticate verifies a gateway's token.
func (s *GatewayService) Authenticate(id, token string) (models.Gateway, error) {
	gw, ok := s.Gateway(strings.TrimSpace(id))
	if !ok || !crypto.VerifySecret(gw.TokenHash, strings.TrimSpace(token)) {
		return models.Gateway{}, apperrors.ErrUnauthenticated
	}
	return gw, nil
}
