package gateway

import (
	"context"
	"errors"
	"fmt"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/model"
)

// Factory builds processor adapters bound to one set of credentials.
type Factory interface {
	NewGateway(cfg *model.TenantGateway) (Gateway, error)
	NewVerifier(cfg *model.TenantGateway) (Verifier, error)
}

type ConfigStore interface {
	GetGateway(ctx context.Context, tenantID string, gatewayType model.GatewayType) (*model.TenantGateway, error)
}

type Resolver struct {
	store     ConfigStore
	factories map[model.GatewayType]Factory
	platform  map[model.GatewayType]*model.TenantGateway
}

func NewResolver(store ConfigStore, factories map[model.GatewayType]Factory, platform map[model.GatewayType]*model.TenantGateway) *Resolver {
	if platform == nil {
		platform = map[model.GatewayType]*model.TenantGateway{}
	}
	return &Resolver{
		store:     store,
		factories: factories,
		platform:  platform,
	}
}

// Resolve returns a gateway bound to the tenant's configuration.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, gatewayType model.GatewayType) (Gateway, error) {
	factory, cfg, err := r.lookup(ctx, tenantID, gatewayType)
	if err != nil {
		return nil, err
	}

	gw, err := factory.NewGateway(cfg)
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrConfiguration, "build %s gateway for tenant %s: %v", gatewayType, tenantID, err)
	}
	return gw, nil
}

// ResolveVerifier returns the webhook verifier for a tenant, or the
// platform-level verifier when tenantID is empty.
func (r *Resolver) ResolveVerifier(ctx context.Context, tenantID string, gatewayType model.GatewayType) (Verifier, error) {
	var (
		factory Factory
		cfg     *model.TenantGateway
		err     error
	)
	if tenantID == "" {
		factory, err = r.factory(gatewayType)
		if err != nil {
			return nil, err
		}
		var ok bool
		cfg, ok = r.platform[gatewayType]
		if !ok {
			return nil, apperror.Wrap(apperror.ErrConfiguration, "no platform webhook credentials for %s", gatewayType)
		}
	} else {
		factory, cfg, err = r.lookup(ctx, tenantID, gatewayType)
		if err != nil {
			return nil, err
		}
	}

	v, err := factory.NewVerifier(cfg)
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrConfiguration, "build %s verifier: %v", gatewayType, err)
	}
	return v, nil
}

func (r *Resolver) factory(gatewayType model.GatewayType) (Factory, error) {
	factory, ok := r.factories[gatewayType]
	if !ok {
		return nil, apperror.Wrap(apperror.ErrUnsupportedGateway, "%q", gatewayType)
	}
	return factory, nil
}

func (r *Resolver) lookup(ctx context.Context, tenantID string, gatewayType model.GatewayType) (Factory, *model.TenantGateway, error) {
	factory, err := r.factory(gatewayType)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := r.store.GetGateway(ctx, tenantID, gatewayType)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, nil, apperror.Wrap(apperror.ErrConfiguration, "tenant %s has no %s gateway", tenantID, gatewayType)
		}
		return nil, nil, fmt.Errorf("load gateway config: %w", err)
	}
	if !cfg.Enabled {
		return nil, nil, apperror.Wrap(apperror.ErrConfiguration, "%s gateway disabled for tenant %s", gatewayType, tenantID)
	}
	return factory, cfg, nil
}
