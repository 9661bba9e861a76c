package service

import (
	"commerce-payments/internal/apperror"
)

// Principal is the authenticated caller of a payment operation.
type Principal struct {
	ActorID  string
	TenantID string
	// Platform principals may act on any tenant.
	Platform bool
}

// SystemPrincipal is used for gateway-driven transitions.
func SystemPrincipal(actor string) Principal {
	return Principal{ActorID: actor, Platform: true}
}

func (p Principal) authorize(tenantID string) error {
	if p.Platform {
		return nil
	}
	if p.TenantID == "" || p.TenantID != tenantID {
		return apperror.Wrap(apperror.ErrForbidden, "actor %s may not act on tenant %s", p.ActorID, tenantID)
	}
	return nil
}
