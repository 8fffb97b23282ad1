// Package eligibility gates claims on tenant credits and venue capability.
package eligibility

import (
	"task-claim-queue/internal/models"
)

// Evaluator answers whether a tenant may start any new task right now. One
// failing check makes all of that tenant's queued tasks for the venue
// ineligible, not just one.
type Evaluator struct {
	tenants map[string]models.Tenant
}

// NewEvaluator builds an evaluator over the tenant rows captured in a claim
// snapshot.
func NewEvaluator(tenants map[string]models.Tenant) *Evaluator {
	if tenants == nil {
		tenants = map[string]models.Tenant{}
	}
	return &Evaluator{tenants: tenants}
}

// Known reports whether any row was captured for the tenant. Callers use it
// to tell a tenant that failed a check apart from one missing entirely, which
// is a data-integrity problem worth logging.
func (e *Evaluator) Known(tenantID string) bool {
	_, ok := e.tenants[tenantID]
	return ok
}

// IsTenantEligible requires a positive credit balance and the capability flag
// for the requested venue. A tenant with no row at all is ineligible: missing
// settings are a data-integrity problem, not a green light.
func (e *Evaluator) IsTenantEligible(tenantID, venue string) bool {
	t, ok := e.tenants[tenantID]
	if !ok {
		return false
	}
	return Eligible(t, venue)
}

// Eligible is the single-tenant predicate, usable when the caller already
// holds the tenant row.
func Eligible(t models.Tenant, venue string) bool {
	if t.CreditsBalance <= 0 {
		return false
	}
	switch venue {
	case models.VenueCloud:
		return t.AllowsCloud
	case models.VenueLocal:
		return t.AllowsLocal
	default:
		return false
	}
}
