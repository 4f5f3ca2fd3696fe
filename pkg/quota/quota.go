// Package quota implements the Tenant Quota external collaborator
// contract: Check/Deduct against a per-tenant page budget, with an
// unlimited flag that exempts a tenant from deduction entirely.
package quota

import (
	"errors"
	"sync"

	"github.com/cuemby/jobfabric/pkg/types"
)

// ErrInsufficientPages is the one Fatal-to-job error this collaborator
// can return; every other failure is treated as Transient by the caller.
var ErrInsufficientPages = errors.New("quota: insufficient pages remaining")

// Quota is the contract the Cluster Controller depends on at Submit time
// and the worker depends on after a successful Process call.
type Quota interface {
	Check(tenantID string) (types.TenantQuotaView, error)
	Deduct(tenantID string, n int) (types.TenantQuotaView, error)
}

type tenantState struct {
	remaining int
	unlimited bool
}

// InMemory is a reference Quota implementation backed by a map, suitable
// for tests and for operators without an external billing system.
type InMemory struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewInMemory returns an empty in-memory quota ledger. Unknown tenants
// default to unlimited=false, remaining=0 until explicitly provisioned.
func NewInMemory() *InMemory {
	return &InMemory{tenants: make(map[string]*tenantState)}
}

// SetTenant provisions or overwrites a tenant's quota state.
func (q *InMemory) SetTenant(tenantID string, remaining int, unlimited bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tenants[tenantID] = &tenantState{remaining: remaining, unlimited: unlimited}
}

// Check returns the current remaining/unlimited view for a tenant.
func (q *InMemory) Check(tenantID string) (types.TenantQuotaView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.tenants[tenantID]
	if t == nil {
		return types.TenantQuotaView{Remaining: 0, Unlimited: false}, nil
	}
	return types.TenantQuotaView{Remaining: t.remaining, Unlimited: t.unlimited}, nil
}

// Deduct subtracts n pages from a tenant's remaining balance. It is a
// no-op for unlimited tenants, per the Tenant Quota contract in spec §3.
func (q *InMemory) Deduct(tenantID string, n int) (types.TenantQuotaView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.tenants[tenantID]
	if t == nil {
		t = &tenantState{}
		q.tenants[tenantID] = t
	}
	if t.unlimited {
		return types.TenantQuotaView{Remaining: t.remaining, Unlimited: true}, nil
	}
	if t.remaining < n {
		return types.TenantQuotaView{Remaining: t.remaining, Unlimited: false}, ErrInsufficientPages
	}
	t.remaining -= n
	return types.TenantQuotaView{Remaining: t.remaining, Unlimited: false}, nil
}
