package postgres

import (
	"context"
	"fmt"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// PolicyStore implements dispatch.PolicyStore.
type PolicyStore struct {
	pool pgPool
}

// NewPolicyStore constructs a PolicyStore over a shared pool.
func NewPolicyStore(pool pgPool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

// ListActive returns the active domain policies in a stable order.
func (s *PolicyStore) ListActive(ctx context.Context) ([]dispatch.DomainPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pattern, policy_type, allowed_roles, min_tier, active
		FROM domain_policies
		WHERE active
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}
	defer rows.Close()

	var policies []dispatch.DomainPolicy
	for rows.Next() {
		var (
			p          dispatch.DomainPolicy
			policyType string
		)
		if err := rows.Scan(&p.ID, &p.Pattern, &policyType, &p.AllowedRoles, &p.MinTier, &p.Active); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Type = dispatch.PolicyType(policyType)
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}
