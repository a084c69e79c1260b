package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

type fakePolicyStore struct {
	policies []dispatch.DomainPolicy
	err      error
}

func (s *fakePolicyStore) ListActive(context.Context) ([]dispatch.DomainPolicy, error) {
	return s.policies, s.err
}

func TestIsAllowed_NoPoliciesAllowsEverything(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{}, nil)
	require.NoError(t, engine.IsAllowed(context.Background(), "https://example.com/page", "viewer", 0))
}

func TestIsAllowed_BlacklistDenies(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{policies: []dispatch.DomainPolicy{
		{Pattern: "*.blocked.com", Type: dispatch.PolicyBlacklist, Active: true},
	}}, nil)

	err := engine.IsAllowed(context.Background(), "https://sub.blocked.com/x", "admin", 10)
	var policyErr *dispatch.PolicyViolationError
	require.ErrorAs(t, err, &policyErr)
	require.Equal(t, "https://sub.blocked.com/x", policyErr.URL)

	require.NoError(t, engine.IsAllowed(context.Background(), "https://fine.com", "admin", 10))
}

func TestIsAllowed_BlacklistWinsOverWhitelist(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{policies: []dispatch.DomainPolicy{
		{Pattern: "example.com", Type: dispatch.PolicyWhitelist, Active: true},
		{Pattern: "example.com", Type: dispatch.PolicyBlacklist, Active: true},
	}}, nil)

	var policyErr *dispatch.PolicyViolationError
	require.ErrorAs(t, engine.IsAllowed(context.Background(), "https://example.com", "admin", 10), &policyErr)
}

func TestIsAllowed_WhitelistClosesAdmission(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{policies: []dispatch.DomainPolicy{
		{Pattern: "allowed.com", Type: dispatch.PolicyWhitelist, Active: true},
	}}, nil)

	require.NoError(t, engine.IsAllowed(context.Background(), "https://allowed.com", "viewer", 0))

	var policyErr *dispatch.PolicyViolationError
	require.ErrorAs(t, engine.IsAllowed(context.Background(), "https://other.com", "viewer", 0), &policyErr)
}

func TestIsAllowed_WhitelistRoleAndTier(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{policies: []dispatch.DomainPolicy{
		{
			Pattern:      "premium.com",
			Type:         dispatch.PolicyWhitelist,
			AllowedRoles: []string{"analyst", "admin"},
			MinTier:      2,
			Active:       true,
		},
	}}, nil)

	ctx := context.Background()
	require.NoError(t, engine.IsAllowed(ctx, "https://premium.com", "analyst", 2))

	var policyErr *dispatch.PolicyViolationError
	require.ErrorAs(t, engine.IsAllowed(ctx, "https://premium.com", "viewer", 2), &policyErr)
	require.ErrorAs(t, engine.IsAllowed(ctx, "https://premium.com", "analyst", 1), &policyErr)
}

func TestIsAllowed_SuffixPatterns(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{policies: []dispatch.DomainPolicy{
		{Pattern: ".internal.net", Type: dispatch.PolicyBlacklist, Active: true},
	}}, nil)

	ctx := context.Background()
	var policyErr *dispatch.PolicyViolationError
	require.ErrorAs(t, engine.IsAllowed(ctx, "https://internal.net", "x", 0), &policyErr)
	require.ErrorAs(t, engine.IsAllowed(ctx, "https://db.internal.net", "x", 0), &policyErr)
	require.NoError(t, engine.IsAllowed(ctx, "https://notinternal.net.example.com", "x", 0))
}

func TestIsAllowed_UnparseableURL(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{}, nil)
	var policyErr *dispatch.PolicyViolationError
	require.ErrorAs(t, engine.IsAllowed(context.Background(), "://nope", "x", 0), &policyErr)
	require.Equal(t, "unparseable URL", policyErr.Reason)
}

func TestIsAllowed_StoreError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("db down")
	engine := NewEngine(&fakePolicyStore{err: storeErr}, nil)

	err := engine.IsAllowed(context.Background(), "https://example.com", "x", 0)
	require.ErrorIs(t, err, storeErr)
	var policyErr *dispatch.PolicyViolationError
	require.False(t, errors.As(err, &policyErr))
}

func TestCheckAll_ReturnsFirstDenial(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakePolicyStore{policies: []dispatch.DomainPolicy{
		{Pattern: "bad.com", Type: dispatch.PolicyBlacklist, Active: true},
	}}, nil)

	err := engine.CheckAll(context.Background(), []string{
		"https://good.com",
		"https://bad.com/one",
		"https://bad.com/two",
	}, "x", 0)
	var policyErr *dispatch.PolicyViolationError
	require.ErrorAs(t, err, &policyErr)
	require.Equal(t, "https://bad.com/one", policyErr.URL)
}
