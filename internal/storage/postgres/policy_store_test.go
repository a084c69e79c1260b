package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

func TestListActivePolicies(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	blockID := uuid.New()
	allowID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM domain_policies").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "pattern", "policy_type", "allowed_roles", "min_tier", "active",
		}).
			AddRow(blockID, "*.blocked.com", "blacklist", []string(nil), 0, true).
			AddRow(allowID, "premium.com", "whitelist", []string{"analyst", "admin"}, 2, true))

	store := NewPolicyStore(mock)
	policies, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.Equal(t, dispatch.PolicyBlacklist, policies[0].Type)
	require.Equal(t, "*.blocked.com", policies[0].Pattern)
	require.Equal(t, dispatch.PolicyWhitelist, policies[1].Type)
	require.Equal(t, []string{"analyst", "admin"}, policies[1].AllowedRoles)
	require.Equal(t, 2, policies[1].MinTier)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActivePolicies_Empty(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM domain_policies").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "pattern", "policy_type", "allowed_roles", "min_tier", "active",
		}))

	store := NewPolicyStore(mock)
	policies, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, policies)
	require.NoError(t, mock.ExpectationsWereMet())
}
