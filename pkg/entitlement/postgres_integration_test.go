//go:build integration

package entitlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestSQLStorePostgres(t *testing.T) {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("steward"),
		postgres.WithUsername("steward"),
		postgres.WithPassword("steward"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, "postgres", dsn, testLogger)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "alice", CapabilityCalendar, "token"))
	require.NoError(t, store.Put(ctx, "alice", CapabilityCalendar, "token-2"))
	require.NoError(t, store.Put(ctx, "alice", CapabilityGitHub, ""))

	ok, err := store.HasEntitlement(ctx, "alice", CapabilityCalendar)
	require.NoError(t, err)
	assert.True(t, ok)

	caps, err := store.Capabilities(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []Capability{CapabilityCalendar}, caps)

	require.NoError(t, store.Revoke(ctx, "alice", CapabilityCalendar))
	ok, err = store.HasEntitlement(ctx, "alice", CapabilityCalendar)
	require.NoError(t, err)
	assert.False(t, ok)
}
