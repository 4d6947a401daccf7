//go:build integration

package redis_test

import (
	"context"
	"strings"
	"testing"
	"time"

	wredis "github.com/consoul-dev/consoul-hooks/webhook/redis"
	"github.com/stretchr/testify/require"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// SetupRedisContainer creates and starts a Redis testcontainer
func SetupRedisContainer(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()

	redisContainer, err := testcontainersredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start Redis container")

	addr, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err, "failed to get Redis connection string")
	addr = strings.TrimPrefix(addr, "redis://")

	cleanup := func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	}
	return addr, cleanup
}

// CreateIntegrationRepository connects a repository to the test container
func CreateIntegrationRepository(t *testing.T, addr string) *wredis.Repository {
	t.Helper()

	repo, err := wredis.NewRepository(addr, "", 0, time.Hour)
	require.NoError(t, err, "failed to create Redis repository")
	return repo
}

// CreateIntegrationQueue connects a queue to the test container
func CreateIntegrationQueue(t *testing.T, addr string) *wredis.Queue {
	t.Helper()

	q, err := wredis.NewQueue(addr, "", 0, "worker-integration", 1000, 4, time.Minute)
	require.NoError(t, err, "failed to create Redis queue")
	return q
}
