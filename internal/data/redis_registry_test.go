package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/testutil"
)

func TestRedisCategoryRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)
	defer client.Close()

	reg := NewRedisCategoryRegistry(client, "test")
	ctx := context.Background()

	cats, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, cats)
	assert.NotNil(t, cats)

	require.NoError(t, reg.Enable(ctx, "billing", " reports ", ""))
	require.NoError(t, reg.Enable(ctx, "billing"))
	cats, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "reports"}, cats)

	require.NoError(t, reg.Disable(ctx, "billing"))
	cats, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports"}, cats)

	require.Error(t, reg.Enable(ctx, " "))
}

func TestRedisWorkerRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)
	defer client.Close()

	clk := clock.NewFixed(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := NewRedisWorkerRegistry(client, "test", clk)
	ctx := context.Background()

	require.NoError(t, reg.Heartbeat(ctx, "worker-a", 10*time.Second))
	require.NoError(t, reg.Heartbeat(ctx, "worker-b", time.Minute))

	live, err := reg.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-a", "worker-b"}, live)

	clk.Advance(30 * time.Second)
	live, err = reg.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-b"}, live)

	require.NoError(t, reg.Deregister(ctx, "worker-b"))
	live, err = reg.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	require.Error(t, reg.Heartbeat(ctx, "", time.Second))
	require.Error(t, reg.Heartbeat(ctx, "worker-c", 0))
}
