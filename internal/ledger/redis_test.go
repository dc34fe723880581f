package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/triage-notifier/internal/eligibility"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, client := setupTestRedis(t)
		return NewRedisStore(client, "test")
	})
}

func TestRedisStoreKeepsIndexesInStep(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStore(client, "clinic:")
	ctx := context.Background()
	tag := NewTag("P", eligibility.ThirtyMinute, "2025-12-08")

	_, err := s.TryReserve(ctx, tag, "P", eligibility.ThirtyMinute, t0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("clinic:res:"+tag))
	members, err := mr.ZMembers("clinic:idx:reserved")
	require.NoError(t, err)
	assert.Equal(t, []string{tag}, members)

	require.NoError(t, s.Confirm(ctx, tag, t0.Add(time.Second)))
	_, err = mr.ZMembers("clinic:idx:reserved")
	assert.Error(t, err, "reserved index is empty once confirmed")
	members, err = mr.ZMembers("clinic:idx:confirmed")
	require.NoError(t, err)
	assert.Equal(t, []string{tag}, members)
}
