package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asamzaman87/Git-GPT-App/internal/testutil"
	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/storagetest"
)

// openTestStore connects to GITGPT_TEST_REDIS_ADDR or skips the test. Each
// store gets a unique key prefix, so tests never see each other's data.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("GITGPT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GITGPT_TEST_REDIS_ADDR not set")
	}

	prefix := "gitgpt-test:" + uuid.NewString() + ":"
	s, err := New(context.Background(), Config{Addr: addr, Prefix: prefix}, testutil.DiscardLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		c := goredis.NewClient(&goredis.Options{Addr: addr})
		defer c.Close()
		ctx := context.Background()
		iter := c.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			c.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestStore_ExpiryIndex(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := testutil.FixedTime

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code: "code-1", ClientID: "c", ExpiresAt: now.Add(time.Minute),
	}))

	score, err := s.client.ZScore(ctx, s.expiryKey(kindCode), "code-1").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixMicro()), score)

	_, err = s.ConsumeAuthorizationCode(ctx, "code-1", now, nil)
	require.NoError(t, err)

	_, err = s.client.ZScore(ctx, s.expiryKey(kindCode), "code-1").Result()
	assert.ErrorIs(t, err, goredis.Nil)
}

func TestNewFromClient_DefaultPrefix(t *testing.T) {
	s := NewFromClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "", nil)
	defer s.Close()

	assert.Equal(t, DefaultPrefix+"code:abc", s.codeKey("abc"))
	assert.Equal(t, DefaultPrefix+"expiry:refresh", s.expiryKey(kindRefresh))
}
