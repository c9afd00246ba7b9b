package ltiauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	got, err = c.Take(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)
	_, err = c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNewRedisCacheFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedisCache(context.Background(), addr, "")
	assert.Error(t, err)
}

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewMemoryCache()
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLaunchStoreOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewLaunchStore(NewRedisCacheWithClient(client), time.Hour)
	ctx := context.Background()

	msg, err := store.Save(ctx, lti.Claims{"sub": "u1", lti.ClaimMessageType: lti.MessageTypeDeepLinking})
	require.NoError(t, err)

	got, err := store.Load(ctx, msg.LaunchID)
	require.NoError(t, err)
	assert.True(t, got.IsDeepLinking())

	_, err = store.Load(ctx, "not-a-ulid")
	assert.ErrorIs(t, err, ErrLaunchNotFound)
	_, err = store.Load(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ErrLaunchNotFound)
}

func TestMemoryCacheTakeHasOneWinner(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "state", []byte("v"), time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Take(ctx, "state"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestLaunchIDsAreNotSequential(t *testing.T) {
	store := NewLaunchStore(NewMemoryCache(), time.Hour)
	at := time.Unix(1700000000, 0)
	store.Now = func() time.Time { return at }
	ctx := context.Background()

	a, err := store.Save(ctx, lti.Claims{"sub": "u1"})
	require.NoError(t, err)
	b, err := store.Save(ctx, lti.Claims{"sub": "u2"})
	require.NoError(t, err)

	ua, err := ulid.ParseStrict(a.LaunchID)
	require.NoError(t, err)
	ub, err := ulid.ParseStrict(b.LaunchID)
	require.NoError(t, err)
	assert.Equal(t, ua.Time(), ub.Time())
	// monotonic entropy would only differ in the low bytes
	assert.NotEqual(t, ua.Entropy()[:8], ub.Entropy()[:8])
}

func TestResumeToken(t *testing.T) {
	store := NewLaunchStore(NewMemoryCache(), time.Hour)
	ctx := context.Background()

	assert.ErrorIs(t, store.CheckResumeToken(ctx, "L1", "x"), ErrLaunchNotFound)

	first, err := store.IssueResumeToken(ctx, "L1")
	require.NoError(t, err)
	require.NoError(t, store.CheckResumeToken(ctx, "L1", first))
	// checking does not consume
	require.NoError(t, store.CheckResumeToken(ctx, "L1", first))

	assert.ErrorIs(t, store.CheckResumeToken(ctx, "L1", ""), ErrResumeToken)
	assert.ErrorIs(t, store.CheckResumeToken(ctx, "L1", "forged"), ErrResumeToken)

	second, err := store.IssueResumeToken(ctx, "L1")
	require.NoError(t, err)
	assert.ErrorIs(t, store.CheckResumeToken(ctx, "L1", first), ErrResumeToken)
	assert.NoError(t, store.CheckResumeToken(ctx, "L1", second))
}
