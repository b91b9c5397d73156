package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/repo"
)

func newTestCounter(t *testing.T) (*redisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCounter(rdb), mr
}

var testRef = entity.ContentRef{Type: entity.ContentMedia, ID: "m1"}

func TestToggleMember_ColdKeyReturnsErrCold(t *testing.T) {
	c, _ := newTestCounter(t)
	_, err := c.ToggleMember(context.Background(), testRef, entity.KindLike, 1)
	assert.ErrorIs(t, err, repo.ErrCold)
}

func TestToggleMember_FlipsAndCounts(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()
	seeded, err := c.SeedToggle(ctx, testRef, entity.KindLike, 0, nil)
	require.NoError(t, err)
	require.True(t, seeded)

	first, err := c.ToggleMember(ctx, testRef, entity.KindLike, 7)
	require.NoError(t, err)
	assert.True(t, first.Active)
	assert.Equal(t, int64(1), first.Count)
	assert.False(t, first.Clamped)

	second, err := c.ToggleMember(ctx, testRef, entity.KindLike, 7)
	require.NoError(t, err)
	assert.False(t, second.Active)
	assert.Equal(t, int64(0), second.Count)
	// 操作时钟严格递增
	assert.True(t, second.At.After(first.At))
}

func TestToggleMember_ClampsAtZero(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()
	// 集合里有成员但计数已经是 0（漂移）
	_, err := c.SeedToggle(ctx, testRef, entity.KindLike, 0, []uint64{9})
	require.NoError(t, err)

	out, err := c.ToggleMember(ctx, testRef, entity.KindLike, 9)
	require.NoError(t, err)
	assert.False(t, out.Active)
	assert.Equal(t, int64(0), out.Count)
	assert.True(t, out.Clamped)

	v, err := mr.Get(CounterKey(testRef, entity.FieldLikes))
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestToggleMember_ConcurrentDistinctUsers(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedToggle(ctx, testRef, entity.KindLike, 0, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(uid uint64) {
			defer wg.Done()
			_, err := c.ToggleMember(ctx, testRef, entity.KindLike, uid)
			assert.NoError(t, err)
		}(uint64(i))
	}
	wg.Wait()

	v, hit, err := c.Get(ctx, testRef, entity.FieldLikes)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(100), v)
}

func TestToggleMember_ClockSurvivesEviction(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedToggle(ctx, testRef, entity.KindLike, 0, nil)
	require.NoError(t, err)
	first, err := c.ToggleMember(ctx, testRef, entity.KindLike, 1)
	require.NoError(t, err)

	// 所有键被淘汰后重新回填，时钟仍然不会倒退
	mr.FlushAll()
	_, err = c.SeedToggle(ctx, testRef, entity.KindLike, 1, []uint64{1})
	require.NoError(t, err)
	second, err := c.ToggleMember(ctx, testRef, entity.KindLike, 1)
	require.NoError(t, err)
	assert.False(t, second.Active)
	assert.False(t, second.At.Before(first.At))
}

func TestSeedToggle_DoesNotOverwriteLiveCounter(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedToggle(ctx, testRef, entity.KindLike, 3, []uint64{1, 2, 3})
	require.NoError(t, err)

	seeded, err := c.SeedToggle(ctx, testRef, entity.KindLike, 10, nil)
	require.NoError(t, err)
	assert.False(t, seeded)

	v, _, err := c.Get(ctx, testRef, entity.FieldLikes)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestOverwriteToggle_RebuildsMembership(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedToggle(ctx, testRef, entity.KindBookmark, 5, []uint64{1, 2, 3, 4, 5})
	require.NoError(t, err)

	require.NoError(t, c.OverwriteToggle(ctx, testRef, entity.KindBookmark, 2, []uint64{4, 5}))

	v, _, err := c.Get(ctx, testRef, entity.FieldBookmarks)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	members, err := mr.Members(ToggleKey(testRef, entity.KindBookmark))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"4", "5"}, members)
}

func TestIncrField_ClampsAndReportsCold(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()

	_, _, err := c.IncrField(ctx, testRef, entity.FieldComments, 1)
	assert.ErrorIs(t, err, repo.ErrCold)

	_, err = c.SeedCounter(ctx, testRef, entity.FieldComments, 1)
	require.NoError(t, err)
	v, clamped, err := c.IncrField(ctx, testRef, entity.FieldComments, -3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.True(t, clamped)
}

func TestIncr_RawPrimitive(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()

	v, clamped, err := c.Incr(ctx, "raw", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.False(t, clamped)

	v, clamped, err = c.Incr(ctx, "raw", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.True(t, clamped)
}

func TestFlipMembership(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()

	added, err := c.FlipMembership(ctx, "set", 42)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = c.FlipMembership(ctx, "set", 42)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestSeed_OnlyWhenAbsent(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()

	ok, err := c.Seed(ctx, "k", -4)
	require.NoError(t, err)
	assert.True(t, ok)
	v, _ := mr.Get("k")
	assert.Equal(t, "0", v)
	assert.True(t, mr.TTL("k") >= BaseTTL)

	ok, err = c.Seed(ctx, "k", 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordViewOnce_DedupsWithinWindow(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedCounter(ctx, testRef, entity.FieldViews, 0)
	require.NoError(t, err)

	newly, cnt, err := c.RecordViewOnce(ctx, testRef, 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, int64(1), cnt)

	newly, cnt, err = c.RecordViewOnce(ctx, testRef, 1, time.Hour)
	require.NoError(t, err)
	assert.False(t, newly)
	assert.Equal(t, int64(1), cnt)

	// 窗口过期后可以再次计数
	mr.FastForward(time.Hour + time.Second)
	newly, cnt, err = c.RecordViewOnce(ctx, testRef, 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, int64(2), cnt)
}

func TestRecordViewOnce_WindowRollsFromCountedView(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedCounter(ctx, testRef, entity.FieldViews, 0)
	require.NoError(t, err)

	newly, _, err := c.RecordViewOnce(ctx, testRef, 4, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, newly)

	// 跨过整点日界也不重新计数，只看距上次计数的时长
	mr.FastForward(23*time.Hour + 59*time.Minute)
	newly, cnt, err := c.RecordViewOnce(ctx, testRef, 4, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, newly)
	assert.Equal(t, int64(1), cnt)

	mr.FastForward(2 * time.Minute)
	newly, cnt, err = c.RecordViewOnce(ctx, testRef, 4, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, int64(2), cnt)
}

func TestRecordViewOnce_OnceEverHasNoExpiry(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedCounter(ctx, testRef, entity.FieldViews, 0)
	require.NoError(t, err)

	_, _, err = c.RecordViewOnce(ctx, testRef, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL(dedupKey(testRef, 3)))
}

func TestRecordViewOnce_ConcurrentSameUser(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()
	_, err := c.SeedCounter(ctx, testRef, entity.FieldViews, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	newlyCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newly, _, err := c.RecordViewOnce(ctx, testRef, 5, time.Hour)
			assert.NoError(t, err)
			if newly {
				mu.Lock()
				newlyCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, newlyCount)
	v, _, err := c.Get(ctx, testRef, entity.FieldViews)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMissingMarker(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()

	missing, err := c.IsMissing(ctx, testRef)
	require.NoError(t, err)
	assert.False(t, missing)

	require.NoError(t, c.MarkMissing(ctx, testRef))
	missing, err = c.IsMissing(ctx, testRef)
	require.NoError(t, err)
	assert.True(t, missing)

	mr.FastForward(MissingTTL + time.Second)
	missing, err = c.IsMissing(ctx, testRef)
	require.NoError(t, err)
	assert.False(t, missing)

	require.NoError(t, c.MarkMissing(ctx, testRef))
	require.NoError(t, c.ClearMissing(ctx, testRef))
	missing, err = c.IsMissing(ctx, testRef)
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestOverwrite_ClampsNegative(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()
	require.NoError(t, c.Overwrite(ctx, testRef, entity.FieldShares, -2))
	v, hit, err := c.Get(ctx, testRef, entity.FieldShares)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(0), v)
}
