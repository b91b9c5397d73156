package mysqldb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/repo"
)

// 每个测试一个独立的内存 SQLite
func newTestRepo(t *testing.T) *mysqlRepo {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite 单写者
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return NewMySQLRepo(db)
}

var ref = entity.ContentRef{Type: entity.ContentMedia, ID: "m1"}

func mustCreate(t *testing.T, r *mysqlRepo, refs ...entity.ContentRef) {
	t.Helper()
	for _, x := range refs {
		require.NoError(t, r.CreateContent(context.Background(), x))
	}
}

func at(sec int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, sec, 0, time.UTC)
}

func TestCreateContent_Idempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref, ref)

	stats, err := r.GetStats(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, int64(0), stats.LikeCount)

	missing, err := r.GetStats(ctx, entity.ContentRef{Type: entity.ContentMedia, ID: "nope"})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWritesOnUnknownContent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.ApplyToggle(ctx, repo.ToggleWrite{UserID: 1, Ref: ref, Kind: entity.KindLike, Active: true, OccurredAt: at(1)})
	assert.ErrorIs(t, err, repo.ErrContentNotFound)
	_, _, err = r.FlipToggle(ctx, 1, ref, entity.KindLike)
	assert.ErrorIs(t, err, repo.ErrContentNotFound)
	_, _, err = r.RecordView(ctx, repo.ViewWrite{UserID: 1, Ref: ref, WindowKey: "w1", OccurredAt: at(1)})
	assert.ErrorIs(t, err, repo.ErrContentNotFound)
	_, err = r.RecordShare(ctx, repo.ShareWrite{OpID: "op", UserID: 1, Ref: ref, OccurredAt: at(1)})
	assert.ErrorIs(t, err, repo.ErrContentNotFound)
}

func TestApplyToggle_SetStateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	w := repo.ToggleWrite{UserID: 1, Ref: ref, Kind: entity.KindLike, Active: true, OccurredAt: at(1)}
	changed, err := r.ApplyToggle(ctx, w)
	require.NoError(t, err)
	assert.True(t, changed)

	// 重放不改变计数
	changed, err = r.ApplyToggle(ctx, w)
	require.NoError(t, err)
	assert.False(t, changed)

	stats, err := r.GetStats(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.LikeCount)

	active, err := r.HasActive(ctx, ref, entity.KindLike, 1)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestApplyToggle_FirstWriteInactiveDoesNotCount(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	changed, err := r.ApplyToggle(ctx, repo.ToggleWrite{UserID: 1, Ref: ref, Kind: entity.KindBookmark, Active: false, OccurredAt: at(1)})
	require.NoError(t, err)
	assert.False(t, changed)

	active, err := r.HasActive(ctx, ref, entity.KindBookmark, 1)
	require.NoError(t, err)
	assert.False(t, active)

	stats, err := r.GetStats(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.BookmarkCount)
}

func TestApplyToggle_StaleReplayIgnored(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	on := repo.ToggleWrite{UserID: 1, Ref: ref, Kind: entity.KindLike, Active: true, OccurredAt: at(1)}
	off := repo.ToggleWrite{UserID: 1, Ref: ref, Kind: entity.KindLike, Active: false, OccurredAt: at(2)}
	_, err := r.ApplyToggle(ctx, on)
	require.NoError(t, err)
	_, err = r.ApplyToggle(ctx, off)
	require.NoError(t, err)

	// 死信重放了更早的 "on"，不应该复活
	changed, err := r.ApplyToggle(ctx, on)
	require.NoError(t, err)
	assert.False(t, changed)

	stats, err := r.GetStats(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.LikeCount)
}

func TestFlipToggle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	active, count, err := r.FlipToggle(ctx, 1, ref, entity.KindLike)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, int64(1), count)

	active, count, err = r.FlipToggle(ctx, 2, ref, entity.KindLike)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, int64(2), count)

	active, count, err = r.FlipToggle(ctx, 1, ref, entity.KindLike)
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, int64(1), count)

	members, err := r.ListActiveMembers(ctx, ref, entity.KindLike)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, members)
}

func TestFlipToggle_ConcurrentUsers(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(uid uint64) {
			defer wg.Done()
			_, _, err := r.FlipToggle(ctx, uid, ref, entity.KindBookmark)
			assert.NoError(t, err)
		}(uint64(i))
	}
	wg.Wait()

	stats, err := r.GetStats(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.BookmarkCount)
}

func TestRecordView_OncePerWindow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	w := repo.ViewWrite{UserID: 1, Ref: ref, WindowKey: "w100", OccurredAt: at(1)}
	newly, count, err := r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, int64(1), count)

	w.Engagement = &entity.Engagement{DurationMs: 3000, ProgressPct: 50}
	newly, count, err = r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.False(t, newly)
	assert.Equal(t, int64(1), count)

	w.WindowKey = "w101"
	newly, count, err = r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, int64(2), count)

	var rec entity.InteractionRecord
	require.NoError(t, r.db.Where("window_key = ?", "w100").First(&rec).Error)
	assert.Contains(t, rec.Metadata, `"durationMs":3000`)
}

func TestRecordView_SinceGatesRollingWindow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)
	window := 24 * time.Hour
	night := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)

	w := repo.ViewWrite{UserID: 1, Ref: ref, WindowKey: "w1", OccurredAt: night, Since: night.Add(-window)}
	newly, count, err := r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, int64(1), count)

	// 换了窗口编号，但距上次计数只有两分钟
	next := night.Add(2 * time.Minute)
	w = repo.ViewWrite{UserID: 1, Ref: ref, WindowKey: "w2", OccurredAt: next, Since: next.Add(-window),
		Engagement: &entity.Engagement{IsComplete: true}}
	newly, count, err = r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.False(t, newly)
	assert.Equal(t, int64(1), count)

	var n int64
	require.NoError(t, r.db.Model(&entity.InteractionRecord{}).Where("kind = ?", string(entity.KindView)).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	later := night.Add(window + time.Minute)
	w = repo.ViewWrite{UserID: 1, Ref: ref, WindowKey: "w2", OccurredAt: later, Since: later.Add(-window)}
	newly, count, err = r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, int64(2), count)
}

func TestRecordView_RefreshOnlyNeverCounts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	// 没有记录时也不新增
	w := repo.ViewWrite{UserID: 1, Ref: ref, WindowKey: "w9", OccurredAt: at(1), RefreshOnly: true,
		Engagement: &entity.Engagement{DurationMs: 10}}
	newly, count, err := r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.False(t, newly)
	assert.Equal(t, int64(0), count)

	_, _, err = r.RecordView(ctx, repo.ViewWrite{UserID: 1, Ref: ref, WindowKey: "w1", OccurredAt: at(2)})
	require.NoError(t, err)

	newly, count, err = r.RecordView(ctx, w)
	require.NoError(t, err)
	assert.False(t, newly)
	assert.Equal(t, int64(1), count)

	var rec entity.InteractionRecord
	require.NoError(t, r.db.Where("window_key = ?", "w1").First(&rec).Error)
	assert.Contains(t, rec.Metadata, `"durationMs":10`)
}

func TestRecordShare_OpIDIsIdempotencyKey(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	count, err := r.RecordShare(ctx, repo.ShareWrite{OpID: "a", UserID: 1, Ref: ref, OccurredAt: at(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	count, err = r.RecordShare(ctx, repo.ShareWrite{OpID: "a", UserID: 1, Ref: ref, OccurredAt: at(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	// 同一用户的第二次分享也计数
	count, err = r.RecordShare(ctx, repo.ShareWrite{OpID: "b", UserID: 1, Ref: ref, OccurredAt: at(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = r.RecordShare(ctx, repo.ShareWrite{UserID: 1, Ref: ref, OccurredAt: at(3)})
	assert.Error(t, err)
}

func TestAdjustComments_NeverNegative(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, ref)

	count, err := r.AdjustComments(ctx, repo.CommentWrite{OpID: "c1", UserID: 1, Ref: ref, Delta: 1, OccurredAt: at(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	count, err = r.AdjustComments(ctx, repo.CommentWrite{OpID: "c2", UserID: 1, Ref: ref, Delta: -1, OccurredAt: at(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	count, err = r.AdjustComments(ctx, repo.CommentWrite{OpID: "c3", UserID: 1, Ref: ref, Delta: -1, OccurredAt: at(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestListStats_KeysetPaging(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	var all []entity.ContentRef
	for i := 0; i < 5; i++ {
		all = append(all, entity.ContentRef{Type: entity.ContentPoll, ID: fmt.Sprintf("p%d", i)})
	}
	all = append(all, entity.ContentRef{Type: entity.ContentMedia, ID: "m9"})
	mustCreate(t, r, all...)

	var seen []string
	var after entity.ContentRef
	for {
		page, err := r.ListStats(ctx, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for i := range page {
			seen = append(seen, page[i].Ref().String())
		}
		after = page[len(page)-1].Ref()
	}
	assert.Equal(t, []string{"media:m9", "poll:p0", "poll:p1", "poll:p2", "poll:p3", "poll:p4"}, seen)
}

func TestNormalizeDSN(t *testing.T) {
	out, err := NormalizeDSN("root:pw@tcp(127.0.0.1:3306)/social")
	require.NoError(t, err)
	assert.Contains(t, out, "parseTime=true")

	_, err = Open("oracle", "x")
	assert.Error(t, err)
}
