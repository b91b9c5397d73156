package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/repo"
)

type redisCounter struct {
	rdb redis.UniversalClient
	ttl func() time.Duration
}

var (
	_ repo.CounterStore = (*redisCounter)(nil)
	_ repo.ReconcileLog = (*redisCounter)(nil)
)

// NewRedisCounter 集群和单机客户端都可以（redis.UniversalClient）
func NewRedisCounter(rdb redis.UniversalClient) *redisCounter {
	return &redisCounter{rdb: rdb, ttl: getRandomTTL}
}

func (r *redisCounter) Incr(ctx context.Context, key string, delta int64) (int64, bool, error) {
	res, err := incrScript.Run(ctx, r.rdb, []string{key}, delta).Result()
	if err != nil {
		return 0, false, err
	}
	arr, err := evalInts(res, 2)
	if err != nil {
		return 0, false, err
	}
	return arr[1], arr[0] == 1, nil
}

func (r *redisCounter) FlipMembership(ctx context.Context, setKey string, member uint64) (bool, error) {
	added, err := flipScript.Run(ctx, r.rdb, []string{setKey}, member).Int64()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Seed 仅在键不存在时写入
func (r *redisCounter) Seed(ctx context.Context, key string, value int64) (bool, error) {
	if value < 0 {
		value = 0
	}
	return r.rdb.SetNX(ctx, key, value, r.ttl()).Result()
}

func (r *redisCounter) ToggleMember(ctx context.Context, ref entity.ContentRef, kind entity.Kind, userID uint64) (repo.ToggleOutcome, error) {
	keys := []string{toggleKey(ref, kind), counterKey(ref, kind.Field()), clockKey(ref)}
	res, err := toggleScript.Run(ctx, r.rdb, keys, userID, ttlArg(r.ttl())).Result()
	if err != nil {
		return repo.ToggleOutcome{}, err
	}
	arr, err := evalInts(res, 4)
	if err != nil {
		return repo.ToggleOutcome{}, err
	}
	return repo.ToggleOutcome{
		Active:  arr[0] == 1,
		Count:   arr[1],
		Clamped: arr[2] == 1,
		At:      time.UnixMicro(arr[3]).UTC(),
	}, nil
}

func (r *redisCounter) IncrField(ctx context.Context, ref entity.ContentRef, field entity.Field, delta int64) (int64, bool, error) {
	res, err := incrFieldScript.Run(ctx, r.rdb, []string{counterKey(ref, field)}, delta, ttlArg(r.ttl())).Result()
	if err != nil {
		return 0, false, err
	}
	arr, err := evalInts(res, 2)
	if err != nil {
		return 0, false, err
	}
	return arr[1], arr[0] == 1, nil
}

// RecordViewOnce 距上次计数不足 window 的观看不再计数；window 为 0 表示整个生命周期只计一次
func (r *redisCounter) RecordViewOnce(ctx context.Context, ref entity.ContentRef, userID uint64, window time.Duration) (bool, int64, error) {
	keys := []string{dedupKey(ref, userID), counterKey(ref, entity.FieldViews)}
	res, err := viewScript.Run(ctx, r.rdb, keys, ttlArg(window), ttlArg(r.ttl())).Result()
	if err != nil {
		return false, 0, err
	}
	arr, err := evalInts(res, 2)
	if err != nil {
		return false, 0, err
	}
	return arr[0] == 1, arr[1], nil
}

func (r *redisCounter) SeedCounter(ctx context.Context, ref entity.ContentRef, field entity.Field, value int64) (bool, error) {
	return r.Seed(ctx, counterKey(ref, field), value)
}

func (r *redisCounter) SeedToggle(ctx context.Context, ref entity.ContentRef, kind entity.Kind, count int64, members []uint64) (bool, error) {
	return r.writeToggle(ctx, ref, kind, count, members, false)
}

// OverwriteToggle 对账用：无条件重建计数和成员集合
func (r *redisCounter) OverwriteToggle(ctx context.Context, ref entity.ContentRef, kind entity.Kind, count int64, members []uint64) error {
	_, err := r.writeToggle(ctx, ref, kind, count, members, true)
	return err
}

func (r *redisCounter) writeToggle(ctx context.Context, ref entity.ContentRef, kind entity.Kind, count int64, members []uint64, force bool) (bool, error) {
	if count < 0 {
		count = 0
	}
	forceArg := 0
	if force {
		forceArg = 1
	}
	args := make([]interface{}, 0, len(members)+3)
	args = append(args, count, ttlArg(r.ttl()), forceArg)
	for _, m := range members {
		args = append(args, m)
	}
	keys := []string{counterKey(ref, kind.Field()), toggleKey(ref, kind)}
	seeded, err := seedToggleScript.Run(ctx, r.rdb, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	return seeded == 1, nil
}

func (r *redisCounter) Get(ctx context.Context, ref entity.ContentRef, field entity.Field) (int64, bool, error) {
	return r.readCounter(ctx, counterKey(ref, field))
}

func (r *redisCounter) readCounter(ctx context.Context, key string) (int64, bool, error) {
	res, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Overwrite 对账器用权威值覆盖热数据
func (r *redisCounter) Overwrite(ctx context.Context, ref entity.ContentRef, field entity.Field, value int64) error {
	if value < 0 {
		value = 0
	}
	return r.rdb.Set(ctx, counterKey(ref, field), value, r.ttl()).Err()
}

// 标记空值缓存，防止缓存穿透
func (r *redisCounter) MarkMissing(ctx context.Context, ref entity.ContentRef) error {
	return r.rdb.Set(ctx, missingKey(ref), 1, MissingTTL).Err()
}

func (r *redisCounter) IsMissing(ctx context.Context, ref entity.ContentRef) (bool, error) {
	n, err := r.rdb.Exists(ctx, missingKey(ref)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisCounter) ClearMissing(ctx context.Context, ref entity.ContentRef) error {
	return r.rdb.Del(ctx, missingKey(ref)).Err()
}
