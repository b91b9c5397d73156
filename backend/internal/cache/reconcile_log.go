package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"social-interaction-service/backend/internal/entity"
)

// 死信列表的最大长度，超过后丢弃最老的
const maxDeadLetters = 100_000

func (r *redisCounter) FlagForReconcile(ctx context.Context, ref entity.ContentRef) error {
	return r.rdb.SAdd(ctx, pendingKey, ref.String()).Err()
}

func (r *redisCounter) PopFlagged(ctx context.Context, n int64) ([]entity.ContentRef, error) {
	vals, err := r.rdb.SPopN(ctx, pendingKey, n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	refs := make([]entity.ContentRef, 0, len(vals))
	for _, v := range vals {
		ref, err := entity.ParseContentRef(v)
		if err != nil {
			slog.Warn("drop invalid reconcile flag", slog.String("value", v), slog.String("error", err.Error()))
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (r *redisCounter) PushDeadLetter(ctx context.Context, payload []byte) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, deadLetterKey, payload)
		p.LTrim(ctx, deadLetterKey, -maxDeadLetters, -1)
		return nil
	})
	return err
}

func (r *redisCounter) PopDeadLetters(ctx context.Context, n int64) ([][]byte, error) {
	vals, err := r.rdb.LPopCount(ctx, deadLetterKey, int(n)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *redisCounter) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, leaseKey, owner, ttl).Result()
}

func (r *redisCounter) ReleaseLease(ctx context.Context, owner string) error {
	return releaseLeaseScript.Run(ctx, r.rdb, []string{leaseKey}, owner).Err()
}
