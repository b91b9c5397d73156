package cache

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"social-interaction-service/backend/internal/entity"
)

// Metadata 一次 pipeline 读出所有内容的计数和当前用户的开关状态
// 任一计数键缺失时该条 Found=false，由调用方回源
func (r *redisCounter) Metadata(ctx context.Context, refs []entity.ContentRef, userID uint64) ([]entity.Metadata, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	type itemCmds struct {
		counts     []*redis.StringCmd
		liked      *redis.BoolCmd
		bookmarked *redis.BoolCmd
	}
	cmds := make([]itemCmds, len(refs))
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, ref := range refs {
			cmds[i].counts = make([]*redis.StringCmd, len(entity.AllFields))
			for j, f := range entity.AllFields {
				cmds[i].counts[j] = p.Get(ctx, counterKey(ref, f))
			}
			cmds[i].liked = p.SIsMember(ctx, toggleKey(ref, entity.KindLike), userID)
			cmds[i].bookmarked = p.SIsMember(ctx, toggleKey(ref, entity.KindBookmark), userID)
		}
		return nil
	})
	// redis.Nil 只表示某个键不存在
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]entity.Metadata, len(refs))
	for i, ref := range refs {
		m := entity.Metadata{ContentType: ref.Type, ContentID: ref.ID, Found: true}
		for j, f := range entity.AllFields {
			s, err := cmds[i].counts[j].Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					return nil, err
				}
				m.Found = false
				continue
			}
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, err
			}
			m.Set(f, v)
		}
		m.HasLiked = cmds[i].liked.Val()
		m.HasBookmarked = cmds[i].bookmarked.Val()
		out[i] = m
	}
	return out, nil
}
