// Package broadcast 把计数变化推到实时通道。引擎只知道房间号，不知道连接
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/repo"
)

// RedisBroadcaster PUBLISH 到 room:{type}:{id}，由各实例的 ws.Hub 订阅转发
type RedisBroadcaster struct {
	rdb redis.UniversalClient
}

var _ repo.Broadcaster = (*RedisBroadcaster)(nil)

func NewRedisBroadcaster(rdb redis.UniversalClient) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, evt entity.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, evt.Ref().Room(), payload).Err()
}
