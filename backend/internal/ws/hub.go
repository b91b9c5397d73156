// Package ws 把计数事件转发给订阅了内容房间的 WebSocket 连接
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"social-interaction-service/backend/internal/entity"
)

const roomPattern = "room:*"

type Hub struct {
	rdb redis.UniversalClient
	// 房间号 -> 连接集合；一个用户可能开多个标签页，所以按连接而不是按用户存
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub(rdb redis.UniversalClient) *Hub {
	return &Hub{rdb: rdb, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

// LeaveAll 连接断开时调用
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, conns := range h.rooms {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members 当前实例上某房间的连接数
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Deliver 把事件发给本实例内该房间的所有连接
func (h *Hub) Deliver(evt entity.Event) {
	room := evt.Ref().Room()
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := ServerMessage{Type: TypeCounter, Room: room, Event: &evt}
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// Run 订阅 Redis 上所有房间频道并转发，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.PSubscribe(ctx, roomPattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Channel, "room:") {
				continue
			}
			var evt entity.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				slog.Warn("ws: bad event payload", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
				continue
			}
			h.Deliver(evt)
		}
	}
}
