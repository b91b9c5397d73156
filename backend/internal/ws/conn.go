package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"social-interaction-service/backend/internal/entity"
)

const (
	sendQueueSize = 32
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
)

type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	userID uint64

	send chan ServerMessage
	done chan struct{}
	once sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64) *Conn {
	return &Conn{
		ws:     ws,
		hub:    hub,
		userID: userID,
		send:   make(chan ServerMessage, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue 不阻塞；队列满了就丢，慢连接不能拖住广播
func (c *Conn) Enqueue(msg ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		slog.Debug("ws: send queue full, dropping", slog.Uint64("user_id", c.userID), slog.String("type", msg.Type))
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.LeaveAll(c)
	})
}

func (c *Conn) readLoop() {
	defer c.close()
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("ws: read error", slog.Uint64("user_id", c.userID), slog.String("error", err.Error()))
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg ClientMessage) {
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		ref, err := entity.NewContentRef(msg.ContentType, msg.ContentID)
		if err != nil {
			c.Enqueue(ServerMessage{Type: TypeError, Content: err.Error()})
			return
		}
		if msg.Type == TypeSubscribe {
			c.hub.Join(ref.Room(), c)
			c.Enqueue(ServerMessage{Type: TypeSubscribed, Room: ref.Room()})
		} else {
			c.hub.Leave(ref.Room(), c)
			c.Enqueue(ServerMessage{Type: TypeLeft, Room: ref.Room()})
		}
	case TypeHeartbeat:
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.Enqueue(ServerMessage{Type: TypeFeedback, Content: "heartbeat received"})
	default:
		c.Enqueue(ServerMessage{Type: TypeIgnored, Content: "unknown message type"})
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}
