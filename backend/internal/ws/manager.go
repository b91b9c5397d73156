package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 本地开发环境的来源默认放行（任意端口），其余按配置的 scheme+host 精确匹配
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if u, err := url.Parse(strings.TrimSpace(o)); err == nil && u.Scheme != "" && u.Host != "" {
			allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
		}
	}
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		return originAllowed(r.Header.Get("Origin"), allowed)
	}}
}

func originAllowed(origin string, allowed map[string]struct{}) bool {
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	switch strings.ToLower(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	_, ok := allowed[scheme+"://"+strings.ToLower(u.Host)]
	return ok
}

type Manager struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewManager(hub *Hub, allowedOrigins []string) *Manager {
	return &Manager{hub: hub, upgrader: newUpgrader(allowedOrigins)}
}

// Connect 升级连接后阻塞在读循环，直到连接关闭
func (m *Manager) Connect(c *gin.Context) {
	userID := c.GetUint64("userId")
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", slog.String("origin", c.Request.Header.Get("Origin")), slog.String("error", err.Error()))
		return
	}

	wsConn := NewConn(conn, m.hub, userID)
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: TypeWelcome})

	// 允许在 URL 上直接带房间，浏览器建连时省一条 subscribe
	if ct, id := c.Query("contentType"), c.Query("contentId"); ct != "" || id != "" {
		wsConn.handle(ClientMessage{Type: TypeSubscribe, ContentType: ct, ContentID: id})
	}
	wsConn.readLoop()
}
