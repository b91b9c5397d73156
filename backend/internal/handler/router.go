package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"social-interaction-service/backend/internal/httpapi/middleware"
	"social-interaction-service/backend/internal/ws"
)

type RouterDeps struct {
	Interaction *InteractionHandler
	Verifier    middleware.Verifier
	Limiter     *middleware.UserRateLimiter
	WS          *ws.Manager
	Metrics     http.Handler
	// Health 检查下游依赖，返回错误时 /healthz 报 503
	Health     func(ctx context.Context) error
	EnableCORS bool
	// ServiceToken 为空时不注册内部路由
	ServiceToken string
}

func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	// 经网关访问时网关已加 CORS，这里再加会出现重复的 Allow-Origin，默认关闭
	if d.EnableCORS {
		router.Use(cors.New(cors.Config{
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			if err := d.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics))
	}

	h := d.Interaction
	r := router.Group("/social")
	r.Use(middleware.AuthMiddleware(d.Verifier), middleware.RateLimit(d.Limiter))
	{
		r.POST("/toggle", h.Toggle())
		r.POST("/view", h.View())
		r.POST("/share", h.Share())
		r.POST("/comment", h.Comment())
		r.POST("/metadata", h.Metadata())
		r.GET("/count", h.Count())
		if d.WS != nil {
			r.GET("/ws", d.WS.Connect)
		}
	}

	// 内容登记只给内容服务调用，终端用户不能凭空造出计数行
	if d.ServiceToken != "" {
		internal := router.Group("/internal", middleware.ServiceAuth(d.ServiceToken))
		internal.POST("/content", h.RegisterContent())
	}
	return router
}
