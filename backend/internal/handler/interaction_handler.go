package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/httpapi/middleware"
	"social-interaction-service/backend/internal/interaction"
)

// Engine 处理器依赖的互动引擎，*interaction.Synchronizer 实现了它
type Engine interface {
	Toggle(ctx context.Context, userID uint64, ref entity.ContentRef, kind entity.Kind) (interaction.ToggleResult, error)
	RecordView(ctx context.Context, userID uint64, ref entity.ContentRef, eng *entity.Engagement) (interaction.ViewResult, error)
	RecordShare(ctx context.Context, userID uint64, ref entity.ContentRef) (int64, error)
	AdjustComments(ctx context.Context, userID uint64, ref entity.ContentRef, delta int64, opID string) (int64, error)
	Metadata(ctx context.Context, userID uint64, refs []entity.ContentRef) ([]entity.Metadata, error)
	Count(ctx context.Context, ref entity.ContentRef, field entity.Field) (int64, error)
	RegisterContent(ctx context.Context, ref entity.ContentRef) error
}

var _ Engine = (*interaction.Synchronizer)(nil)

type InteractionHandler struct {
	engine Engine
}

func NewInteractionHandler(e Engine) *InteractionHandler {
	return &InteractionHandler{engine: e}
}

type refReq struct {
	ContentType string `json:"contentType" binding:"required"`
	ContentID   string `json:"contentId" binding:"required"`
}

func (r refReq) ref() (entity.ContentRef, error) {
	return entity.NewContentRef(r.ContentType, r.ContentID)
}

type toggleReq struct {
	refReq
	Kind string `json:"kind" binding:"required"`
}

type viewReq struct {
	refReq
	DurationMs  *int64   `json:"durationMs"`
	ProgressPct *float64 `json:"progressPct"`
	IsComplete  *bool    `json:"isComplete"`
}

func (r viewReq) engagement() *entity.Engagement {
	if r.DurationMs == nil && r.ProgressPct == nil && r.IsComplete == nil {
		return nil
	}
	eng := &entity.Engagement{}
	if r.DurationMs != nil {
		eng.DurationMs = *r.DurationMs
	}
	if r.ProgressPct != nil {
		eng.ProgressPct = *r.ProgressPct
	}
	if r.IsComplete != nil {
		eng.IsComplete = *r.IsComplete
	}
	return eng
}

type commentReq struct {
	refReq
	Delta int64  `json:"delta" binding:"required"`
	OpID  string `json:"opId"`
}

type metadataReq struct {
	Items []refReq `json:"items"`
}

// bind 解析请求体并取出当前用户；失败时已经写好响应
func bind[T any](c *gin.Context) (T, uint64, bool) {
	var req T
	userID := c.GetUint64(middleware.CtxUserID)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "unauthorized"})
		return req, 0, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return req, 0, false
	}
	return req, userID, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": err.Error()})
}

// writeError 把引擎错误映射成 HTTP 状态码
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, interaction.ErrInvalidReference):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
	case errors.Is(err, interaction.ErrInvalidKind), errors.Is(err, interaction.ErrInvalidInput):
		badRequest(c, err)
	case errors.Is(err, interaction.ErrUnavailable):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": "interaction store unavailable, retry later"})
	default:
		slog.Error("interaction request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
	}
}

func (h *InteractionHandler) Toggle() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, userID, ok := bind[toggleReq](c)
		if !ok {
			return
		}
		ref, err := req.ref()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
			return
		}
		kind, err := entity.ParseKind(req.Kind)
		if err != nil || !kind.IsToggle() {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_KIND", "message": "kind must be like or bookmark"})
			return
		}
		res, err := h.engine.Toggle(c.Request.Context(), userID, ref, kind)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *InteractionHandler) View() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, userID, ok := bind[viewReq](c)
		if !ok {
			return
		}
		ref, err := req.ref()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
			return
		}
		res, err := h.engine.RecordView(c.Request.Context(), userID, ref, req.engagement())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *InteractionHandler) Share() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, userID, ok := bind[refReq](c)
		if !ok {
			return
		}
		ref, err := req.ref()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
			return
		}
		count, err := h.engine.RecordShare(c.Request.Context(), userID, ref)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

func (h *InteractionHandler) Comment() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, userID, ok := bind[commentReq](c)
		if !ok {
			return
		}
		ref, err := req.ref()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
			return
		}
		count, err := h.engine.AdjustComments(c.Request.Context(), userID, ref, req.Delta, req.OpID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

func (h *InteractionHandler) Metadata() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, userID, ok := bind[metadataReq](c)
		if !ok {
			return
		}
		refs := make([]entity.ContentRef, 0, len(req.Items))
		for _, it := range req.Items {
			ref, err := it.ref()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
				return
			}
			refs = append(refs, ref)
		}
		items, err := h.engine.Metadata(c.Request.Context(), userID, refs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// Count GET 请求的参数走 URL
func (h *InteractionHandler) Count() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, err := entity.NewContentRef(c.Query("contentType"), c.Query("contentId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
			return
		}
		field, err := entity.ParseField(c.Query("field"))
		if err != nil {
			badRequest(c, err)
			return
		}
		v, err := h.engine.Count(c.Request.Context(), ref, field)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": v})
	}
}

// RegisterContent 内容服务创建内容后调用
func (h *InteractionHandler) RegisterContent() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, _, ok := bind[refReq](c)
		if !ok {
			return
		}
		ref, err := req.ref()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE", "message": err.Error()})
			return
		}
		if err := h.engine.RegisterContent(c.Request.Context(), ref); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"contentType": ref.Type, "contentId": ref.ID})
	}
}
