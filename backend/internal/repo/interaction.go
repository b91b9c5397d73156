package repo

import (
	"context"
	"errors"
	"time"

	"social-interaction-service/backend/internal/entity"
)

// CounterStore 热路径计数存储，所有读写都是原子操作
type CounterStore interface {
	// 基础原语
	Incr(ctx context.Context, key string, delta int64) (value int64, clamped bool, err error)
	FlipMembership(ctx context.Context, setKey string, member uint64) (wasAdded bool, err error)
	Seed(ctx context.Context, key string, value int64) (seeded bool, err error)

	// 按内容/字段的组合操作；计数键不存在时返回 ErrCold，由调用方回源后重试
	ToggleMember(ctx context.Context, ref entity.ContentRef, kind entity.Kind, userID uint64) (ToggleOutcome, error)
	IncrField(ctx context.Context, ref entity.ContentRef, field entity.Field, delta int64) (value int64, clamped bool, err error)
	RecordViewOnce(ctx context.Context, ref entity.ContentRef, userID uint64, window time.Duration) (newly bool, count int64, err error)

	SeedCounter(ctx context.Context, ref entity.ContentRef, field entity.Field, value int64) (bool, error)
	SeedToggle(ctx context.Context, ref entity.ContentRef, kind entity.Kind, count int64, members []uint64) (bool, error)
	Get(ctx context.Context, ref entity.ContentRef, field entity.Field) (value int64, hit bool, err error)
	Overwrite(ctx context.Context, ref entity.ContentRef, field entity.Field, value int64) error
	OverwriteToggle(ctx context.Context, ref entity.ContentRef, kind entity.Kind, count int64, members []uint64) error
	Metadata(ctx context.Context, refs []entity.ContentRef, userID uint64) ([]entity.Metadata, error)

	// 空值缓存，防止不存在的内容反复打到数据库
	MarkMissing(ctx context.Context, ref entity.ContentRef) error
	IsMissing(ctx context.Context, ref entity.ContentRef) (bool, error)
	ClearMissing(ctx context.Context, ref entity.ContentRef) error
}

// ReconcileLog 交给对账器的待办：被标记的内容和死信任务
type ReconcileLog interface {
	FlagForReconcile(ctx context.Context, ref entity.ContentRef) error
	PopFlagged(ctx context.Context, n int64) ([]entity.ContentRef, error)
	PushDeadLetter(ctx context.Context, payload []byte) error
	PopDeadLetters(ctx context.Context, n int64) ([][]byte, error)

	// 多实例部署时同一时间只有一个对账器在跑
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
}

// DurableRepo 权威存储。所有写操作都可以安全重放
type DurableRepo interface {
	CreateContent(ctx context.Context, ref entity.ContentRef) error
	GetStats(ctx context.Context, ref entity.ContentRef) (*entity.ContentStats, error)
	ListStats(ctx context.Context, after entity.ContentRef, limit int) ([]entity.ContentStats, error)
	ListActiveMembers(ctx context.Context, ref entity.ContentRef, kind entity.Kind) ([]uint64, error)
	HasActive(ctx context.Context, ref entity.ContentRef, kind entity.Kind, userID uint64) (bool, error)

	ApplyToggle(ctx context.Context, w ToggleWrite) (changed bool, err error)
	FlipToggle(ctx context.Context, userID uint64, ref entity.ContentRef, kind entity.Kind) (active bool, count int64, err error)
	RecordView(ctx context.Context, w ViewWrite) (newly bool, count int64, err error)
	RecordShare(ctx context.Context, w ShareWrite) (count int64, err error)
	AdjustComments(ctx context.Context, w CommentWrite) (count int64, err error)
}

// ToggleOutcome 热路径开关的结果
type ToggleOutcome struct {
	Active  bool
	Count   int64
	Clamped bool
	// At 由计数存储给出，同一内容上严格递增，持久层据此丢弃过期的写入
	At time.Time
}

type ToggleWrite struct {
	UserID     uint64            `json:"userId"`
	Ref        entity.ContentRef `json:"ref"`
	Kind       entity.Kind       `json:"kind"`
	Active     bool              `json:"active"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// ViewWrite 观看落库。WindowKey 是记录的幂等键，不决定是否计数：
// 是否计数由 Redis 的滚动窗口判定；Redis 不可用时由 Since 在持久层判定
type ViewWrite struct {
	UserID     uint64             `json:"userId"`
	Ref        entity.ContentRef  `json:"ref"`
	WindowKey  string             `json:"windowKey"`
	Engagement *entity.Engagement `json:"engagement,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
	// Since 非零时，该用户在 Since 之后已有观看记录则视为重复
	Since time.Time `json:"since,omitzero"`
	// RefreshOnly 重复观看只刷新最近一条记录的参与度，不新增记录
	RefreshOnly bool `json:"refreshOnly,omitempty"`
}

type ShareWrite struct {
	OpID       string            `json:"opId"`
	UserID     uint64            `json:"userId"`
	Ref        entity.ContentRef `json:"ref"`
	OccurredAt time.Time         `json:"occurredAt"`
}

type CommentWrite struct {
	OpID       string            `json:"opId"`
	UserID     uint64            `json:"userId"`
	Ref        entity.ContentRef `json:"ref"`
	Delta      int64             `json:"delta"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Broadcaster 把计数变化发到实时通道，只知道房间，不知道连接
type Broadcaster interface {
	Publish(ctx context.Context, evt entity.Event) error
}

var (
	// ErrContentNotFound 持久层没有这个内容
	ErrContentNotFound = errors.New("content not found")
	// ErrCold 计数键不存在（冷启动或被淘汰），调用方需要先从持久层回填
	ErrCold = errors.New("counter not seeded")
)
