package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/metrics"
	"social-interaction-service/backend/internal/repo"
	"social-interaction-service/backend/internal/worker"
)

type ToggleResult struct {
	Active bool  `json:"active"`
	Count  int64 `json:"count"`
}

type ViewResult struct {
	Count        int64 `json:"count"`
	NewlyCounted bool  `json:"newlyCounted"`
}

// Synchronizer 热路径（Redis 原子操作）+ 后台持久化 + 实时推送
// 热路径失败时同步回退到持久层；两者都失败才返回 ErrUnavailable
type Synchronizer struct {
	counters    repo.CounterStore
	durable     repo.DurableRepo
	recon       repo.ReconcileLog
	broadcaster repo.Broadcaster
	metrics     metrics.Recorder
	opt         Options
	log         *slog.Logger

	sf         singleflight.Group
	durableQ   *worker.Dispatcher
	broadcastQ *worker.Dispatcher
}

func NewSynchronizer(
	counters repo.CounterStore,
	durable repo.DurableRepo,
	recon repo.ReconcileLog,
	broadcaster repo.Broadcaster,
	rec metrics.Recorder,
	opt Options,
) *Synchronizer {
	if rec == nil {
		rec = metrics.Nop{}
	}
	s := &Synchronizer{
		counters:    counters,
		durable:     durable,
		recon:       recon,
		broadcaster: broadcaster,
		metrics:     rec,
		opt:         opt.withDefaults(),
		log:         slog.Default().With("component", "synchronizer"),
	}
	s.durableQ = worker.NewDispatcher("durable", s.opt.DurableQueue, s.deadLetter, rec)
	// 推送失败只丢弃，不影响持久化
	s.broadcastQ = worker.NewDispatcher("broadcast", s.opt.BroadcastQueue, nil, rec)
	return s
}

// Close 等待后台队列排空
func (s *Synchronizer) Close(ctx context.Context) error {
	return errors.Join(s.durableQ.Close(ctx), s.broadcastQ.Close(ctx))
}

func (s *Synchronizer) now() time.Time {
	return s.opt.Now().UTC().Truncate(time.Millisecond)
}

func validateRef(ref entity.ContentRef) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return nil
}

// Toggle 翻转 like/bookmark，返回操作后的状态和计数
func (s *Synchronizer) Toggle(ctx context.Context, userID uint64, ref entity.ContentRef, kind entity.Kind) (ToggleResult, error) {
	if !kind.IsToggle() {
		return ToggleResult{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := validateRef(ref); err != nil {
		return ToggleResult{}, err
	}

	var out repo.ToggleOutcome
	err := s.fastPath(ctx, "toggle", ref, func(fctx context.Context) error {
		var err error
		out, err = s.counters.ToggleMember(fctx, ref, kind, userID)
		return err
	})
	if errors.Is(err, ErrInvalidReference) {
		return ToggleResult{}, err
	}
	if err != nil {
		out, err = s.fallbackToggle(ctx, userID, ref, kind, err)
		if err != nil {
			return ToggleResult{}, err
		}
	} else {
		if out.Clamped {
			s.flag(ref)
		}
		s.enqueueDurable(&durableTask{Op: opToggle, Toggle: &repo.ToggleWrite{
			UserID:     userID,
			Ref:        ref,
			Kind:       kind,
			Active:     out.Active,
			OccurredAt: out.At,
		}})
	}

	action := entity.ActionIncrement
	if !out.Active {
		action = entity.ActionDecrement
	}
	s.publish(userID, ref, kind.Field(), out.Count, action, out.At)
	return ToggleResult{Active: out.Active, Count: out.Count}, nil
}

// fallbackToggle 热路径不可用：同步在持久层读-改-写
func (s *Synchronizer) fallbackToggle(ctx context.Context, userID uint64, ref entity.ContentRef, kind entity.Kind, cause error) (repo.ToggleOutcome, error) {
	s.metrics.RecordFallback("toggle")
	s.log.Warn("toggle fast path failed, using durable store",
		slog.String("ref", ref.String()), slog.String("error", cause.Error()))

	ctx, cancel := context.WithTimeout(ctx, s.opt.FallbackTimeout)
	defer cancel()
	active, count, err := s.durable.FlipToggle(ctx, userID, ref, kind)
	if err != nil {
		return repo.ToggleOutcome{}, s.fallbackErr(ref, cause, err)
	}
	// 热数据已落后于持久层
	s.flag(ref)
	return repo.ToggleOutcome{Active: active, Count: count, At: s.now()}, nil
}

// RecordView 每个用户在滚动窗口内只计一次（距上次计数不足 window 的不计）；
// engagement 只做记录，不影响是否计数
func (s *Synchronizer) RecordView(ctx context.Context, userID uint64, ref entity.ContentRef, eng *entity.Engagement) (ViewResult, error) {
	if err := validateRef(ref); err != nil {
		return ViewResult{}, err
	}
	at := s.now()
	window := s.opt.Window(ref.Type)
	write := repo.ViewWrite{
		UserID:     userID,
		Ref:        ref,
		WindowKey:  WindowKey(window, at),
		Engagement: eng,
		OccurredAt: at,
	}

	var (
		newly bool
		count int64
	)
	err := s.fastPath(ctx, "view", ref, func(fctx context.Context) error {
		var err error
		newly, count, err = s.counters.RecordViewOnce(fctx, ref, userID, window)
		return err
	})
	if errors.Is(err, ErrInvalidReference) {
		return ViewResult{}, err
	}
	if err != nil {
		s.metrics.RecordFallback("view")
		s.log.Warn("view fast path failed, using durable store",
			slog.String("ref", ref.String()), slog.String("error", err.Error()))
		fctx, cancel := context.WithTimeout(ctx, s.opt.FallbackTimeout)
		defer cancel()
		if window > 0 {
			write.Since = at.Add(-window)
		}
		var derr error
		newly, count, derr = s.durable.RecordView(fctx, write)
		if derr != nil {
			return ViewResult{}, s.fallbackErr(ref, err, derr)
		}
		if newly {
			s.flag(ref)
			s.publish(userID, ref, entity.FieldViews, count, entity.ActionIncrement, at)
		}
		return ViewResult{Count: count, NewlyCounted: newly}, nil
	}

	switch {
	case newly:
		s.enqueueDurable(&durableTask{Op: opView, View: &write})
		s.publish(userID, ref, entity.FieldViews, count, entity.ActionIncrement, at)
	case eng != nil:
		// 重复观看只刷新最近一条记录的参与度
		write.RefreshOnly = true
		s.enqueueDurable(&durableTask{Op: opView, View: &write})
	}
	return ViewResult{Count: count, NewlyCounted: newly}, nil
}

// RecordShare 分享只增不减，不去重
func (s *Synchronizer) RecordShare(ctx context.Context, userID uint64, ref entity.ContentRef) (int64, error) {
	if err := validateRef(ref); err != nil {
		return 0, err
	}
	at := s.now()
	write := repo.ShareWrite{OpID: uuid.NewString(), UserID: userID, Ref: ref, OccurredAt: at}

	var count int64
	err := s.fastPath(ctx, "share", ref, func(fctx context.Context) error {
		var err error
		count, _, err = s.counters.IncrField(fctx, ref, entity.FieldShares, 1)
		return err
	})
	if errors.Is(err, ErrInvalidReference) {
		return 0, err
	}
	if err != nil {
		s.metrics.RecordFallback("share")
		fctx, cancel := context.WithTimeout(ctx, s.opt.FallbackTimeout)
		defer cancel()
		var derr error
		if count, derr = s.durable.RecordShare(fctx, write); derr != nil {
			return 0, s.fallbackErr(ref, err, derr)
		}
		s.flag(ref)
	} else {
		s.enqueueDurable(&durableTask{Op: opShare, Share: &write})
	}
	s.publish(userID, ref, entity.FieldShares, count, entity.ActionIncrement, at)
	return count, nil
}

// AdjustComments 评论服务在评论创建/删除后调用，delta 只能是 +1 或 -1
// opID 为空时自动生成；相同 opID 的重复调用在持久层只生效一次
func (s *Synchronizer) AdjustComments(ctx context.Context, userID uint64, ref entity.ContentRef, delta int64, opID string) (int64, error) {
	if delta != 1 && delta != -1 {
		return 0, fmt.Errorf("%w: comment delta must be +1 or -1, got %d", ErrInvalidInput, delta)
	}
	if err := validateRef(ref); err != nil {
		return 0, err
	}
	if opID == "" {
		opID = uuid.NewString()
	}
	write := repo.CommentWrite{OpID: opID, UserID: userID, Ref: ref, Delta: delta, OccurredAt: s.now()}

	var (
		count   int64
		clamped bool
	)
	err := s.fastPath(ctx, "comment", ref, func(fctx context.Context) error {
		var err error
		count, clamped, err = s.counters.IncrField(fctx, ref, entity.FieldComments, delta)
		return err
	})
	if errors.Is(err, ErrInvalidReference) {
		return 0, err
	}
	if err != nil {
		s.metrics.RecordFallback("comment")
		fctx, cancel := context.WithTimeout(ctx, s.opt.FallbackTimeout)
		defer cancel()
		var derr error
		if count, derr = s.durable.AdjustComments(fctx, write); derr != nil {
			return 0, s.fallbackErr(ref, err, derr)
		}
		s.flag(ref)
		return count, nil
	}
	if clamped {
		s.flag(ref)
	}
	s.enqueueDurable(&durableTask{Op: opComment, Comment: &write})
	return count, nil
}

// RegisterContent 内容服务创建内容时调用，清掉可能残留的空值标记
func (s *Synchronizer) RegisterContent(ctx context.Context, ref entity.ContentRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := s.durable.CreateContent(ctx, ref); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.counters.ClearMissing(ctx, ref); err != nil {
		s.log.Warn("clear missing marker failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
	}
	return nil
}

// fastPath 在短超时内执行热路径操作；计数键冷时先回填再重试一次
func (s *Synchronizer) fastPath(ctx context.Context, op string, ref entity.ContentRef, fn func(context.Context) error) error {
	start := time.Now()
	err := s.withFastTimeout(ctx, fn)
	if errors.Is(err, repo.ErrCold) {
		if _, err = s.seed(ctx, ref); err == nil {
			err = s.withFastTimeout(ctx, fn)
		}
	}
	s.metrics.ObserveFastPath(op, time.Since(start), err)
	return err
}

func (s *Synchronizer) withFastTimeout(ctx context.Context, fn func(context.Context) error) error {
	fctx, cancel := context.WithTimeout(ctx, s.opt.FastPathTimeout)
	defer cancel()
	return fn(fctx)
}

// hydration 一次回源读到的完整状态
type hydration struct {
	stats     *entity.ContentStats
	likers    []uint64
	bookmarks []uint64
}

func (h *hydration) active(kind entity.Kind, userID uint64) bool {
	members := h.likers
	if kind == entity.KindBookmark {
		members = h.bookmarks
	}
	for _, m := range members {
		if m == userID {
			return true
		}
	}
	return false
}

// seed 从持久层回填内容的全部计数，开关类同时重建成员集合
// 只写入不存在的键；同一内容的并发回填用 singleflight 合并
func (s *Synchronizer) seed(ctx context.Context, ref entity.ContentRef) (*hydration, error) {
	v, err, _ := s.sf.Do("seed|"+ref.String(), func() (interface{}, error) {
		// 合并后的调用方共享这次回填，不能因为首个调用方断开而一起失败
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.SeedTimeout)
		defer cancel()

		stats, err := s.loadStats(sctx, ref)
		if err != nil {
			return nil, err
		}
		h := &hydration{stats: stats}
		if h.likers, err = s.durable.ListActiveMembers(sctx, ref, entity.KindLike); err != nil {
			return nil, err
		}
		if h.bookmarks, err = s.durable.ListActiveMembers(sctx, ref, entity.KindBookmark); err != nil {
			return nil, err
		}

		for _, f := range entity.AllFields {
			var seeded bool
			switch f {
			case entity.FieldLikes:
				seeded, err = s.counters.SeedToggle(sctx, ref, entity.KindLike, stats.Value(f), h.likers)
			case entity.FieldBookmarks:
				seeded, err = s.counters.SeedToggle(sctx, ref, entity.KindBookmark, stats.Value(f), h.bookmarks)
			default:
				seeded, err = s.counters.SeedCounter(sctx, ref, f, stats.Value(f))
			}
			if err != nil {
				return nil, err
			}
			if seeded {
				s.metrics.RecordSeed(string(f))
			}
		}
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h, ok := v.(*hydration)
	if !ok {
		return nil, errors.New("internal type error")
	}
	return h, nil
}

// loadStats 读权威计数；内容不存在时写空值标记，防止缓存穿透
func (s *Synchronizer) loadStats(ctx context.Context, ref entity.ContentRef) (*entity.ContentStats, error) {
	if missing, err := s.counters.IsMissing(ctx, ref); err == nil && missing {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReference, ref)
	}
	stats, err := s.durable.GetStats(ctx, ref)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		if err := s.counters.MarkMissing(ctx, ref); err != nil {
			s.log.Warn("mark missing failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidReference, ref)
	}
	return stats, nil
}

// fallbackErr 回退路径的错误：内容不存在是客户端错误，其余都是不可用
func (s *Synchronizer) fallbackErr(ref entity.ContentRef, fastErr, durableErr error) error {
	if errors.Is(durableErr, repo.ErrContentNotFound) {
		return fmt.Errorf("%w: %s", ErrInvalidReference, ref)
	}
	s.log.Error("both paths failed",
		slog.String("ref", ref.String()),
		slog.String("fast_error", fastErr.Error()),
		slog.String("durable_error", durableErr.Error()))
	return fmt.Errorf("%w: %v", ErrUnavailable, durableErr)
}

func (s *Synchronizer) enqueueDurable(t *durableTask) {
	t.durable = s.durable
	if err := s.durableQ.Enqueue(t); err != nil {
		s.log.Warn("enqueue durable write failed", slog.String("task", t.Name()), slog.String("error", err.Error()))
	}
}

func (s *Synchronizer) publish(userID uint64, ref entity.ContentRef, field entity.Field, value int64, action entity.Action, at time.Time) {
	if s.broadcaster == nil {
		return
	}
	evt := entity.Event{
		EventID:      uuid.NewString(),
		ContentID:    ref.ID,
		ContentType:  ref.Type,
		Field:        field,
		NewValue:     value,
		ActingUserID: userID,
		Action:       action,
		OccurredAt:   at,
	}
	if err := s.broadcastQ.Enqueue(&broadcastTask{evt: evt, broadcaster: s.broadcaster}); err != nil {
		s.metrics.RecordBroadcastFailure("queue")
	}
}

// flag 异步标记内容待对账，不阻塞请求
func (s *Synchronizer) flag(ref entity.ContentRef) {
	if err := s.durableQ.Enqueue(&flagTask{ref: ref, recon: s.recon}); err != nil {
		s.log.Warn("enqueue reconcile flag failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
	}
}

func (s *Synchronizer) flagCtx(ctx context.Context, ref entity.ContentRef) {
	if err := s.recon.FlagForReconcile(ctx, ref); err != nil {
		s.log.Warn("flag for reconcile failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
	}
}
