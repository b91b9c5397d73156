// Package reconcile 定期比对 Redis 热数据和持久层，超过容差时以持久层为准
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/metrics"
	"social-interaction-service/backend/internal/repo"
	"social-interaction-service/backend/internal/worker"
)

// Replayer 重放死信中的持久化任务
type Replayer interface {
	Replay(ctx context.Context, payload []byte) (entity.ContentRef, error)
}

type Options struct {
	Interval  time.Duration
	Tolerance int64
	// PageSize 扫描持久层时每页的条数
	PageSize int
	// SampleSize 每轮最多检查的条数，0 表示全量扫描
	SampleSize  int
	Concurrency int
	// 每轮最多处理的死信和标记数
	MaxDeadLetters int64
	MaxFlagged     int64
	ItemTimeout    time.Duration
	LeaseTTL       time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval:       3 * time.Hour,
		Tolerance:      5,
		PageSize:       500,
		SampleSize:     0,
		Concurrency:    8,
		MaxDeadLetters: 1000,
		MaxFlagged:     1000,
		ItemTimeout:    5 * time.Second,
		LeaseTTL:       10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Tolerance < 0 {
		o.Tolerance = d.Tolerance
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.SampleSize < 0 {
		o.SampleSize = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.MaxDeadLetters <= 0 {
		o.MaxDeadLetters = d.MaxDeadLetters
	}
	if o.MaxFlagged <= 0 {
		o.MaxFlagged = d.MaxFlagged
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = d.ItemTimeout
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	return o
}

// Report 一轮对账的结果
type Report struct {
	Skipped         bool
	Replayed        int
	ReplayFailed    int
	Checked         int
	Seeded          int
	WithinTolerance int
	Corrected       int
	Failed          int
	Drift           []entity.CounterSnapshot
}

type Reconciler struct {
	counters repo.CounterStore
	durable  repo.DurableRepo
	recon    repo.ReconcileLog
	replayer Replayer
	metrics  metrics.Recorder
	opt      Options
	log      *slog.Logger
	owner    string

	mu     sync.Mutex
	cursor entity.ContentRef
}

func NewReconciler(counters repo.CounterStore, durable repo.DurableRepo, recon repo.ReconcileLog, replayer Replayer, rec metrics.Recorder, opt Options) *Reconciler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Reconciler{
		counters: counters,
		durable:  durable,
		recon:    recon,
		replayer: replayer,
		metrics:  rec,
		opt:      opt.withDefaults(),
		log:      slog.Default().With("component", "reconciler"),
		owner:    uuid.NewString(),
	}
}

// Run 启动时先跑一轮，之后按 Interval 周期执行，直到 ctx 结束
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opt.Interval)
	defer ticker.Stop()
	for {
		rep, err := r.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				r.log.Error("reconcile pass failed", slog.String("error", err.Error()))
			}
		case !rep.Skipped:
			r.log.Info("reconcile pass done",
				slog.Int("replayed", rep.Replayed),
				slog.Int("checked", rep.Checked),
				slog.Int("seeded", rep.Seeded),
				slog.Int("corrected", rep.Corrected),
				slog.Int("failed", rep.Failed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce 执行一轮对账。单条失败只记日志并重新标记，不会中断整轮
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.recon.AcquireLease(ctx, r.owner, r.opt.LeaseTTL)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{Skipped: true}, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opt.ItemTimeout)
		defer cancel()
		if err := r.recon.ReleaseLease(rctx, r.owner); err != nil {
			r.log.Warn("release lease failed", slog.String("error", err.Error()))
		}
	}()

	var rep Report
	// 死信重放后，相关内容需要严格对账
	dirty, err := r.replayDeadLetters(ctx, &rep)
	if err != nil {
		return rep, err
	}
	flagged, err := r.recon.PopFlagged(ctx, r.opt.MaxFlagged)
	if err != nil {
		return rep, err
	}
	for _, ref := range flagged {
		dirty[ref] = struct{}{}
	}

	t := newTally(&rep)
	if err := r.checkDirty(ctx, dirty, t); err != nil {
		return rep, err
	}
	if err := r.scan(ctx, dirty, t); err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *Reconciler) replayDeadLetters(ctx context.Context, rep *Report) (map[entity.ContentRef]struct{}, error) {
	dirty := make(map[entity.ContentRef]struct{})
	if r.replayer == nil {
		return dirty, nil
	}
	const batch = 100
	var retry [][]byte
	for done := int64(0); done < r.opt.MaxDeadLetters; {
		n := min(int64(batch), r.opt.MaxDeadLetters-done)
		letters, err := r.recon.PopDeadLetters(ctx, n)
		if err != nil {
			return dirty, err
		}
		if len(letters) == 0 {
			break
		}
		done += int64(len(letters))
		for _, payload := range letters {
			ictx, cancel := context.WithTimeout(ctx, r.opt.ItemTimeout)
			ref, err := r.replayer.Replay(ictx, payload)
			cancel()
			switch {
			case err == nil:
				rep.Replayed++
				dirty[ref] = struct{}{}
			case worker.IsPermanent(err) || ref == (entity.ContentRef{}):
				rep.ReplayFailed++
				r.log.Warn("drop dead letter", slog.String("payload", string(payload)), slog.String("error", err.Error()))
			default:
				rep.ReplayFailed++
				retry = append(retry, payload)
				r.log.Warn("dead letter replay failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
			}
		}
	}
	// 放回队尾，下一轮再试
	for _, payload := range retry {
		if err := r.recon.PushDeadLetter(ctx, payload); err != nil {
			r.log.Error("dead letter lost", slog.String("payload", string(payload)), slog.String("error", err.Error()))
		}
	}
	return dirty, nil
}

// checkDirty 被标记的内容容差为 0
func (r *Reconciler) checkDirty(ctx context.Context, dirty map[entity.ContentRef]struct{}, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opt.Concurrency)
	for ref := range dirty {
		ref := ref
		g.Go(func() error {
			ictx, cancel := context.WithTimeout(gctx, r.opt.ItemTimeout)
			defer cancel()
			stats, err := r.durable.GetStats(ictx, ref)
			if err != nil {
				r.fail(ref, err, t)
				return nil
			}
			if stats == nil {
				// 内容已不存在，热数据自然过期
				return nil
			}
			r.checkItem(ictx, stats, 0, t)
			return nil
		})
	}
	return g.Wait()
}

// scan 按 keyset 分页遍历持久层；SampleSize > 0 时每轮只看一部分，下一轮从上次的位置继续
func (r *Reconciler) scan(ctx context.Context, skip map[entity.ContentRef]struct{}, t *tally) error {
	after := entity.ContentRef{}
	limit := 0
	if r.opt.SampleSize > 0 {
		after = r.cursor
		limit = r.opt.SampleSize
	}

	seen := 0
	wrapped := false
	for limit == 0 || seen < limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := r.opt.PageSize
		if limit > 0 {
			size = min(size, limit-seen)
		}
		page, err := r.durable.ListStats(ctx, after, size)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			if limit == 0 || wrapped || after == (entity.ContentRef{}) {
				break
			}
			// 抽样模式走到末尾后从头开始
			after, wrapped = entity.ContentRef{}, true
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opt.Concurrency)
		for i := range page {
			stats := page[i]
			if _, ok := skip[stats.Ref()]; ok {
				continue
			}
			g.Go(func() error {
				ictx, cancel := context.WithTimeout(gctx, r.opt.ItemTimeout)
				defer cancel()
				r.checkItem(ictx, &stats, r.opt.Tolerance, t)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		seen += len(page)
		after = page[len(page)-1].Ref()
	}
	if limit > 0 {
		r.cursor = after
	}
	return nil
}

// checkItem 每个字段独立判断：缺失则回填，超出容差则覆盖
func (r *Reconciler) checkItem(ctx context.Context, stats *entity.ContentStats, tolerance int64, t *tally) {
	ref := stats.Ref()
	t.checked()
	for _, f := range entity.AllFields {
		want := stats.Value(f)
		hot, hit, err := r.counters.Get(ctx, ref, f)
		if err != nil {
			r.fail(ref, err, t)
			return
		}
		if !hit {
			if !stats.HasActivity() {
				continue
			}
			if err := r.write(ctx, ref, f, want, false); err != nil {
				r.fail(ref, err, t)
				return
			}
			t.seeded()
			continue
		}

		drift := hot - want
		if drift < 0 {
			drift = -drift
		}
		if drift <= tolerance {
			t.within()
			continue
		}
		if err := r.write(ctx, ref, f, want, true); err != nil {
			r.fail(ref, err, t)
			return
		}
		r.metrics.RecordDrift(string(f), true)
		r.log.Warn("drift_detected",
			slog.String("content_type", string(ref.Type)),
			slog.String("content_id", ref.ID),
			slog.String("field", string(f)),
			slog.Int64("hot", hot),
			slog.Int64("durable", want),
			slog.Int64("tolerance", tolerance))
		t.corrected(entity.CounterSnapshot{Ref: ref, Field: f, Value: want, LastSyncedAt: stats.LastSyncedAt})
	}
}

// write 开关类字段连同成员集合一起重建
func (r *Reconciler) write(ctx context.Context, ref entity.ContentRef, f entity.Field, value int64, overwrite bool) error {
	kind, isToggle := f.ToggleKind()
	if !isToggle {
		if overwrite {
			return r.counters.Overwrite(ctx, ref, f, value)
		}
		_, err := r.counters.SeedCounter(ctx, ref, f, value)
		return err
	}
	members, err := r.durable.ListActiveMembers(ctx, ref, kind)
	if err != nil {
		return err
	}
	if overwrite {
		return r.counters.OverwriteToggle(ctx, ref, kind, value, members)
	}
	_, err = r.counters.SeedToggle(ctx, ref, kind, value, members)
	return err
}

func (r *Reconciler) fail(ref entity.ContentRef, err error, t *tally) {
	t.failed()
	r.metrics.RecordReconcileFailure()
	r.log.Warn("reconcile item failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
	if errors.Is(err, context.Canceled) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opt.ItemTimeout)
	defer cancel()
	if err := r.recon.FlagForReconcile(ctx, ref); err != nil {
		r.log.Warn("re-flag failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
	}
}

// tally 并发更新 Report
type tally struct {
	mu  sync.Mutex
	rep *Report
}

func newTally(rep *Report) *tally { return &tally{rep: rep} }

func (t *tally) add(fn func(*Report)) {
	t.mu.Lock()
	fn(t.rep)
	t.mu.Unlock()
}

func (t *tally) checked() { t.add(func(r *Report) { r.Checked++ }) }
func (t *tally) seeded()  { t.add(func(r *Report) { r.Seeded++ }) }
func (t *tally) within()  { t.add(func(r *Report) { r.WithinTolerance++ }) }
func (t *tally) failed()  { t.add(func(r *Report) { r.Failed++ }) }

func (t *tally) corrected(s entity.CounterSnapshot) {
	t.add(func(r *Report) {
		r.Corrected++
		r.Drift = append(r.Drift, s)
	})
}
