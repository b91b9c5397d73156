package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"social-interaction-service/backend/internal/entity"
)

// 批量回源的并发上限
const metadataFallbackConcurrency = 8

// Count 读单个计数：先读 Redis，未命中时回源并回填
func (s *Synchronizer) Count(ctx context.Context, ref entity.ContentRef, field entity.Field) (int64, error) {
	if err := validateRef(ref); err != nil {
		return 0, err
	}
	if field.Column() == "" {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, entity.ErrUnknownField)
	}

	start := time.Now()
	var (
		v   int64
		hit bool
	)
	err := s.withFastTimeout(ctx, func(fctx context.Context) error {
		var err error
		v, hit, err = s.counters.Get(fctx, ref, field)
		return err
	})
	s.metrics.ObserveFastPath("count", time.Since(start), err)
	if err == nil && hit {
		return v, nil
	}

	if err == nil {
		h, serr := s.seed(ctx, ref)
		if serr == nil {
			// 回填可能被其他请求抢先，以 Redis 中的值为准
			if v, hit, err := s.counters.Get(ctx, ref, field); err == nil && hit {
				return v, nil
			}
			return h.stats.Value(field), nil
		}
		if errors.Is(serr, ErrInvalidReference) {
			return 0, serr
		}
		err = serr
	}

	s.metrics.RecordFallback("count")
	stats, derr := s.durableStats(ctx, ref)
	if derr != nil {
		if errors.Is(derr, ErrInvalidReference) {
			return 0, derr
		}
		return 0, s.fallbackErr(ref, err, derr)
	}
	return stats.Value(field), nil
}

// Metadata 批量读取计数和当前用户的开关状态
// 优先从 Redis 读，缺失的条目逐条回源；不存在的内容返回零值
func (s *Synchronizer) Metadata(ctx context.Context, userID uint64, refs []entity.ContentRef) ([]entity.Metadata, error) {
	if len(refs) > s.opt.MaxBatch {
		return nil, fmt.Errorf("%w: batch size %d exceeds %d", ErrInvalidInput, len(refs), s.opt.MaxBatch)
	}
	for _, ref := range refs {
		if err := validateRef(ref); err != nil {
			return nil, err
		}
	}
	if len(refs) == 0 {
		return []entity.Metadata{}, nil
	}

	start := time.Now()
	var items []entity.Metadata
	err := s.withFastTimeout(ctx, func(fctx context.Context) error {
		var err error
		items, err = s.counters.Metadata(fctx, refs, userID)
		return err
	})
	s.metrics.ObserveFastPath("metadata", time.Since(start), err)
	if err != nil {
		s.metrics.RecordFallback("metadata")
		s.log.Warn("metadata fast path failed, using durable store", slog.String("error", err.Error()))
		items = make([]entity.Metadata, len(refs))
		for i, ref := range refs {
			items[i] = entity.Metadata{ContentType: ref.Type, ContentID: ref.ID}
		}
	}

	hot := err == nil
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataFallbackConcurrency)
	for i := range items {
		if items[i].Found {
			continue
		}
		i := i
		g.Go(func() error {
			return s.fillMissing(gctx, userID, &items[i], hot)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return items, nil
}

// fillMissing Redis 可用时顺便回填，这样下一次批量读取能直接命中
func (s *Synchronizer) fillMissing(ctx context.Context, userID uint64, m *entity.Metadata, hot bool) error {
	ref := entity.ContentRef{Type: m.ContentType, ID: m.ContentID}
	if hot {
		h, err := s.seed(ctx, ref)
		if err == nil {
			fillFromStats(m, h.stats)
			m.HasLiked = h.active(entity.KindLike, userID)
			m.HasBookmarked = h.active(entity.KindBookmark, userID)
			return nil
		}
		if errors.Is(err, ErrInvalidReference) {
			*m = entity.Metadata{ContentType: ref.Type, ContentID: ref.ID}
			return nil
		}
		s.log.Warn("seed during metadata failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
	}
	return s.fillFromDurable(ctx, userID, m)
}

func fillFromStats(m *entity.Metadata, stats *entity.ContentStats) {
	for _, f := range entity.AllFields {
		m.Set(f, stats.Value(f))
	}
	m.Found = true
}

func (s *Synchronizer) fillFromDurable(ctx context.Context, userID uint64, m *entity.Metadata) error {
	ref := entity.ContentRef{Type: m.ContentType, ID: m.ContentID}
	stats, err := s.durableStats(ctx, ref)
	if errors.Is(err, ErrInvalidReference) {
		*m = entity.Metadata{ContentType: ref.Type, ContentID: ref.ID}
		return nil
	}
	if err != nil {
		return err
	}
	fillFromStats(m, stats)
	if m.HasLiked, err = s.durable.HasActive(ctx, ref, entity.KindLike, userID); err != nil {
		return err
	}
	if m.HasBookmarked, err = s.durable.HasActive(ctx, ref, entity.KindBookmark, userID); err != nil {
		return err
	}
	return nil
}

// durableStats 直接读持久层，不回填 Redis
func (s *Synchronizer) durableStats(ctx context.Context, ref entity.ContentRef) (*entity.ContentStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opt.FallbackTimeout)
	defer cancel()
	stats, err := s.durable.GetStats(ctx, ref)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReference, ref)
	}
	return stats, nil
}
