package mysqldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/repo"
)

// 并发翻转冲突时的重试次数
const maxFlipAttempts = 3

var errFlipConflict = errors.New("concurrent toggle flip")

type mysqlRepo struct {
	db *gorm.DB
}

var _ repo.DurableRepo = (*mysqlRepo)(nil)

func NewMySQLRepo(db *gorm.DB) *mysqlRepo {
	return &mysqlRepo{db: db}
}

func (r *mysqlRepo) CreateContent(ctx context.Context, ref entity.ContentRef) error {
	stats := entity.ContentStats{
		ContentType:  string(ref.Type),
		ContentID:    ref.ID,
		LastSyncedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&stats).Error
}

func (r *mysqlRepo) GetStats(ctx context.Context, ref entity.ContentRef) (*entity.ContentStats, error) {
	var stats entity.ContentStats
	err := r.db.WithContext(ctx).
		Where("content_type = ? AND content_id = ?", string(ref.Type), ref.ID).
		First(&stats).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到，返回 nil, nil
		}
		return nil, err
	}
	return &stats, nil
}

// ListStats 按 (content_type, content_id) 做 keyset 分页
func (r *mysqlRepo) ListStats(ctx context.Context, after entity.ContentRef, limit int) ([]entity.ContentStats, error) {
	var out []entity.ContentStats
	q := r.db.WithContext(ctx).Order("content_type, content_id").Limit(limit)
	if after.Type != "" {
		q = q.Where("content_type > ? OR (content_type = ? AND content_id > ?)",
			string(after.Type), string(after.Type), after.ID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *mysqlRepo) toggleScope(ref entity.ContentRef, kind entity.Kind) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("content_type = ? AND content_id = ? AND kind = ? AND window_key = ''",
			string(ref.Type), ref.ID, string(kind))
	}
}

func (r *mysqlRepo) ListActiveMembers(ctx context.Context, ref entity.ContentRef, kind entity.Kind) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&entity.InteractionRecord{}).
		Scopes(r.toggleScope(ref, kind)).
		Where("active = ?", true).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *mysqlRepo) HasActive(ctx context.Context, ref entity.ContentRef, kind entity.Kind, userID uint64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.InteractionRecord{}).
		Scopes(r.toggleScope(ref, kind)).
		Where("user_id = ? AND active = ?", userID, true).
		Count(&n).Error
	return n > 0, err
}

// ApplyToggle 把开关写成目标状态；只有状态真的变化时才调整计数
// 记录上的 last_op_at 比本次操作新时视为过期重放，直接忽略
func (r *mysqlRepo) ApplyToggle(ctx context.Context, w repo.ToggleWrite) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureContent(tx, w.Ref); err != nil {
			return err
		}
		rec := newRecord(w.UserID, w.Ref, w.Kind, "", w.Active, w.OccurredAt)
		inserted, err := insertIfAbsent(tx, &rec)
		if err != nil {
			return err
		}
		if inserted {
			if !w.Active {
				return nil
			}
			changed = true
			_, err = adjustCounter(tx, w.Ref, w.Kind.Field(), 1)
			return err
		}

		res := tx.Model(&entity.InteractionRecord{}).
			Scopes(r.toggleScope(w.Ref, w.Kind)).
			Where("user_id = ? AND active <> ? AND last_op_at <= ?", w.UserID, w.Active, w.OccurredAt).
			Updates(map[string]interface{}{"active": w.Active, "last_op_at": w.OccurredAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		delta := int64(1)
		if !w.Active {
			delta = -1
		}
		_, err = adjustCounter(tx, w.Ref, w.Kind.Field(), delta)
		return err
	})
	return changed, err
}

// FlipToggle 热路径不可用时的同步读-改-写
func (r *mysqlRepo) FlipToggle(ctx context.Context, userID uint64, ref entity.ContentRef, kind entity.Kind) (bool, int64, error) {
	var (
		active bool
		count  int64
		err    error
	)
	for attempt := 0; attempt < maxFlipAttempts; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := ensureContent(tx, ref); err != nil {
				return err
			}
			now := time.Now().UTC().Truncate(time.Millisecond)
			rec := newRecord(userID, ref, kind, "", true, now)
			inserted, err := insertIfAbsent(tx, &rec)
			if err != nil {
				return err
			}
			if inserted {
				active = true
				count, err = adjustCounter(tx, ref, kind.Field(), 1)
				return err
			}

			var cur entity.InteractionRecord
			if err := tx.Scopes(r.toggleScope(ref, kind)).Where("user_id = ?", userID).First(&cur).Error; err != nil {
				return err
			}
			active = !cur.Active
			res := tx.Model(&entity.InteractionRecord{}).
				Where("id = ? AND active = ?", cur.ID, cur.Active).
				Updates(map[string]interface{}{"active": active, "last_op_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errFlipConflict
			}
			delta := int64(1)
			if !active {
				delta = -1
			}
			count, err = adjustCounter(tx, ref, kind.Field(), delta)
			return err
		})
		if !errors.Is(err, errFlipConflict) {
			break
		}
	}
	if err != nil {
		return false, 0, err
	}
	return active, count, nil
}

// RecordView 同一窗口只插入一次，插入成功才增加观看数
func (r *mysqlRepo) RecordView(ctx context.Context, w repo.ViewWrite) (bool, int64, error) {
	var (
		newly bool
		count int64
	)
	meta, err := encodeEngagement(w.Engagement)
	if err != nil {
		return false, 0, err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureContent(tx, w.Ref); err != nil {
			return err
		}
		if w.RefreshOnly || !w.Since.IsZero() {
			found, err := refreshLatestView(tx, w, meta)
			if err != nil {
				return err
			}
			if found || w.RefreshOnly {
				count, err = readCounter(tx, w.Ref, entity.FieldViews)
				return err
			}
		}

		rec := newRecord(w.UserID, w.Ref, entity.KindView, w.WindowKey, true, w.OccurredAt)
		rec.Metadata = meta
		inserted, err := insertIfAbsent(tx, &rec)
		if err != nil {
			return err
		}
		if inserted {
			newly = true
			count, err = adjustCounter(tx, w.Ref, entity.FieldViews, 1)
			return err
		}
		// 同一幂等键重复写入只刷新参与度
		if meta != "" {
			err := tx.Model(&entity.InteractionRecord{}).
				Where("user_id = ? AND content_type = ? AND content_id = ? AND kind = ? AND window_key = ?",
					w.UserID, string(w.Ref.Type), w.Ref.ID, string(entity.KindView), w.WindowKey).
				Update("metadata", meta).Error
			if err != nil {
				return err
			}
		}
		count, err = readCounter(tx, w.Ref, entity.FieldViews)
		return err
	})
	return newly, count, err
}

// refreshLatestView 找该用户最近一条观看记录（Since 非零时只看 Since 之后的），有参与度就更新它
func refreshLatestView(tx *gorm.DB, w repo.ViewWrite, meta string) (bool, error) {
	q := tx.Where("user_id = ? AND content_type = ? AND content_id = ? AND kind = ?",
		w.UserID, string(w.Ref.Type), w.Ref.ID, string(entity.KindView))
	if !w.Since.IsZero() {
		q = q.Where("last_op_at > ?", w.Since.UTC())
	}
	var latest entity.InteractionRecord
	if err := q.Order("last_op_at DESC").Take(&latest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if meta == "" {
		return true, nil
	}
	err := tx.Model(&entity.InteractionRecord{}).Where("id = ?", latest.ID).Update("metadata", meta).Error
	return true, err
}

func (r *mysqlRepo) RecordShare(ctx context.Context, w repo.ShareWrite) (int64, error) {
	return r.applyOnce(ctx, w.UserID, w.Ref, entity.KindShare, w.OpID, 1, w.OccurredAt)
}

func (r *mysqlRepo) AdjustComments(ctx context.Context, w repo.CommentWrite) (int64, error) {
	return r.applyOnce(ctx, w.UserID, w.Ref, entity.KindComment, w.OpID, w.Delta, w.OccurredAt)
}

// applyOnce 以操作 ID 为幂等键，记录插入成功才调整计数
func (r *mysqlRepo) applyOnce(ctx context.Context, userID uint64, ref entity.ContentRef, kind entity.Kind, opID string, delta int64, at time.Time) (int64, error) {
	if opID == "" {
		return 0, errors.New("empty operation id")
	}
	var count int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureContent(tx, ref); err != nil {
			return err
		}
		rec := newRecord(userID, ref, kind, opID, delta > 0, at)
		inserted, err := insertIfAbsent(tx, &rec)
		if err != nil {
			return err
		}
		if !inserted {
			count, err = readCounter(tx, ref, kind.Field())
			return err
		}
		count, err = adjustCounter(tx, ref, kind.Field(), delta)
		return err
	})
	return count, err
}

func newRecord(userID uint64, ref entity.ContentRef, kind entity.Kind, windowKey string, active bool, at time.Time) entity.InteractionRecord {
	return entity.InteractionRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		ContentType: string(ref.Type),
		ContentID:   ref.ID,
		Kind:        string(kind),
		WindowKey:   windowKey,
		Active:      active,
		LastOpAt:    at,
	}
}

func insertIfAbsent(tx *gorm.DB, rec *entity.InteractionRecord) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func statsScope(ref entity.ContentRef) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("content_type = ? AND content_id = ?", string(ref.Type), ref.ID)
	}
}

func ensureContent(tx *gorm.DB, ref entity.ContentRef) error {
	var n int64
	if err := tx.Model(&entity.ContentStats{}).Scopes(statsScope(ref)).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", repo.ErrContentNotFound, ref)
	}
	return nil
}

// adjustCounter 原子地加减并读回新值，减到负数时夹到 0
func adjustCounter(tx *gorm.DB, ref entity.ContentRef, field entity.Field, delta int64) (int64, error) {
	col := field.Column()
	if col == "" {
		return 0, fmt.Errorf("%w: %q", entity.ErrUnknownField, field)
	}
	expr := gorm.Expr(col+" + ?", delta)
	if delta < 0 {
		expr = gorm.Expr("CASE WHEN "+col+" + ? < 0 THEN 0 ELSE "+col+" + ? END", delta, delta)
	}
	res := tx.Model(&entity.ContentStats{}).Scopes(statsScope(ref)).
		Updates(map[string]interface{}{col: expr, "last_synced_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: %s", repo.ErrContentNotFound, ref)
	}
	return readCounter(tx, ref, field)
}

func readCounter(tx *gorm.DB, ref entity.ContentRef, field entity.Field) (int64, error) {
	var stats entity.ContentStats
	if err := tx.Scopes(statsScope(ref)).First(&stats).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: %s", repo.ErrContentNotFound, ref)
		}
		return 0, err
	}
	return stats.Value(field), nil
}

func encodeEngagement(e *entity.Engagement) (string, error) {
	if e == nil {
		return "", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
