package entity

import "time"

// ContentStats 持久化的计数（权威值），行存在即内容存在
type ContentStats struct {
	ContentType   string `gorm:"primaryKey;type:varchar(32)"`
	ContentID     string `gorm:"primaryKey;type:varchar(64)"`
	LikeCount     int64  `gorm:"not null;default:0"`
	ViewCount     int64  `gorm:"not null;default:0"`
	ShareCount    int64  `gorm:"not null;default:0"`
	CommentCount  int64  `gorm:"not null;default:0"`
	BookmarkCount int64  `gorm:"not null;default:0"`
	LastSyncedAt  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

func (ContentStats) TableName() string { return "content_stats" }

func (s *ContentStats) Ref() ContentRef {
	return ContentRef{Type: ContentType(s.ContentType), ID: s.ContentID}
}

func (s *ContentStats) Value(f Field) int64 {
	switch f {
	case FieldLikes:
		return s.LikeCount
	case FieldViews:
		return s.ViewCount
	case FieldShares:
		return s.ShareCount
	case FieldComments:
		return s.CommentCount
	case FieldBookmarks:
		return s.BookmarkCount
	}
	return 0
}

// HasActivity 任一计数大于 0
func (s *ContentStats) HasActivity() bool {
	for _, f := range AllFields {
		if s.Value(f) > 0 {
			return true
		}
	}
	return false
}

// Column 字段对应的列名
func (f Field) Column() string {
	switch f {
	case FieldLikes:
		return "like_count"
	case FieldViews:
		return "view_count"
	case FieldShares:
		return "share_count"
	case FieldComments:
		return "comment_count"
	case FieldBookmarks:
		return "bookmark_count"
	}
	return ""
}

// CounterSnapshot 某个内容某个字段的计数快照
type CounterSnapshot struct {
	Ref          ContentRef
	Field        Field
	Value        int64
	LastSyncedAt time.Time
}
