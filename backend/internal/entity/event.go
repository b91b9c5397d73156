package entity

import "time"

type Action string

const (
	ActionIncrement Action = "increment"
	ActionDecrement Action = "decrement"
)

// Event 推送给房间订阅者的计数变化
type Event struct {
	EventID      string      `json:"eventId"`
	ContentID    string      `json:"contentId"`
	ContentType  ContentType `json:"contentType"`
	Field        Field       `json:"field"`
	NewValue     int64       `json:"newValue"`
	ActingUserID uint64      `json:"actingUserId"`
	Action       Action      `json:"action"`
	OccurredAt   time.Time   `json:"occurredAt"`
}

func (e Event) Ref() ContentRef { return ContentRef{Type: e.ContentType, ID: e.ContentID} }

// Metadata 批量接口的单条结果
type Metadata struct {
	ContentType   ContentType `json:"contentType"`
	ContentID     string      `json:"contentId"`
	LikeCount     int64       `json:"likeCount"`
	ViewCount     int64       `json:"viewCount"`
	ShareCount    int64       `json:"shareCount"`
	BookmarkCount int64       `json:"bookmarkCount"`
	CommentCount  int64       `json:"commentCount"`
	HasLiked      bool        `json:"hasLiked"`
	HasBookmarked bool        `json:"hasBookmarked"`
	Found         bool        `json:"-"`
}

func (m *Metadata) Set(f Field, v int64) {
	switch f {
	case FieldLikes:
		m.LikeCount = v
	case FieldViews:
		m.ViewCount = v
	case FieldShares:
		m.ShareCount = v
	case FieldComments:
		m.CommentCount = v
	case FieldBookmarks:
		m.BookmarkCount = v
	}
}
