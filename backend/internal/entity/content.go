package entity

import (
	"errors"
	"fmt"
	"strings"
)

type ContentType string

const (
	ContentMedia      ContentType = "media"
	ContentDevotional ContentType = "devotional"
	ContentForumPost  ContentType = "forumPost"
	ContentPrayer     ContentType = "prayer"
	ContentPoll       ContentType = "poll"
	ContentComment    ContentType = "comment"
)

var contentTypes = map[ContentType]struct{}{
	ContentMedia:      {},
	ContentDevotional: {},
	ContentForumPost:  {},
	ContentPrayer:     {},
	ContentPoll:       {},
	ContentComment:    {},
}

func (t ContentType) Valid() bool {
	_, ok := contentTypes[t]
	return ok
}

var (
	ErrUnknownContentType = errors.New("unknown content type")
	ErrEmptyContentID     = errors.New("empty content id")
	ErrUnknownKind        = errors.New("unknown interaction kind")
	ErrUnknownField       = errors.New("unknown counter field")
)

// ContentRef 互动目标，创建后不可变
type ContentRef struct {
	Type ContentType `json:"contentType"`
	ID   string      `json:"contentId"`
}

func NewContentRef(contentType, contentID string) (ContentRef, error) {
	ref := ContentRef{Type: ContentType(contentType), ID: strings.TrimSpace(contentID)}
	return ref, ref.Validate()
}

func (r ContentRef) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownContentType, r.Type)
	}
	if r.ID == "" {
		return ErrEmptyContentID
	}
	return nil
}

// String 形如 media:42，用作 Redis hash tag 和对账标记
func (r ContentRef) String() string { return string(r.Type) + ":" + r.ID }

// Room 实时推送的房间标识
func (r ContentRef) Room() string { return "room:" + r.String() }

// ParseContentRef 解析 String() 的输出
func ParseContentRef(s string) (ContentRef, error) {
	t, id, ok := strings.Cut(s, ":")
	if !ok {
		return ContentRef{}, fmt.Errorf("invalid content ref %q", s)
	}
	ref := ContentRef{Type: ContentType(t), ID: id}
	return ref, ref.Validate()
}

type Kind string

const (
	KindLike     Kind = "like"
	KindBookmark Kind = "bookmark"
	KindView     Kind = "view"
	KindShare    Kind = "share"

	// KindComment 只用于持久层记账（评论数增减的幂等键），不对外暴露
	KindComment Kind = "comment"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLike, KindBookmark, KindView, KindShare:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsToggle like/bookmark 是开关型互动，view/share 只增不减
func (k Kind) IsToggle() bool { return k == KindLike || k == KindBookmark }

func (k Kind) Field() Field {
	switch k {
	case KindLike:
		return FieldLikes
	case KindBookmark:
		return FieldBookmarks
	case KindView:
		return FieldViews
	case KindShare:
		return FieldShares
	case KindComment:
		return FieldComments
	}
	return ""
}

type Field string

const (
	FieldLikes     Field = "likes"
	FieldViews     Field = "views"
	FieldShares    Field = "shares"
	FieldComments  Field = "comments"
	FieldBookmarks Field = "bookmarks"
)

// AllFields 计数字段的固定顺序
var AllFields = []Field{FieldLikes, FieldViews, FieldShares, FieldComments, FieldBookmarks}

func ParseField(s string) (Field, error) {
	for _, f := range AllFields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// ToggleKind 返回开关字段对应的互动类型
func (f Field) ToggleKind() (Kind, bool) {
	switch f {
	case FieldLikes:
		return KindLike, true
	case FieldBookmarks:
		return KindBookmark, true
	}
	return "", false
}
