package entity

import "time"

// InteractionRecord 谁在什么时候对什么内容做了什么
// - like/bookmark：每个 (user, content, kind) 一条，WindowKey 为空，取消时 Active=false
// - view：每个 (user, content, window) 至多一条
// - share：每次分享一条，WindowKey 为操作 ID
type InteractionRecord struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	UserID      uint64    `gorm:"not null;uniqueIndex:ux_interaction,priority:1"`
	ContentType string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_interaction,priority:2;index:idx_content_kind,priority:1"`
	ContentID   string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_interaction,priority:3;index:idx_content_kind,priority:2"`
	Kind        string    `gorm:"type:varchar(16);not null;uniqueIndex:ux_interaction,priority:4;index:idx_content_kind,priority:3"`
	WindowKey   string    `gorm:"type:varchar(64);not null;default:'';uniqueIndex:ux_interaction,priority:5"`
	Active      bool      `gorm:"not null"`
	Metadata    string    `gorm:"type:text"`
	LastOpAt    time.Time `gorm:"not null;precision:6"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (InteractionRecord) TableName() string { return "interaction_records" }

// Engagement 观看的参与度，只做分析用，不影响是否计数
type Engagement struct {
	DurationMs  int64   `json:"durationMs,omitempty"`
	ProgressPct float64 `json:"progressPct,omitempty"`
	IsComplete  bool    `json:"isComplete,omitempty"`
}
