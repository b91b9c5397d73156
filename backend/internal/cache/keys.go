package cache

import (
	"fmt"

	"social-interaction-service/backend/internal/entity"
)

// 键语义：
// - counterKey(ref, field):       计数（String int）
// - toggleKey(ref, kind):         开关成员（Set<userId>）
// - clockKey(ref):                开关操作时钟（String int，微秒），保证同一内容上的操作时间严格递增
// - dedupKey(ref, user):          观看去重标记（String "1"，TTL 为窗口长度，从计数那一刻起滚动；once-ever 不过期）
// - missingKey(ref):              内容不存在的空值标记（String，短 TTL）
// - pendingKey:                   待对账内容（Set<type:id>）
// - deadLetterKey:                重试耗尽的持久化任务（List<JSON>）
// - leaseKey:                     对账租约（String owner，带 TTL）
//
// 同一内容的键都用 {type:id} 作为 hash tag，保证落在同一个 slot，Lua 脚本才能同时操作
const (
	keyCounterFmt = "counter:{%s}:%s"
	keyToggleFmt  = "toggle:{%s}:%s"
	keyClockFmt   = "clock:{%s}"
	keyDedupFmt   = "dedup:{%s}:%d"
	keyMissingFmt = "missing:{%s}"

	pendingKey    = "reconcile:pending"
	deadLetterKey = "reconcile:deadletter"
	leaseKey      = "reconcile:lease"
)

func counterKey(ref entity.ContentRef, f entity.Field) string {
	return fmt.Sprintf(keyCounterFmt, ref.String(), f)
}

func toggleKey(ref entity.ContentRef, k entity.Kind) string {
	return fmt.Sprintf(keyToggleFmt, ref.String(), k)
}

func clockKey(ref entity.ContentRef) string { return fmt.Sprintf(keyClockFmt, ref.String()) }

func dedupKey(ref entity.ContentRef, userID uint64) string {
	return fmt.Sprintf(keyDedupFmt, ref.String(), userID)
}

func missingKey(ref entity.ContentRef) string { return fmt.Sprintf(keyMissingFmt, ref.String()) }

// 导出给对账器和测试用
func CounterKey(ref entity.ContentRef, f entity.Field) string { return counterKey(ref, f) }
func ToggleKey(ref entity.ContentRef, k entity.Kind) string   { return toggleKey(ref, k) }
