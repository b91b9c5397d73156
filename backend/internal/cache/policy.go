package cache

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"social-interaction-service/backend/internal/repo"
)

const (
	BaseTTL    = 24 * time.Hour   // 基础过期时间
	Jitter     = 60 * time.Minute // 随机抖动范围
	MissingTTL = 5 * time.Minute  // 空值标记过期时间
)

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

func ttlArg(d time.Duration) int64 { return d.Milliseconds() }

// 将 any 类型转换为 int64 类型， 无法转换返回错误
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case uint64:
		if x > uint64(^uint64(0)>>1) {
			return 0, errors.New("integer overflow")
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type: %T", v)
	}
}

// 把 Lua 返回的数组转换为 []int64，长度不对返回错误
// 约定第一个元素为 -1 时表示计数键不存在
func evalInts(res any, n int) ([]int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != n {
		return nil, fmt.Errorf("invalid script result: %v", res)
	}
	out := make([]int64, n)
	for i, v := range arr {
		x, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("invalid script result: %w", err)
		}
		out[i] = x
	}
	if out[0] == -1 {
		return nil, repo.ErrCold
	}
	return out, nil
}
