package interaction

import (
	"strconv"
	"time"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/worker"
)

const (
	DefaultFastPathTimeout   = 50 * time.Millisecond
	DefaultSeedTimeout       = 2 * time.Second
	DefaultFallbackTimeout   = 3 * time.Second
	DefaultBackgroundTimeout = 2 * time.Second
	DefaultViewWindow        = 24 * time.Hour
	DefaultMaxBatch          = 100

	// OnceEver 窗口长度为 0 表示每个用户对每个内容只计一次观看
	OnceEver time.Duration = 0
)

type Options struct {
	FastPathTimeout   time.Duration
	SeedTimeout       time.Duration
	FallbackTimeout   time.Duration
	BackgroundTimeout time.Duration

	// 观看去重窗口，按内容类型配置，未配置的用 DefaultWindow；
	// 只能通过 Windows 把某个类型配成 once-ever
	DefaultWindow time.Duration
	Windows       map[entity.ContentType]time.Duration

	MaxBatch int

	DurableQueue   worker.Options
	BroadcastQueue worker.Options

	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		FastPathTimeout:   DefaultFastPathTimeout,
		SeedTimeout:       DefaultSeedTimeout,
		FallbackTimeout:   DefaultFallbackTimeout,
		BackgroundTimeout: DefaultBackgroundTimeout,
		DefaultWindow:     DefaultViewWindow,
		Windows: map[entity.ContentType]time.Duration{
			entity.ContentForumPost: OnceEver,
		},
		MaxBatch: DefaultMaxBatch,
		DurableQueue: worker.Options{
			QueueSize:   4096,
			Workers:     8,
			MaxRetry:    5,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
			TaskTimeout: 5 * time.Second,
		},
		BroadcastQueue: worker.Options{
			QueueSize:   4096,
			Workers:     4,
			MaxRetry:    2,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  500 * time.Millisecond,
			TaskTimeout: time.Second,
		},
		Now: time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FastPathTimeout <= 0 {
		o.FastPathTimeout = d.FastPathTimeout
	}
	if o.SeedTimeout <= 0 {
		o.SeedTimeout = d.SeedTimeout
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = d.FallbackTimeout
	}
	if o.BackgroundTimeout <= 0 {
		o.BackgroundTimeout = d.BackgroundTimeout
	}
	if o.DefaultWindow <= 0 {
		o.DefaultWindow = d.DefaultWindow
	}
	if o.Windows == nil {
		o.Windows = d.Windows
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = d.MaxBatch
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Window 内容类型对应的去重窗口
func (o Options) Window(t entity.ContentType) time.Duration {
	if w, ok := o.Windows[t]; ok {
		return w
	}
	return o.DefaultWindow
}

// WindowKey 观看记录在持久层的幂等键：以 Unix 纪元对齐的窗口编号，once-ever 固定为 "ever"。
// 两次被计数的观看至少相隔一个窗口，所以一定落在不同编号上。是否计数不看它
func WindowKey(window time.Duration, at time.Time) string {
	if window <= 0 || window.Milliseconds() == 0 {
		return "ever"
	}
	return "w" + strconv.FormatInt(at.UnixMilli()/window.Milliseconds(), 10)
}
