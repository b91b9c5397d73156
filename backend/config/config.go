// Package config 读取 socialConfig.yaml，SOCIAL_* 环境变量可覆盖任意配置项
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/interaction"
	"social-interaction-service/backend/internal/logger"
	"social-interaction-service/backend/internal/reconcile"
	"social-interaction-service/backend/internal/worker"
)

const EnvPrefix = "SOCIAL"

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		Mode            string        `mapstructure:"mode"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
		EnableCORS      bool          `mapstructure:"enableCors"`
	} `mapstructure:"running"`
	Log   logger.Options `mapstructure:"log"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	MySQL struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// Path 鉴权服务地址；为空时用 JWTSecret 本地验签
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
		// ServiceToken 内部调用（内容登记）的共享令牌；为空时不开放内部路由
		ServiceToken string `mapstructure:"serviceToken"`
	} `mapstructure:"auth"`
	Engine              EngineConfig     `mapstructure:"engine"`
	Dispatcher          DispatcherConfig `mapstructure:"dispatcher"`
	BroadcastDispatcher DispatcherConfig `mapstructure:"broadcastDispatcher"`
	Reconcile           ReconcileConfig  `mapstructure:"reconcile"`
	RateLimit           struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rateLimit"`
	WS struct {
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"ws"`
}

type EngineConfig struct {
	FastPathTimeout   time.Duration `mapstructure:"fastPathTimeout"`
	SeedTimeout       time.Duration `mapstructure:"seedTimeout"`
	FallbackTimeout   time.Duration `mapstructure:"fallbackTimeout"`
	BackgroundTimeout time.Duration `mapstructure:"backgroundTimeout"`
	ViewWindow        time.Duration `mapstructure:"viewWindow"`
	// ViewWindows 按内容类型覆盖观看窗口，0 表示 once-ever
	ViewWindows map[string]time.Duration `mapstructure:"viewWindows"`
	MaxBatch    int                      `mapstructure:"maxBatch"`
}

type DispatcherConfig struct {
	QueueSize      int           `mapstructure:"queueSize"`
	Workers        int           `mapstructure:"workers"`
	MaxRetry       int           `mapstructure:"maxRetry"`
	BaseBackoff    time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	TaskTimeout    time.Duration `mapstructure:"taskTimeout"`
	EnqueueTimeout time.Duration `mapstructure:"enqueueTimeout"`
	MaxInFlight    int64         `mapstructure:"maxInFlight"`
}

type ReconcileConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Tolerance   int64         `mapstructure:"tolerance"`
	PageSize    int           `mapstructure:"pageSize"`
	SampleSize  int           `mapstructure:"sampleSize"`
	Concurrency int           `mapstructure:"concurrency"`
	LeaseTTL    time.Duration `mapstructure:"leaseTTL"`
}

func setDefaults(v *viper.Viper) {
	eng := interaction.DefaultOptions()
	rec := reconcile.DefaultOptions()

	v.SetDefault("running.port", 8083)
	v.SetDefault("running.mode", "release")
	v.SetDefault("running.shutdownTimeout", 10*time.Second)
	v.SetDefault("running.enableCors", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.driver", "mysql")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "social-interaction-events")
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.serviceToken", "")

	v.SetDefault("engine.fastPathTimeout", eng.FastPathTimeout)
	v.SetDefault("engine.seedTimeout", eng.SeedTimeout)
	v.SetDefault("engine.fallbackTimeout", eng.FallbackTimeout)
	v.SetDefault("engine.backgroundTimeout", eng.BackgroundTimeout)
	v.SetDefault("engine.viewWindow", eng.DefaultWindow)
	v.SetDefault("engine.viewWindows", map[string]time.Duration{string(entity.ContentForumPost): interaction.OnceEver})
	v.SetDefault("engine.maxBatch", eng.MaxBatch)

	dispatcherDefaults(v, "dispatcher", eng.DurableQueue)
	dispatcherDefaults(v, "broadcastDispatcher", eng.BroadcastQueue)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", rec.Interval)
	v.SetDefault("reconcile.tolerance", rec.Tolerance)
	v.SetDefault("reconcile.pageSize", rec.PageSize)
	v.SetDefault("reconcile.sampleSize", rec.SampleSize)
	v.SetDefault("reconcile.concurrency", rec.Concurrency)
	v.SetDefault("reconcile.leaseTTL", rec.LeaseTTL)

	v.SetDefault("rateLimit.rps", 20.0)
	v.SetDefault("rateLimit.burst", 40)
	v.SetDefault("ws.allowedOrigins", []string{})
}

func dispatcherDefaults(v *viper.Viper, prefix string, o worker.Options) {
	v.SetDefault(prefix+".queueSize", o.QueueSize)
	v.SetDefault(prefix+".workers", o.Workers)
	v.SetDefault(prefix+".maxRetry", o.MaxRetry)
	v.SetDefault(prefix+".baseBackoff", o.BaseBackoff)
	v.SetDefault(prefix+".maxBackoff", o.MaxBackoff)
	v.SetDefault(prefix+".taskTimeout", o.TaskTimeout)
	v.SetDefault(prefix+".enqueueTimeout", o.EnqueueTimeout)
	v.SetDefault(prefix+".maxInFlight", o.MaxInFlight)
}

// Load 读取配置。file 为空时在 ./backend/config、./config、. 下找 socialConfig.yaml，找不到就只用默认值和环境变量
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("socialConfig")
		v.SetConfigType("yaml")
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		errs = append(errs, fmt.Errorf("running.port out of range: %d", c.Running.Port))
	}
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is empty"))
	}
	switch c.MySQL.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("mysql.driver must be mysql or sqlite, got %q", c.MySQL.Driver))
	}
	if c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn is empty"))
	}
	if c.Auth.Path == "" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("one of auth.path or auth.jwtSecret is required"))
	}
	if c.Engine.FastPathTimeout <= 0 {
		errs = append(errs, errors.New("engine.fastPathTimeout must be positive"))
	}
	if c.Engine.ViewWindow < 0 {
		errs = append(errs, errors.New("engine.viewWindow must not be negative"))
	}
	for name, w := range c.Engine.ViewWindows {
		if _, ok := lookupContentType(name); !ok {
			errs = append(errs, fmt.Errorf("engine.viewWindows: unknown content type %q", name))
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("engine.viewWindows.%s must not be negative", name))
		}
	}
	if c.Reconcile.Tolerance < 0 {
		errs = append(errs, errors.New("reconcile.tolerance must not be negative"))
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rateLimit values must not be negative"))
	}
	return errors.Join(errs...)
}

// viper 会把 map 的 key 转成小写，这里按不区分大小写匹配回内容类型
func lookupContentType(name string) (entity.ContentType, bool) {
	for _, t := range []entity.ContentType{
		entity.ContentMedia, entity.ContentDevotional, entity.ContentForumPost,
		entity.ContentPrayer, entity.ContentPoll, entity.ContentComment,
	} {
		if strings.EqualFold(string(t), name) {
			return t, true
		}
	}
	return "", false
}

func (d DispatcherConfig) WorkerOptions() worker.Options {
	return worker.Options{
		QueueSize:      d.QueueSize,
		Workers:        d.Workers,
		MaxRetry:       d.MaxRetry,
		BaseBackoff:    d.BaseBackoff,
		MaxBackoff:     d.MaxBackoff,
		TaskTimeout:    d.TaskTimeout,
		EnqueueTimeout: d.EnqueueTimeout,
		MaxInFlight:    d.MaxInFlight,
	}
}

func (c *Config) InteractionOptions() interaction.Options {
	windows := make(map[entity.ContentType]time.Duration, len(c.Engine.ViewWindows))
	for name, w := range c.Engine.ViewWindows {
		if t, ok := lookupContentType(name); ok {
			windows[t] = w
		}
	}
	return interaction.Options{
		FastPathTimeout:   c.Engine.FastPathTimeout,
		SeedTimeout:       c.Engine.SeedTimeout,
		FallbackTimeout:   c.Engine.FallbackTimeout,
		BackgroundTimeout: c.Engine.BackgroundTimeout,
		DefaultWindow:     c.Engine.ViewWindow,
		Windows:           windows,
		MaxBatch:          c.Engine.MaxBatch,
		DurableQueue:      c.Dispatcher.WorkerOptions(),
		BroadcastQueue:    c.BroadcastDispatcher.WorkerOptions(),
	}
}

func (c *Config) ReconcileOptions() reconcile.Options {
	o := reconcile.DefaultOptions()
	o.Interval = c.Reconcile.Interval
	o.Tolerance = c.Reconcile.Tolerance
	o.PageSize = c.Reconcile.PageSize
	o.SampleSize = c.Reconcile.SampleSize
	o.Concurrency = c.Reconcile.Concurrency
	o.LeaseTTL = c.Reconcile.LeaseTTL
	return o
}
