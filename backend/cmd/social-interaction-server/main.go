package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"social-interaction-service/backend/config"
	"social-interaction-service/backend/internal/broadcast"
	"social-interaction-service/backend/internal/cache"
	"social-interaction-service/backend/internal/handler"
	"social-interaction-service/backend/internal/httpapi/middleware"
	"social-interaction-service/backend/internal/interaction"
	"social-interaction-service/backend/internal/logger"
	"social-interaction-service/backend/internal/metrics"
	"social-interaction-service/backend/internal/mysqldb"
	"social-interaction-service/backend/internal/reconcile"
	"social-interaction-service/backend/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("social-interaction-server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SOCIAL_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("init config failed: %w", err)
	}
	logger.Setup(cfg.Log)
	gin.SetMode(cfg.Running.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 多个地址时是集群客户端，和线上 Redis Cluster 一致
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		// Redis 不可用时仍然启动，请求走持久层回退
		slog.Warn("ping redis failed, serving from durable store", slog.String("error", err.Error()))
	}

	db, err := mysqldb.Open(cfg.MySQL.Driver, cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open durable store failed: %w", err)
	}
	if err := mysqldb.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate durable store failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	sinks := []broadcast.Sink{{Name: "redis", Broadcaster: broadcast.NewRedisBroadcaster(rdb)}}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := broadcast.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			// Kafka 只服务下游分析，连不上不影响主流程
			slog.Warn("kafka producer disabled", slog.String("error", err.Error()))
		} else {
			defer producer.Close()
			sinks = append(sinks, broadcast.Sink{Name: "kafka", Broadcaster: broadcast.NewKafkaBroadcaster(producer, cfg.Kafka.Topic)})
		}
	}

	counters := cache.NewRedisCounter(rdb)
	durable := mysqldb.NewMySQLRepo(db)
	engine := interaction.NewSynchronizer(counters, durable, counters, broadcast.NewFanout(rec, sinks...), rec, cfg.InteractionOptions())

	var verifier middleware.Verifier
	if cfg.Auth.Path != "" {
		verifier = middleware.NewRemoteVerifier(cfg.Auth.Path)
	} else {
		verifier = middleware.NewLocalVerifier(cfg.Auth.JWTSecret)
	}

	hub := ws.NewHub(rdb)
	router := handler.NewRouter(handler.RouterDeps{
		Interaction: handler.NewInteractionHandler(engine),
		Verifier:    verifier,
		Limiter:     middleware.NewUserRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		WS:          ws.NewManager(hub, cfg.WS.AllowedOrigins),
		Metrics:     metrics.Handler(reg),
		Health: func(ctx context.Context) error {
			return errors.Join(rdb.Ping(ctx).Err(), sqlDB.PingContext(ctx))
		},
		EnableCORS:   cfg.Running.EnableCORS,
		ServiceToken: cfg.Auth.ServiceToken,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// 订阅断开后重连，直到退出
		for gctx.Err() == nil {
			if err := hub.Run(gctx); err != nil {
				slog.Warn("ws hub subscription lost", slog.String("error", err.Error()))
				select {
				case <-gctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
		return nil
	})
	if cfg.Reconcile.Enabled {
		r := reconcile.NewReconciler(counters, durable, counters, engine, rec, cfg.ReconcileOptions())
		g.Go(func() error {
			r.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// 请求都结束后再排空后台持久化队列
		return errors.Join(err, engine.Close(shutdownCtx))
	})
	return g.Wait()
}
