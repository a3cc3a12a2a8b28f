package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailpickup/backend/internal/accounts"
	"mailpickup/backend/internal/config"
	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/extract"
	"mailpickup/backend/internal/health"
	"mailpickup/backend/internal/logger"
	"mailpickup/backend/internal/monitoring"
	"mailpickup/backend/internal/notify"
	"mailpickup/backend/internal/persist"
	"mailpickup/backend/internal/pool"
	"mailpickup/backend/internal/registry"
	"mailpickup/backend/internal/scheduler"
	"mailpickup/backend/internal/search"
	"mailpickup/backend/internal/service"
	"mailpickup/backend/internal/smtp"
	"mailpickup/backend/internal/storage/memory"
	sqlarchive "mailpickup/backend/internal/storage/sql"
	httptransport "mailpickup/backend/internal/transport/http"
	"mailpickup/backend/internal/websocket"
)

// main 启动同时包含 HTTP API 与可选 SMTP 收件池的取件服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting mailpickup server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("search_mode", cfg.Search.Mode),
	)

	// 初始化健康检查与监控
	healthChecker := health.NewHealthChecker(log)
	metrics := monitoring.NewMetrics()

	// 初始化持久化桥（Redis 或进程内内存）
	var bridge persist.Bridge
	if cfg.Redis.Address != "" {
		redisBridge, err := persist.NewRedisBridge(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Pickup.StateTTL)
		if err != nil {
			panic(fmt.Sprintf("failed to connect redis: %v", err))
		}
		healthChecker.AddReadinessPinger("redis", redisBridge)
		bridge = redisBridge
		log.Info("using redis persistence", zap.String("address", cfg.Redis.Address))
	} else {
		bridge = persist.NewMemoryBridge(cfg.Pickup.StateTTL)
		log.Info("using in-memory persistence (development mode)")
	}

	// 初始化提取引擎与注册表
	engine := extract.NewEngine(log)
	reg := registry.NewRegistry(bridge, engine, cfg.Pickup.MaxMailboxes, log)

	// 从快照恢复邮箱、历史与选中项；恢复不会自动重启监听
	if snapshot, err := bridge.Load(); err != nil {
		if !errors.Is(err, domain.ErrStateNotFound) && !errors.Is(err, domain.ErrStateExpired) {
			log.Warn("failed to load persisted state", zap.Error(err))
		}
	} else {
		reg.Restore(*snapshot)
		log.Info("restored mailboxes from snapshot", zap.Int("count", len(snapshot.Mailboxes)))
	}

	// 初始化账号目录
	directory := accounts.NewDirectory()
	syncConfigs := accounts.NewSyncConfigStore(cfg.Accounts.TempSyncConfigTTL)
	defer syncConfigs.Close()

	// 初始化搜索适配器
	var adapter search.Adapter
	var sink *memory.Store
	if cfg.Search.Mode == "http" {
		adapter = search.NewHTTPAdapter(search.HTTPOptions{
			BaseURL:        cfg.Search.BaseURL,
			APIToken:       cfg.Search.APIToken,
			RequestTimeout: cfg.Search.RequestTimeout,
			RateLimit:      cfg.Search.RateLimit,
			RateBurst:      cfg.Search.RateBurst,
		})
		log.Info("using upstream http search", zap.String("base_url", cfg.Search.BaseURL))
	} else {
		sink = memory.NewStore()
		adapter = search.NewLocalAdapter(sink)
		log.Info("using local message pool search")
	}

	// 初始化 Webhook 投递（worker pool + 重试队列）
	workers := pool.NewWorkerPool(cfg.Webhook.Workers, cfg.Webhook.QueueSize, log)
	notifier := notify.NewNotifier(workers, log)
	notifier.SetDeliveryObserver(func(status notify.DeliveryStatus) {
		metrics.WebhookDeliveries.WithLabelValues(string(status)).Inc()
	})

	// 初始化 WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)

	// 初始化 SQL 归档（可选）
	var archive *sqlarchive.Archive
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		archive, err = sqlarchive.NewArchive(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize archive database: %v", err))
		}
		healthChecker.AddReadinessCheck("archive", archive.Health)
		log.Info("using sql archive", zap.String("type", cfg.Database.Type))
	}

	// 初始化调度器与服务层
	sched := scheduler.New(scheduler.Options{
		Registry:    reg,
		Adapter:     adapter,
		Directory:   directory,
		SyncConfigs: syncConfigs,
		SearchLimit: cfg.Pickup.SearchLimit,
		Log:         log,
	})

	var archiver service.Archiver
	if archive != nil {
		archiver = archive
	}
	pickupService := service.NewPickupService(
		reg, sched, directory, syncConfigs, cfg,
		wsHub, notifier, archiver, metrics, log,
	)

	// 本地收件池把新投递的地址直接唤醒对应监听
	if sink != nil {
		sink.SetDeliveryCallback(pickupService.NotifyAddress)
	}

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		PickupService: pickupService,
		Notifier:      notifier,
		WebSocketHub:  wsHub,
		Metrics:       metrics,
		Health:        healthChecker,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 收件池服务器（仅 local 搜索模式）
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled && sink != nil {
		smtpBackend := smtp.NewBackend(sink, cfg.Pickup.AllowedDomains, log)
		smtpServer = gosmtp.NewServer(smtpBackend)
		smtpServer.Addr = cfg.SMTP.BindAddr
		smtpServer.Domain = cfg.SMTP.Domain
		smtpServer.AllowInsecureAuth = cfg.Log.Development
		smtpServer.ReadTimeout = 10 * time.Second
		smtpServer.WriteTimeout = 10 * time.Second
		smtpServer.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
		smtpServer.MaxRecipients = 50
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 启动投递协程
	workers.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 定时重试失败的 Webhook 投递 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		log.Info("starting webhook retry task", zap.Duration("interval", 1*time.Minute))

		for {
			select {
			case <-groupCtx.Done():
				log.Info("webhook retry task stopped")
				return nil
			case <-ticker.C:
				notifier.ProcessRetries()
			}
		}
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 关闭 HTTP 服务器
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 关闭 SMTP 服务器
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		// 停掉所有监听循环，丢弃在途检查结果
		sched.StopAll()
		workers.Stop()

		if archive != nil {
			if err := archive.Close(); err != nil {
				log.Warn("archive close warning", zap.Error(err))
			}
		}
		if err := bridge.Close(); err != nil {
			log.Warn("persistence close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
