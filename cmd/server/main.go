package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-risk/internal/allowlist"
	"github.com/apk-analysis/apk-risk/internal/api"
	"github.com/apk-analysis/apk-risk/internal/api/handlers"
	"github.com/apk-analysis/apk-risk/internal/apkfacts"
	"github.com/apk-analysis/apk-risk/internal/config"
	"github.com/apk-analysis/apk-risk/internal/middleware"
	"github.com/apk-analysis/apk-risk/internal/queue"
	"github.com/apk-analysis/apk-risk/internal/repository"
	"github.com/apk-analysis/apk-risk/internal/riskanalysis"
	"github.com/apk-analysis/apk-risk/internal/rules"
	"github.com/apk-analysis/apk-risk/internal/service"
	"github.com/apk-analysis/apk-risk/internal/watcher"
	"github.com/apk-analysis/apk-risk/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	fmt.Printf("APK Risk Analyzer\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 1. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Risk Analyzer %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 3. 评分规则
	ruleSet, err := loadRules(cfg.Rules.Path)
	if err != nil {
		logger.Fatalf("Failed to load rules: %v", err)
	}
	logger.WithFields(toFields(ruleSet.Stats())).Info("Risk rules loaded")

	// 4. 数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	// 最先注册、最后执行：消费者和 Worker 停止时仍可能写入扫描记录
	defer repository.CloseDB(db, logger)
	scanRepo := repository.NewScanRecordRepository(db)
	safeAppRepo := repository.NewSafeAppRepository(db)

	// 5. Prometheus 指标与内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_risk")
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 6. 白名单缓存
	var provider allowlist.Provider
	switch cfg.Allowlist.Source {
	case "database":
		provider = allowlist.NewDBProvider(safeAppRepo)
	default:
		provider = allowlist.NewFileProvider(cfg.Allowlist.Path)
	}
	safeApps := allowlist.NewCache(provider, logger,
		allowlist.WithTTL(time.Duration(cfg.Allowlist.TTLSeconds)*time.Second),
		allowlist.WithObserver(promMetrics),
	)
	logger.WithFields(logrus.Fields{
		"source": provider.Name(),
		"size":   safeApps.Get(context.Background()).Len(),
	}).Info("Allowlist loaded")

	// 7. 分析器与扫描服务
	analyzer := riskanalysis.NewAnalyzer(ruleSet, safeApps, logger,
		riskanalysis.WithParallelSignals(cfg.Analyzer.ParallelSignals),
	)
	factsProvider := apkfacts.NewDispatcher(
		apkfacts.NewAPKProvider(cfg.Analyzer.AaptPath, logger),
		apkfacts.NewFactsFileProvider(),
	)

	eventHub := handlers.NewScanEventHub(logger)
	eventHub.Start()
	defer eventHub.Stop()

	scanService := service.NewScanService(service.ScanServiceDeps{
		Provider:  factsProvider,
		Analyzer:  analyzer,
		Repo:      scanRepo,
		Allowlist: safeApps,
		Metrics:   promMetrics,
		Events:    eventHub,
		Logger:    logger,
	})

	// 8. Worker Pool
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, scanService, promMetrics, logger)
	workerPool.Start(rootCtx)
	defer workerPool.Stop()

	// 9. RabbitMQ（可选）
	var scanQueue handlers.ScanQueue
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQWithPrefetch(queue.ConfigFrom(&cfg.RabbitMQ), cfg.RabbitMQ.Queue, workerPool.Size(), logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()

		producer := queue.NewProducer(mq, logger)
		scanQueue = producer

		consumer := queue.NewConsumer(mq, createScanHandler(workerPool, logger), workerPool.Size(), logger)
		if err := consumer.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
	} else {
		logger.Info("RabbitMQ disabled, asynchronous scans unavailable")
	}

	// 10. 投递目录监控（可选）
	if cfg.Watcher.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(cfg.Watcher.InboundDir, cfg.Watcher.Pattern, createFileHandler(workerPool, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.InboundDir)
	}

	// 11. HTTP Server
	router := api.SetupRouter(cfg, logger, api.RouterDeps{
		ScanService: scanService,
		Queue:       scanQueue,
		Events:      eventHub,
		MemMonitor:  memMonitor,
		Metrics:     promMetrics,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 12. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	logger.Info("Server exited")
}

func loadRules(path string) (*rules.RuleSet, error) {
	if path == "" {
		return rules.Default()
	}
	return rules.LoadFile(path)
}

func toFields(stats map[string]int) logrus.Fields {
	fields := make(logrus.Fields, len(stats))
	for k, v := range stats {
		fields[k] = v
	}
	return fields
}

// createScanHandler 队列消息交给 Worker Pool 并等待扫描完成
func createScanHandler(pool *worker.Pool, logger *logrus.Logger) queue.ScanHandler {
	return func(ctx context.Context, msg *queue.ScanMessage) error {
		logger.WithFields(logrus.Fields{
			"scan_request_id": msg.ID,
			"apk_name":        msg.APKName,
		}).Info("Received scan from queue, submitting to worker pool")

		_, err := pool.SubmitAndWait(ctx, &worker.Job{
			ID:          msg.ID,
			APKPath:     msg.APKPath,
			APKName:     msg.APKName,
			RemoveAfter: true,
		})
		return err
	}
}

// createFileHandler 投递目录中的新 APK 直接提交到 Worker Pool
func createFileHandler(pool *worker.Pool, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		job := &worker.Job{
			ID:      uuid.New().String(),
			APKPath: filePath,
			APKName: filepath.Base(filePath),
		}
		if err := pool.Submit(job); err != nil {
			return fmt.Errorf("failed to submit scan: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"apk_name": job.APKName,
		}).Info("Inbound APK submitted for scanning")
		return nil
	}
}
