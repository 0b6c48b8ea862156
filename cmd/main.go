package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/api/graph"
	"github.com/lvdashuaibi/promocoupon/internal/api/rest"
	"github.com/lvdashuaibi/promocoupon/internal/checker"
	intkafka "github.com/lvdashuaibi/promocoupon/internal/kafka"
	"github.com/lvdashuaibi/promocoupon/internal/lock"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/persist"
	"github.com/lvdashuaibi/promocoupon/internal/promotion"
	"github.com/lvdashuaibi/promocoupon/internal/queue"
	"github.com/lvdashuaibi/promocoupon/internal/repository"
	"github.com/lvdashuaibi/promocoupon/internal/service"
	"go.uber.org/zap"
)

const (
	campaignInterval = 5 * time.Second
	consumerWorkers  = 4
	shutdownTimeout  = 10 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()
	zlog = zlog.With(zap.Int("instance", *instanceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 数据存储
	redisRepo, err := repository.NewRedisRepository(ctx, cfg.Redis)
	if err != nil {
		zlog.Fatal("初始化Redis仓库失败", zap.Error(err))
	}
	defer redisRepo.Close()

	mysqlRepo, err := repository.NewMySQLRepository(ctx, cfg.MySQL)
	if err != nil {
		zlog.Fatal("初始化MySQL仓库失败", zap.Error(err))
	}
	defer mysqlRepo.Close()

	// 核心组件
	locker := lock.NewActivityLock(redisRepo.Client(), cfg.Promotion.LockTTL)
	ledger := promotion.NewLedger(redisRepo)
	estimator := promotion.NewCapacityEstimator(redisRepo, ledger, locker, cfg.Promotion.CapacityRatio, zlog)
	coordinator := promotion.NewCoordinator(redisRepo, ledger, locker, zlog)

	promotionChecker := checker.NewChecker(estimator, cfg.Checker, zlog, checker.WithScheduleStore(redisRepo))
	defer promotionChecker.Stop()

	// 多实例时每个实例都登记定时器，只有主实例计算容量
	if cfg.ETCD.LeaderLock != "" {
		leaderLock, err := lock.NewETCDLock(cfg.ETCD, zlog)
		if err != nil {
			zlog.Fatal("初始化ETCD分布式锁失败", zap.Error(err))
		}
		defer leaderLock.Close()

		promotionChecker.SetEnabled(false)
		go func() {
			err := promotionChecker.Campaign(ctx, leaderLock, cfg.ETCD.LeaderLock, campaignInterval, cfg.ETCD.AcquireTimeout)
			if err != nil && !errors.Is(err, context.Canceled) {
				zlog.Error("竞争容量计算主实例结束", zap.Error(err))
			}
		}()
	}

	// 持久化
	var writer persist.Writer = mysqlRepo
	if cfg.Persistence.Mode == "kafka" {
		producer, err := intkafka.NewProducer(ctx, cfg.Kafka, zlog)
		if err != nil {
			zlog.Fatal("初始化Kafka生产者失败", zap.Error(err))
		}
		defer producer.Close()
		writer = persist.NewKafkaWriter(producer, mysqlRepo, zlog)

		consumer := intkafka.NewConsumer(cfg.Kafka, consumerWorkers, zlog)
		consumer.StartConsuming(persist.NewEventHandler(mysqlRepo).Handle)
		defer consumer.Stop()
	}

	reservedQueue := queue.New("reserved", cfg.Queue.Buffer, zlog)
	issuedQueue := queue.New("issued", cfg.Queue.Buffer, zlog)
	facade := persist.NewFacade(reservedQueue, issuedQueue, writer, cfg.Persistence.WriteTimeout, zlog)
	facade.Start(ctx)
	defer facade.Stop()

	promotionService, err := service.NewPromotionService(
		coordinator, ledger, promotionChecker, reservedQueue, issuedQueue, cfg.Activity, zlog,
	)
	if err != nil {
		zlog.Fatal("初始化业务服务失败", zap.Error(err))
	}

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), rest.LoggingMiddleware(zlog))
	rest.RegisterRoutes(engine, rest.NewPromotionHandler(promotionService, zlog))

	graphqlServer := graph.NewGraphQLServer(promotionService, zlog)
	engine.POST(cfg.GraphQL.Path, gin.WrapH(graphqlServer.Handler()))

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", serverPort),
		Handler: engine,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("启动HTTP服务器失败", zap.Error(err))
		}
	}()
	zlog.Info("优惠券服务已启动",
		zap.Int("port", serverPort),
		zap.String("graphql", cfg.GraphQL.Path),
		zap.String("persistence", cfg.Persistence.Mode),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("关闭HTTP服务器失败", zap.Error(err))
	}
	promotionChecker.Stop()
	facade.Stop()
	// Kafka 与存储由 defer 关闭
}
