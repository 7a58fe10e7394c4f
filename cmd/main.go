package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/kioskvote/config"
	"github.com/lvdashuaibi/kioskvote/internal/api/graph"
	"github.com/lvdashuaibi/kioskvote/internal/api/rest"
	"github.com/lvdashuaibi/kioskvote/internal/audit"
	"github.com/lvdashuaibi/kioskvote/internal/auth"
	"github.com/lvdashuaibi/kioskvote/internal/ballot"
	"github.com/lvdashuaibi/kioskvote/internal/biometric"
	"github.com/lvdashuaibi/kioskvote/internal/catalog"
	"github.com/lvdashuaibi/kioskvote/internal/heartbeat"
	intkafka "github.com/lvdashuaibi/kioskvote/internal/kafka"
	"github.com/lvdashuaibi/kioskvote/internal/kiosk"
	"github.com/lvdashuaibi/kioskvote/internal/ledger"
	"github.com/lvdashuaibi/kioskvote/internal/lock"
	"github.com/lvdashuaibi/kioskvote/internal/metrics"
	"github.com/lvdashuaibi/kioskvote/internal/repository"
	"github.com/lvdashuaibi/kioskvote/internal/service"
	"github.com/lvdashuaibi/kioskvote/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const anchorWorkers = 2

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	migrate    = flag.Bool("migrate", false, "启动前创建数据表")
	issueToken = flag.String("issue-admin-token", "", "为指定管理员签发GraphQL令牌并退出")
	tokenTTL   = flag.Duration("admin-token-ttl", 12*time.Hour, "管理员令牌有效期")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if *issueToken != "" {
		token, err := graph.IssueToken(cfg.Server.AdminJWTSecret, cfg.Server.AdminJWTIssuer, *issueToken, *tokenTTL)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(token)
		return
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("终端异常退出", zap.Error(err))
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger = logger.With(zap.String("kiosk", cfg.Kiosk.ID))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// MySQL是选民、选举和投票的唯一数据源
	mysqlRepo, err := repository.NewMySQLRepository(cfg.MySQL, logger)
	if err != nil {
		return fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	defer mysqlRepo.Close()
	if *migrate {
		if err := mysqlRepo.Migrate(ctx); err != nil {
			return fmt.Errorf("创建数据表失败: %w", err)
		}
		logger.Info("数据表已就绪")
	}

	// Redis缓存选票并保存提交任务；未配置时使用内存任务存储
	var (
		cache ballot.Cache
		jobs  service.JobStore = service.NewMemoryJobStore()
	)
	if cfg.Redis.DataAddress != "" {
		redisRepo, err := repository.NewRedisRepository(cfg.Redis)
		if err != nil {
			return fmt.Errorf("初始化Redis仓库失败: %w", err)
		}
		defer redisRepo.Close()
		cache, jobs = redisRepo, redisRepo
	}

	locker, err := newLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer locker.Close()

	var (
		sessionPub audit.Publisher
		anchorPub  service.AnchorPublisher
		consumer   *intkafka.Consumer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := intkafka.NewProducer(cfg.Kafka, logger.Named("kafka"))
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		defer producer.Close()
		sessionPub, anchorPub = producer, producer
		consumer = intkafka.NewConsumer(cfg.Kafka, anchorWorkers, logger.Named("kafka"))
	}

	signer, err := ledger.NewSigner(cfg.Kiosk.SigningKey)
	if err != nil {
		return err
	}
	logger.Info("终端签名地址", zap.String("address", signer.Address()))

	recorder := audit.NewRecorder(mysqlRepo, sessionPub, cfg.Kiosk.ID, nil, m, logger.Named("audit"))
	sessions := session.NewStore(locker, cfg.Session.KeyPrefix, cfg.Kiosk.ID, nil)
	submissions := service.NewSubmissionService(mysqlRepo, jobs, ledger.New(mysqlRepo, nil), signer, anchorPub,
		cfg.Kiosk.ID, nil, m, logger.Named("submission"))
	defer submissions.Wait()

	if consumer != nil {
		consumer.StartConsuming(submissions.ProcessAnchorEvent)
		defer consumer.Stop()
	}

	gate := auth.NewGate(mysqlRepo, biometric.NewEuclideanMatcher(cfg.Kiosk.FaceThreshold), sessions, recorder,
		auth.Config{MasterTag: cfg.Kiosk.MasterTag, BaseSessionDuration: cfg.Kiosk.BaseSessionDuration},
		m, logger.Named("auth"))

	controller := kiosk.NewController(kiosk.Deps{
		Gate:      gate,
		Elections: catalog.NewResolver(mysqlRepo, nil),
		Ballots:   ballot.NewLoader(mysqlRepo, cache, logger.Named("ballot")),
		Submitter: submissions,
		Sessions:  sessions,
		History:   mysqlRepo,
		Audit:     recorder,
	}, kiosk.Config{
		BaseSessionDuration:  cfg.Kiosk.BaseSessionDuration,
		PerElectionAllowance: cfg.Kiosk.PerElectionAllowance,
		GraceExtension:       cfg.Kiosk.GraceExtension,
		MaxGraceExtensions:   cfg.Kiosk.MaxGraceExtensions,
		HeartbeatSlack:       cfg.Kiosk.HeartbeatSlack,
		CompleteResetAfter:   cfg.Kiosk.CompleteResetAfter,
		ErrorResetAfter:      cfg.Kiosk.ErrorResetAfter,
	}, nil, m, logger.Named("kiosk"))

	hb := heartbeat.New(controller, locker, cfg.Kiosk.ID, heartbeat.Config{
		TickInterval:      cfg.Kiosk.TickInterval,
		HeartbeatInterval: cfg.Kiosk.HeartbeatInterval,
		ClaimTTL:          cfg.Kiosk.ClaimTTL,
	}, logger.Named("heartbeat"))
	if err := hb.Claim(ctx); err != nil {
		return err
	}
	hb.Start()
	defer hb.Stop()

	if cfg.Kiosk.RFIDDevice != "" {
		if err := startRFID(ctx, cfg.Kiosk.RFIDDevice, controller, logger.Named("rfid")); err != nil {
			return err
		}
	}

	server := rest.NewServer(controller, reg, logger.Named("http"))
	gql := graph.NewGraphQLServer(mysqlRepo, submissions, cfg.Server, logger.Named("graphql"))
	server.Engine().Any(cfg.GraphQL.Path, gin.WrapH(gql.Handler()))
	server.Engine().GET(cfg.GraphQL.Path+"/playground", gin.WrapH(gql.Playground(cfg.GraphQL.Path)))

	logger.Info("投票终端已启动",
		zap.Int("port", cfg.Server.Port),
		zap.String("session_backend", cfg.Session.Backend),
		zap.Bool("kafka", consumer != nil))

	err = server.Run(ctx, cfg.Server.Port)
	logger.Info("正在关闭服务...")
	return err
}

// newLocker 会话互斥后端
func newLocker(cfg *config.Config, logger *zap.Logger) (lock.Lock, error) {
	switch cfg.Session.Backend {
	case "etcd":
		l, err := lock.NewETCDLock(cfg.ETCD, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化ETCD会话锁失败: %w", err)
		}
		return l, nil
	case "memory":
		logger.Warn("使用内存会话锁，只能防止本进程内的重复会话")
		return lock.NewMemoryLock(nil), nil
	default:
		l, err := lock.NewRedLock(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化Redis会话锁失败: %w", err)
		}
		return l, nil
	}
}

// startRFID 从键盘楔形读卡器设备读取标签
func startRFID(ctx context.Context, device string, controller *kiosk.Controller, logger *zap.Logger) error {
	f, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("打开RFID设备失败: %w", err)
	}
	reader := biometric.NewWedgeReader(f)

	go func() {
		defer f.Close()
		err := reader.Run(ctx, func(tag string) {
			if err := controller.ScanTag(ctx, tag); err != nil {
				logger.Info("刷卡未通过", zap.String("tag", biometric.MaskTag(tag)), zap.Error(err))
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("RFID读卡器已停止", zap.Error(err))
		}
	}()
	logger.Info("RFID读卡器已启动", zap.String("device", device))
	return nil
}
