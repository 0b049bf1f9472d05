// cmd/odf-service/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"odf/internal/pkg/bootstrap"
	"odf/internal/pkg/httpclient"
	"odf/internal/pkg/logger"
	"odf/internal/pkg/mq"
	"odf/internal/pkg/nacos"
	"odf/internal/pkg/redis"
	"odf/internal/pkg/zookeeper"
	"odf/internal/service/odf/application"
	"odf/internal/service/odf/application/pipeline"
	"odf/internal/service/odf/domain/port"
	"odf/internal/service/odf/infrastructure"
	"odf/internal/service/odf/infrastructure/adapter"
	"odf/internal/service/odf/infrastructure/lockstore"
	"odf/internal/service/odf/interfaces"
)

const serviceName = "odf-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Port:             cfg.App.Port,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(appCtx bootstrap.AppCtx) error {
	cfg := appCtx.Config
	tracer := otel.Tracer(serviceName)

	// 1. ERP 数据库
	db, err := infrastructure.OpenMySQL(infrastructure.MySQLOptions{
		DSN:             cfg.Infra.MySQL.DSN,
		MaxOpenConns:    cfg.Infra.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Infra.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.Infra.MySQL.ConnMaxLifetime,
		AutoMigrate:     cfg.Infra.MySQL.AutoMigrate,
	})
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		appCtx.OnShutdown("mysql", func(context.Context) error { return sqlDB.Close() })
	}
	erp := infrastructure.NewGormErpRepository(db)

	// 2. 锁存储
	store, err := newLockStore(appCtx, db)
	if err != nil {
		return err
	}

	// 3. 审计和备忘录，没有配置 Kafka 时写日志
	var audit port.AuditLogger = adapter.AuditLogAdapter{}
	var memos port.MemoNotifier = adapter.MemoLogAdapter{}
	if len(cfg.Infra.Kafka.Brokers) > 0 {
		auditAdapter := adapter.NewAuditKafkaAdapter(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.AuditTopic))
		memoAdapter := adapter.NewMemoKafkaAdapter(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.MemoTopic))
		appCtx.OnShutdown("kafka-audit", func(context.Context) error { return auditAdapter.Close() })
		appCtx.OnShutdown("kafka-memo", func(context.Context) error { return memoAdapter.Close() })
		audit, memos = auditAdapter, memoAdapter
	}

	// 4. 外部服务
	activation := adapter.NewActivationHTTPAdapter(
		httpclient.NewClient(tracer, cfg.Gateways.Activation.Timeout),
		newResolver(appCtx, cfg.Gateways.Activation),
		cfg.Gateways.Activation.APIKey, audit, time.Now)
	remote := adapter.NewOrderHTTPAdapter(
		httpclient.NewClient(tracer, cfg.Gateways.Order.Timeout),
		newResolver(appCtx, cfg.Gateways.Order),
		cfg.Gateways.Order.APIKey, audit, time.Now)

	rule, err := adapter.NewEligibilityCELAdapter(cfg.Pipeline.EligibilityRule)
	if err != nil {
		return err
	}

	// 5. 应用服务和后台任务
	hub := interfaces.NewProgressHub()
	go hub.Run(appCtx.Ctx)

	locks := application.NewLockManager(store, erp, cfg.Pipeline.LockTTL, time.Now, tracer)
	svc := buildService(cfg, tracer, erp, locks, activation, remote, rule, memos, hub)

	sweeper := interfaces.NewLockSweeper(locks, cfg.Pipeline.SweepInterval)
	sweeper.Start(appCtx.Ctx)
	appCtx.OnShutdown("lock-sweeper", sweeper.Stop)

	// 6. 路由
	interfaces.NewOdfHandler(svc, hub, cfg.Pipeline.StepTimeout).RegisterRoutes(appCtx.Mux)
	logger.Ctx(appCtx.Ctx).Info().Str("lock_backend", cfg.Pipeline.LockBackend).Msg("✅ ODF pipeline ready.")
	return nil
}

func buildService(
	cfg *bootstrap.Config,
	tracer trace.Tracer,
	erp *infrastructure.GormErpRepository,
	locks *application.LockManager,
	activation port.ActivationGateway,
	remote port.OrderService,
	rule port.EligibilityRule,
	memos port.MemoNotifier,
	progress port.ProgressPublisher,
) *application.Service {
	p := pipeline.New(pipeline.Deps{
		Erp:                    erp,
		Validator:              application.NewValidator(erp, rule, cfg.Pipeline.MaxOrderQuantity),
		Locks:                  locks,
		Activation:             activation,
		Tracer:                 tracer,
		Clock:                  time.Now,
		SerialCheckConcurrency: cfg.Pipeline.SerialCheckConcurrency,
	})
	return application.NewService(application.ServiceDeps{
		Erp:        erp,
		Pipeline:   p,
		Gateway:    application.NewOrderGateway(erp, remote, locks, tracer),
		Assembler:  application.NewAssembler(erp, locks, activation, time.Now, tracer),
		Locks:      locks,
		Activation: activation,
		Memos:      memos,
		Progress:   progress,
		Polls: application.PollPolicy{
			OrderMaxAttempts:    cfg.Pipeline.OrderPollMaxAttempts,
			OrderBackoff:        cfg.Pipeline.OrderPollBackoff,
			PasscodeMaxAttempts: cfg.Pipeline.PasscodePollMaxAttempts,
			PasscodeBackoff:     cfg.Pipeline.PasscodePollBackoff,
		},
		Support: application.SupportContact{Email: cfg.Support.Email, SubjectPrefix: cfg.Support.SubjectPrefix},
		Tracer:  tracer,
	})
}

// newLockStore 按配置选择锁存储后端
func newLockStore(appCtx bootstrap.AppCtx, db *gorm.DB) (port.LockStore, error) {
	cfg := appCtx.Config
	switch cfg.Pipeline.LockBackend {
	case bootstrap.LockBackendGorm:
		return lockstore.NewGormStore(db), nil
	case bootstrap.LockBackendRedis:
		client, err := redis.NewClient(cfg.Infra.Redis.Addrs, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
		if err != nil {
			return nil, err
		}
		appCtx.OnShutdown("redis", func(context.Context) error { return client.Close() })
		return lockstore.NewRedisStore(client)
	case bootstrap.LockBackendZookeeper:
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, err
		}
		appCtx.OnShutdown("zookeeper", func(context.Context) error { conn.Close(); return nil })
		if err := zookeeper.EnsurePath(conn, cfg.Infra.Zookeeper.LockRoot); err != nil {
			return nil, err
		}
		return lockstore.NewZookeeperStore(conn, cfg.Infra.Zookeeper.LockRoot), nil
	case bootstrap.LockBackendMemory:
		logger.Ctx(appCtx.Ctx).Warn().Msg("in-memory lock store: locks are not shared between instances")
		return lockstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Pipeline.LockBackend)
	}
}

// newResolver 启用 Nacos 且配置了服务名时使用服务发现，否则使用静态地址
func newResolver(appCtx bootstrap.AppCtx, gw bootstrap.GatewayConfig) nacos.Resolver {
	r := nacos.Resolver{ServiceName: gw.ServiceName, StaticURL: gw.BaseURL, Scheme: "http"}
	if appCtx.Nacos != nil {
		r.Discoverer = appCtx.Nacos
	}
	return r
}
