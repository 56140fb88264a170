package svc

import (
	"context"
	"fmt"
	"time"

	"earnings-sync-sol/internal/api"
	"earnings-sync-sol/internal/config"
	"earnings-sync-sol/internal/logic/dispatch"
	"earnings-sync-sol/internal/logic/earnings"
	"earnings-sync-sol/internal/logic/eventparser"
	"earnings-sync-sol/internal/logic/handlers"
	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/logic/progress"
	"earnings-sync-sol/internal/logic/reconcile"
	"earnings-sync-sol/internal/logic/sigqueue"
	"earnings-sync-sol/internal/notify"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/pkg/mq"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/service"
	"earnings-sync-sol/internal/store"
	"earnings-sync-sol/internal/types"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/redis/go-redis/v9"
)

// ServiceContext 包含同步服务的全部资源
type ServiceContext struct {
	Config    config.SyncConfig
	ProgramID types.Pubkey

	Gateway   *rpc.Gateway
	Deriver   *pda.Deriver
	Validator *pda.Validator
	Store     store.Store
	Parser    *eventparser.Parser
	Registry  *handlers.Registry

	Redis     *redis.Client // 未配置时为 nil
	Producer  *kafka.Producer
	KafkaSink *notify.KafkaSink

	Queue     *sigqueue.Processor
	Failed    *dispatch.FailedSet
	Pipeline  *dispatch.Pipeline
	Earnings  *earnings.Processor
	Reconcile *reconcile.Service

	EarningsService  *service.PeriodicService
	ReconcileService *service.PeriodicService
	Api              *api.Server
}

// NewServiceContext 按配置组装所有组件，失败时释放已创建的资源
func NewServiceContext(ctx context.Context, c config.SyncConfig) (sc *ServiceContext, err error) {
	sc = &ServiceContext{Config: c}
	defer func() {
		if err != nil {
			sc.Close()
			sc = nil
		}
	}()

	// 1. 程序地址与 PDA
	sc.ProgramID, err = types.TryPubkeyFromBase58(c.ProgramID)
	if err != nil {
		return sc, fmt.Errorf("invalid program_id: %w", err)
	}
	sc.Deriver = pda.NewDeriver(sc.ProgramID)

	// 2. RPC 网关（主节点 + 备用节点）
	sc.Gateway, err = rpc.NewSolana(c.RpcURLs(), rpc.Options{
		RateLimit:         c.RpcRateLimit,
		BurstLimit:        c.RpcBurstLimit,
		Timeout:           c.RpcTimeoutDuration(),
		MaxRetries:        c.RpcMaxRetries,
		Adaptive:          c.AdaptiveRateLimit(),
		BatchSizeAccounts: c.BatchSizeAccounts,
	})
	if err != nil {
		return sc, fmt.Errorf("init rpc gateway: %w", err)
	}

	sc.Validator, err = pda.NewValidator(sc.Deriver, sc.Gateway, c.ValidationCacheTTL(), nil)
	if err != nil {
		return sc, fmt.Errorf("init pda validator: %w", err)
	}

	// 3. 镜像存储：配置了 DSN 用 PostgreSQL，否则内存
	if c.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, c.PostgresDSN)
		if err != nil {
			return sc, fmt.Errorf("init postgres store: %w", err)
		}
		sc.Store = pg
	} else {
		logger.Warnf("[svc] 未配置 postgres_dsn，使用内存存储")
		sc.Store = store.NewMemoryStore()
	}

	sc.Parser = eventparser.NewParser(sc.ProgramID)
	sc.Registry = handlers.NewMirrorRegistry(sc.Deriver)

	// 4. 签名状态记录（可选）
	var journal sigqueue.StatusJournal
	if c.RedisAddr != "" {
		if sc.Redis, err = progress.DialRedis(ctx, c.RedisAddr); err != nil {
			return sc, fmt.Errorf("init redis: %w", err)
		}
		journal = progress.NewRedisStatusJournal(sc.Redis, time.Duration(c.RedisStatusTTLHours)*time.Hour)
	}

	// 5. 通知：日志总是输出，开启 Kafka 时额外投递
	sink := notify.MultiSink{notify.LogSink{}}
	if c.KafkaProducerConf.Enabled {
		if sc.Producer, err = mq.NewKafkaProducer(c.KafkaProducerConf.ToKafkaOption()); err != nil {
			return sc, fmt.Errorf("init kafka producer: %w", err)
		}
		sc.KafkaSink = notify.NewKafkaSink(sc.Producer, notify.KafkaSinkOption{
			Topic:       c.KafkaProducerConf.Topic,
			Partitions:  c.KafkaProducerConf.Partitions,
			SendTimeout: time.Duration(c.KafkaProducerConf.SendTimeoutMs) * time.Millisecond,
		})
		sink = append(sink, sc.KafkaSink)
	}

	// 6. 签名队列
	sc.Queue, err = sigqueue.NewProcessor(sc.Gateway, sc.Parser, sc.Registry, sc.Store, sink, journal, sigqueue.Options{
		Capacity:          c.QueueCapacity,
		CompletedCapacity: c.QueueCompletedCapacity,
		DequeueWait:       time.Duration(c.QueueDequeueWaitMs) * time.Millisecond,
		ConfirmTimeout:    time.Duration(c.ConfirmTimeoutSec) * time.Second,
	})
	if err != nil {
		return sc, err
	}

	// 7. 收益分发
	authority, err := dispatch.LoadAuthority(c.AuthorityKeypair)
	if err != nil {
		return sc, fmt.Errorf("load authority: %w", err)
	}
	builder, err := dispatch.NewTxBuilder(sc.Deriver, authority)
	if err != nil {
		return sc, fmt.Errorf("init tx builder: %w", err)
	}
	sc.Failed = dispatch.NewFailedSet(c.FailedCooldown(), nil)
	sc.Pipeline = dispatch.NewPipeline(sc.Validator, dispatch.NewLedgerSubmitter(sc.Gateway, builder), sc.Failed, sc.Queue, dispatch.Options{
		BatchEnabled:     c.BatchEnabled(),
		BatchSize:        c.EarningsBatchSize,
		TotalRate:        sc.Gateway.TotalRate(),
		ReservedFraction: c.EarningsReservedRpsFraction,
	})
	sc.Earnings = earnings.NewProcessor(sc.Store, sc.Pipeline, earnings.Options{
		CycleTimeout: time.Duration(c.EarningsCycleTimeoutSec) * time.Second,
	})

	// 8. 对账
	sc.Reconcile = reconcile.NewService(sc.Store, sc.Validator, sc.Gateway, reconcile.Options{
		Timeout:     time.Duration(c.ReconciliationTimeoutSec) * time.Second,
		HistorySize: c.ReconciliationHistorySize,
		CommitBatch: c.ReconciliationCommitBatch,
	})

	// 9. 周期调度与状态接口
	sc.EarningsService = service.NewEarningsService(sc.Earnings, time.Duration(c.EarningsIntervalMinutes)*time.Minute)
	sc.ReconcileService = service.NewReconcileService(sc.Reconcile, time.Duration(c.ReconciliationIntervalHours)*time.Hour)
	sc.Api = api.NewServer(c.ApiListen, api.Deps{
		Queue:            sc.Queue,
		Gateway:          sc.Gateway,
		Earnings:         sc.Earnings,
		Reconcile:        sc.Reconcile,
		EarningsTrigger:  sc.EarningsService,
		ReconcileTrigger: sc.ReconcileService,
		FailedCount:      sc.Failed.Len,
	})

	logger.Infof("[svc] 服务上下文初始化完成 program=%s endpoints=%d totalRate=%d", sc.ProgramID, len(c.RpcURLs()), sc.Gateway.TotalRate())
	return sc, nil
}

// Close 关闭服务上下文中的外部连接，需在各服务 Stop 之后调用
func (sc *ServiceContext) Close() {
	if sc.Producer != nil {
		sc.Producer.Flush(3000)
		sc.Producer.Close()
	}
	if sc.Redis != nil {
		if err := sc.Redis.Close(); err != nil {
			logger.Warnf("[svc] redis close: %v", err)
		}
	}
	if sc.Store != nil {
		sc.Store.Close()
	}
}
