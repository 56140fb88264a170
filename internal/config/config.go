package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"earnings-sync-sol/internal/consts"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/pkg/mq"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Format   string `yaml:"format"`   // 日志格式，支持 "console" 或 "json"
	LogDir   string `yaml:"log_dir"`  // 日志目录（可为相对路径或绝对路径）
	Level    string `yaml:"level"`    // 日志级别：debug / info / warn / error
	Compress bool   `yaml:"compress"` // 是否压缩旧日志文件
}

func (c *LogConfig) ToLogOption() logger.LogOption {
	return logger.LogOption{
		Format:   c.Format,
		LogDir:   c.LogDir,
		Level:    c.Level,
		Compress: c.Compress,
	}
}

// KafkaProducerConfig 表示 Kafka 生产者相关配置（状态通知）
type KafkaProducerConfig struct {
	Enabled       bool   `yaml:"enabled"`         // 未开启时通知只写日志
	Brokers       string `yaml:"brokers"`         // Kafka broker 地址，多个用英文逗号分隔
	BatchSize     int    `yaml:"batch_size"`      // 批处理大小（单位字节）
	LingerMs      int    `yaml:"linger_ms"`       // 批处理最大延迟（毫秒）
	Topic         string `yaml:"topic"`           // 签名状态通知 topic
	Partitions    int    `yaml:"partitions"`      // topic 分区数
	SendTimeoutMs int    `yaml:"send_timeout_ms"` // 单条消息等待 ack 的超时时间
}

func (c *KafkaProducerConfig) ToKafkaOption() mq.KafkaProducerOption {
	return mq.KafkaProducerOption{
		Brokers:   c.Brokers,
		BatchSize: c.BatchSize,
		LingerMs:  c.LingerMs,
		Topics: []mq.TopicOption{
			{Topic: c.Topic, Partitions: c.Partitions},
		},
	}
}

// GrpcConfig Geyser gRPC 订阅配置
type GrpcConfig struct {
	Endpoint string `yaml:"endpoint"` // gRPC 服务端地址
	XToken   string `yaml:"x_token"`  // x-token 认证

	StreamPingIntervalSec    int `yaml:"stream_ping_interval_sec"`    // 应用层 ping 心跳间隔（秒）
	KeepalivePingIntervalSec int `yaml:"keepalive_ping_interval_sec"` // 底层 keepalive 间隔（秒）
	KeepalivePingTimeoutSec  int `yaml:"keepalive_ping_timeout_sec"`  // 底层 keepalive 超时（秒）
	MaxCallRecvMsgSize       int `yaml:"max_call_recv_msg_size"`      // 单条消息最大接收字节数
	ReconnectIntervalSec     int `yaml:"reconnect_interval_sec"`      // 重连最小间隔（秒）
	ConnectTimeoutSec        int `yaml:"connect_timeout_sec"`         // 连接建立超时（秒）
	SendTimeoutSec           int `yaml:"send_timeout_sec"`            // 发送超时（秒）
	IdleTimeoutSec           int `yaml:"idle_timeout_sec"`            // 长时间无交易则重连（秒）
}

// IngestConfig 实时交易来源
type IngestConfig struct {
	Mode  string     `yaml:"mode"`   // none / geyser / websocket
	WsURL string     `yaml:"ws_url"` // logsSubscribe 使用的 websocket 地址
	Grpc  GrpcConfig `yaml:"grpc"`
}

const (
	IngestNone      = "none"
	IngestGeyser    = "geyser"
	IngestWebsocket = "websocket"
)

// SyncConfig 是主配置结构体
type SyncConfig struct {
	LogConf           LogConfig           `yaml:"logger"`         // 日志配置
	KafkaProducerConf KafkaProducerConfig `yaml:"kafka_producer"` // Kafka 生产者配置
	Ingest            IngestConfig        `yaml:"ingest"`         // 实时订阅

	RedisAddr           string `yaml:"redis_addr"`             // Redis 地址，为空则不记录签名状态
	RedisStatusTTLHours int    `yaml:"redis_status_ttl_hours"` // 签名终态保留时长
	PostgresDSN         string `yaml:"postgres_dsn"`           // PostgreSQL 数据源，为空使用内存存储
	ApiListen           string `yaml:"api_listen"`             // 状态接口监听地址

	// 链上程序
	ProgramID        string `yaml:"program_id"`        // 游戏合约地址
	AuthorityKeypair string `yaml:"authority_keypair"` // 发送 update_earnings 的签名私钥（base58）

	// RPC 网关
	RpcPrimaryURL           string   `yaml:"rpc_primary_url"`
	RpcBackupURLs           []string `yaml:"rpc_backup_urls"`
	RpcRateLimit            int      `yaml:"rpc_rate_limit"`             // 单端点每秒请求上限
	RpcBurstLimit           int      `yaml:"rpc_burst_limit"`            // 单端点同时在途请求上限
	RpcTimeout              int      `yaml:"rpc_timeout"`                // 单次请求超时（秒）
	RpcMaxRetries           int      `yaml:"rpc_max_retries"`            // 单次调用最大尝试次数
	EnableAdaptiveRateLimit *bool    `yaml:"enable_adaptive_rate_limit"` // 缺省为 true
	BatchSizeAccounts       int      `yaml:"batch_size_accounts"`        // getMultipleAccounts 单批数量

	// 收益分发
	EarningsBatchEnabled        *bool   `yaml:"earnings_batch_enabled"` // 缺省为 true
	EarningsBatchSize           int     `yaml:"earnings_batch_size"`
	EarningsReservedRpsFraction float64 `yaml:"earnings_reserved_rps_fraction"`
	FailedRetryCooldownHours    int     `yaml:"failed_principal_retry_cooldown_hours"`
	EarningsIntervalMinutes     int     `yaml:"earnings_interval_minutes"`  // 周期调度间隔，0 表示只手动触发
	EarningsCycleTimeoutSec     int     `yaml:"earnings_cycle_timeout_sec"` // 单轮最长耗时

	// 对账
	ReconciliationIntervalHours int `yaml:"reconciliation_interval_hours"`
	ReconciliationTimeoutSec    int `yaml:"reconciliation_timeout_sec"`
	ReconciliationHistorySize   int `yaml:"reconciliation_history_size"`
	ReconciliationCommitBatch   int `yaml:"reconciliation_commit_batch_size"`
	ValidationCacheTTLMinutes   int `yaml:"validation_cache_ttl_minutes"`

	// 签名队列
	QueueCapacity          int `yaml:"queue_capacity"`
	QueueCompletedCapacity int `yaml:"queue_completed_capacity"`
	QueueDequeueWaitMs     int `yaml:"queue_dequeue_wait_ms"`
	ConfirmTimeoutSec      int `yaml:"confirm_timeout_sec"`
}

// Load 读取 yaml 配置，支持 .env 与 ${ENV} 展开
func Load(path string) (SyncConfig, error) {
	var c SyncConfig

	// .env 不存在不算错误
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// MustLoad 加载失败直接退出
func MustLoad(path string) SyncConfig {
	c, err := Load(path)
	if err != nil {
		logger.Errorf("[config] 加载配置失败: %v", err)
		os.Exit(1)
	}
	return c
}

func (c *SyncConfig) applyDefaults() {
	if c.RpcRateLimit <= 0 {
		c.RpcRateLimit = consts.DefaultRpcRateLimit
	}
	if c.RpcBurstLimit <= 0 {
		c.RpcBurstLimit = consts.DefaultRpcBurstLimit
	}
	if c.RpcTimeout <= 0 {
		c.RpcTimeout = int(consts.DefaultRpcTimeout / time.Second)
	}
	if c.RpcMaxRetries <= 0 {
		c.RpcMaxRetries = consts.DefaultRpcMaxRetries
	}
	if c.BatchSizeAccounts <= 0 || c.BatchSizeAccounts > consts.MaxGetMultipleAccountsBatch {
		c.BatchSizeAccounts = consts.DefaultBatchSizeAccounts
	}
	if c.EarningsBatchSize <= 0 {
		c.EarningsBatchSize = consts.DefaultEarningsBatchSize
	}
	if c.EarningsReservedRpsFraction <= 0 || c.EarningsReservedRpsFraction > 1 {
		c.EarningsReservedRpsFraction = consts.DefaultReservedRpsFraction
	}
	if c.FailedRetryCooldownHours <= 0 {
		c.FailedRetryCooldownHours = int(consts.DefaultFailedCooldown / time.Hour)
	}
	if c.EarningsCycleTimeoutSec <= 0 {
		c.EarningsCycleTimeoutSec = 1800
	}
	if c.ReconciliationIntervalHours <= 0 {
		c.ReconciliationIntervalHours = int(consts.DefaultReconcileInterval / time.Hour)
	}
	if c.ReconciliationTimeoutSec <= 0 {
		c.ReconciliationTimeoutSec = 1800
	}
	if c.ReconciliationHistorySize <= 0 {
		c.ReconciliationHistorySize = 24
	}
	if c.ReconciliationCommitBatch <= 0 {
		c.ReconciliationCommitBatch = 50
	}
	if c.ValidationCacheTTLMinutes <= 0 {
		c.ValidationCacheTTLMinutes = int(consts.DefaultValidationCacheTTL / time.Minute)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	if c.QueueCompletedCapacity <= 0 {
		c.QueueCompletedCapacity = 10000
	}
	if c.QueueDequeueWaitMs <= 0 {
		c.QueueDequeueWaitMs = 1000
	}
	if c.ConfirmTimeoutSec <= 0 {
		c.ConfirmTimeoutSec = 60
	}
	if c.RedisStatusTTLHours <= 0 {
		c.RedisStatusTTLHours = 72
	}
	if c.Ingest.Mode == "" {
		c.Ingest.Mode = IngestNone
	}
	if c.KafkaProducerConf.Partitions <= 0 {
		c.KafkaProducerConf.Partitions = 1
	}
	if c.KafkaProducerConf.SendTimeoutMs <= 0 {
		c.KafkaProducerConf.SendTimeoutMs = 3000
	}
	if c.ApiListen == "" {
		c.ApiListen = ":8080"
	}
}

// Validate 校验必填项
func (c *SyncConfig) Validate() error {
	var errs []error
	if c.RpcPrimaryURL == "" {
		errs = append(errs, errors.New("rpc_primary_url is required"))
	}
	if c.ProgramID == "" {
		errs = append(errs, errors.New("program_id is required"))
	}
	switch c.Ingest.Mode {
	case IngestNone:
	case IngestGeyser:
		if c.Ingest.Grpc.Endpoint == "" {
			errs = append(errs, errors.New("ingest.grpc.endpoint is required for geyser mode"))
		}
	case IngestWebsocket:
		if c.Ingest.WsURL == "" {
			errs = append(errs, errors.New("ingest.ws_url is required for websocket mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ingest.mode %q", c.Ingest.Mode))
	}
	if c.KafkaProducerConf.Enabled && (c.KafkaProducerConf.Brokers == "" || c.KafkaProducerConf.Topic == "") {
		errs = append(errs, errors.New("kafka_producer.brokers and kafka_producer.topic are required when enabled"))
	}
	return errors.Join(errs...)
}

// AdaptiveRateLimit 缺省开启
func (c *SyncConfig) AdaptiveRateLimit() bool {
	return c.EnableAdaptiveRateLimit == nil || *c.EnableAdaptiveRateLimit
}

// BatchEnabled 缺省开启
func (c *SyncConfig) BatchEnabled() bool {
	return c.EarningsBatchEnabled == nil || *c.EarningsBatchEnabled
}

// RpcURLs 主节点在前，备用节点按配置顺序
func (c *SyncConfig) RpcURLs() []string {
	urls := make([]string, 0, 1+len(c.RpcBackupURLs))
	urls = append(urls, c.RpcPrimaryURL)
	for _, u := range c.RpcBackupURLs {
		if u != "" && u != c.RpcPrimaryURL {
			urls = append(urls, u)
		}
	}
	return urls
}

func (c *SyncConfig) RpcTimeoutDuration() time.Duration {
	return time.Duration(c.RpcTimeout) * time.Second
}

func (c *SyncConfig) FailedCooldown() time.Duration {
	return time.Duration(c.FailedRetryCooldownHours) * time.Hour
}

func (c *SyncConfig) ValidationCacheTTL() time.Duration {
	return time.Duration(c.ValidationCacheTTLMinutes) * time.Minute
}
