package consts

import (
	"runtime"
	"time"
)

// CpuCount 表示逻辑 CPU 核心数，用于控制并发任务调度上限
var CpuCount = runtime.NumCPU()

// PDA seeds
const (
	PlayerSeed    = "player"
	GameStateSeed = "game_state"
)

// 程序自定义错误码（Anchor 6000 起）
const (
	// ErrCodeEarningsNotDue 收益尚未到期，属于“前置条件未满足”，不是失败
	ErrCodeEarningsNotDue uint32 = 6015
	ErrNameEarningsNotDue        = "EarningsNotDue"

	// NotDueMaxRetries NotDue 的重试上限（不含首次发送）
	NotDueMaxRetries = 3
)

// Anchor 指令名
const (
	IxUpdateEarnings = "update_earnings"
)

// 默认值（配置缺省时使用）
const (
	DefaultRpcRateLimit         = 10
	DefaultRpcBurstLimit        = 5
	DefaultRpcTimeout           = 30 * time.Second
	DefaultRpcMaxRetries        = 3
	DefaultBatchSizeAccounts    = 100
	DefaultEarningsBatchSize    = 5
	DefaultReservedRpsFraction  = 0.5
	DefaultFailedCooldown       = 6 * time.Hour
	DefaultValidationCacheTTL   = 5 * time.Minute
	DefaultReconcileInterval    = time.Hour
	DefaultMaxValidateInFlight  = 10
	MaxGetMultipleAccountsBatch = 100
)
