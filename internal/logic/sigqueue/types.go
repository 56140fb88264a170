package sigqueue

import (
	"context"
	"errors"
	"time"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/logic/progress"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/types"
)

var ErrQueueFull = errors.New("sigqueue: queue full")

// Status 签名状态：Queued -> Processing -> {Completed, Failed}
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Request 一条待处理签名
type Request struct {
	Signature string
	Wallet    types.Pubkey // 发起玩家，可为空
	Internal  bool         // 内部发起（收益分发），不发 UI 通知
	Source    progress.Source
	// Tx 订阅推送已携带日志时直接使用，跳过确认与 getTransaction
	Tx         *core.AdaptedTx
	EnqueuedAt time.Time
}

// Result 签名的当前或最终状态
type Result struct {
	Signature  string       `json:"signature"`
	Status     Status       `json:"status"`
	Wallet     types.Pubkey `json:"wallet"`
	Source     string       `json:"source"`
	Internal   bool         `json:"internal"`
	Slot       uint64       `json:"slot,omitempty"`
	Events     int          `json:"events"`
	Applied    int          `json:"applied"`
	Duplicates int          `json:"duplicates"`
	Unhandled  int          `json:"unhandled"`
	Error      string       `json:"error,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Queue 签名队列；内存实现之外可以替换为持久化实现
type Queue interface {
	Enqueue(req Request) bool
	Status(signature string) (Result, bool)
	Depth() int
}

// Fetcher 读取交易所需的网关能力
type Fetcher interface {
	ConfirmTransaction(ctx context.Context, signature string, timeout time.Duration) (*rpc.SignatureStatus, error)
	GetTransaction(ctx context.Context, signature string) (*rpc.TransactionInfo, error)
}

// EventExtractor 从交易日志中解析事件
type EventExtractor interface {
	ExtractEvents(tx *core.AdaptedTx) []*core.Event
}

// StatusJournal 签名终态的外部记录（Redis），用于重启后判重
type StatusJournal interface {
	Get(ctx context.Context, signature string) (progress.SignatureStatus, error)
	Mark(ctx context.Context, signature string, status progress.SignatureStatus) error
}

// Stats 队列概况
type Stats struct {
	Depth     int    `json:"depth"`
	Active    int    `json:"active"`
	Retained  int    `json:"retained"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Enqueuer 订阅来源只需要入队能力
type Enqueuer interface {
	Enqueue(req Request) bool
}
