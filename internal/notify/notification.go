package notify

import (
	"context"
	"time"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/types"
)

// Status 通知对应的签名状态
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Code Kafka 消息前缀中的类型编码
func (s Status) Code() uint32 {
	switch s {
	case StatusQueued:
		return 1
	case StatusCompleted:
		return 2
	case StatusFailed:
		return 3
	default:
		return 0
	}
}

// Notification 一条签名状态通知
type Notification struct {
	Signature string
	Status    Status
	Wallet    types.Pubkey // 可能为空
	Source    string
	Slot      uint64
	Events    []*core.Event // 仅 completed 携带已应用的事件
	Error     string
	At        time.Time
}

// Sink 通知出口，实现方不得阻塞调用方
type Sink interface {
	Notify(ctx context.Context, n *Notification)
}

// MultiSink 依次转发给多个 Sink
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, n *Notification) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}
