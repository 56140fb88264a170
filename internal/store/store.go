package store

import (
	"context"
	"errors"
	"time"

	"earnings-sync-sol/internal/types"
)

var ErrSessionClosed = errors.New("store: session already committed or rolled back")

// Player 玩家镜像
type Player struct {
	Wallet            types.Pubkey
	Address           types.Pubkey // 玩家 PDA
	Referrer          types.Pubkey
	TotalInvested     int64
	TotalUpgradeSpent int64
	TotalEarned       int64
	TotalWithdrawn    int64
	PendingEarnings   int64
	NextEarningsTime  int64
	LastUpdateTime    int64
	BusinessCount     int
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Business 玩家名下的经营槽位镜像，(Wallet, SlotIndex) 唯一
type Business struct {
	Wallet        types.Pubkey
	SlotIndex     uint8
	BusinessType  uint8
	Level         uint8
	IsActive      bool
	TotalInvested int64
	EarningsRate  int64
	Accumulated   int64
	CreatedAt     int64
	LastClaimAt   int64
	UpdatedAt     time.Time
}

// EventRecord 已应用的事件，(Signature, EventID) 唯一，用于事件幂等
type EventRecord struct {
	Signature string
	EventID   uint32
	Type      string
	Wallet    types.Pubkey
	Slot      uint64
	AppliedAt time.Time
}

// Store 镜像存储
type Store interface {
	// Begin 开启一个事务会话，调用方必须 Commit 或 Rollback
	Begin(ctx context.Context) (Session, error)
	// ListWallets 所有镜像中的玩家
	ListWallets(ctx context.Context) ([]types.Pubkey, error)
	// ListActiveWallets 参与收益分发的玩家
	ListActiveWallets(ctx context.Context) ([]types.Pubkey, error)
	Close()
}

// Session 一个事务内的读写操作。Commit 之后再 Rollback 是安全的空操作。
type Session interface {
	GetPlayer(ctx context.Context, wallet types.Pubkey) (*Player, error) // 不存在返回 nil, nil
	UpsertPlayer(ctx context.Context, p *Player) error
	DeletePlayer(ctx context.Context, wallet types.Pubkey) (bool, error)

	ListBusinesses(ctx context.Context, wallet types.Pubkey) ([]*Business, error)
	UpsertBusiness(ctx context.Context, b *Business) error
	DeleteBusiness(ctx context.Context, wallet types.Pubkey, slotIndex uint8) (bool, error)
	DeleteBusinesses(ctx context.Context, wallet types.Pubkey) (int64, error)

	// RecordEvent 记录已应用事件，已存在时返回 false
	RecordEvent(ctx context.Context, rec *EventRecord) (bool, error)

	// Savepoint 在子事务中执行 fn，fn 返回错误时只回滚 fn 内的修改
	Savepoint(ctx context.Context, fn func(Session) error) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
