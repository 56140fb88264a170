package eventparser

import "earnings-sync-sol/internal/types"

// 以下结构体与链上 Anchor 事件一一对应，字段顺序即 borsh 序列化顺序

type PlayerCreated struct {
	Wallet    types.Pubkey
	Referrer  types.Pubkey // 全 0 表示无推荐人
	Timestamp int64
}

type BusinessCreated struct {
	Wallet       types.Pubkey
	SlotIndex    uint8
	BusinessType uint8
	Amount       uint64
	EarningsRate uint64
	Timestamp    int64
}

type BusinessUpgraded struct {
	Wallet          types.Pubkey
	SlotIndex       uint8
	NewLevel        uint8
	Cost            uint64
	NewEarningsRate uint64
	Timestamp       int64
}

type BusinessSold struct {
	Wallet    types.Pubkey
	SlotIndex uint8
	Payout    uint64
	Timestamp int64
}

type EarningsUpdated struct {
	Wallet           types.Pubkey
	Amount           uint64
	PendingEarnings  uint64
	NextEarningsTime int64
	Timestamp        int64
}

type EarningsClaimed struct {
	Wallet    types.Pubkey
	Amount    uint64
	Timestamp int64
}
