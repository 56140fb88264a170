package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"earnings-sync-sol/internal/metrics"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/types"
)

var ErrShortBuffer = errors.New("codec: account data shorter than layout")

// Business 玩家账户中的一个经营槽位
type Business struct {
	SlotIndex     uint8
	BusinessType  uint8
	Level         uint8
	IsActive      bool
	TotalInvested int64
	EarningsRate  int64
	Accumulated   int64
	CreatedAt     int64
	LastClaimAt   int64
	NftMint       types.Pubkey
}

// PlayerAccount 解码后的玩家账户
type PlayerAccount struct {
	Wallet  types.Pubkey // 玩家钱包（principal）
	Address types.Pubkey // 玩家 PDA

	Owner             types.Pubkey
	Businesses        []Business // 只包含非空槽位
	TotalInvested     int64
	TotalUpgradeSpent int64
	TotalEarned       int64
	TotalWithdrawn    int64
	PendingEarnings   int64
	NextEarningsTime  int64
	LastUpdateTime    int64
	BusinessCount     uint8
	Bump              uint8

	// NeedsUpdate 按本地时钟判断收益是否到期，仅作参考，不用于过滤
	NeedsUpdate bool
	// Decoded 为 false 表示解码失败，其它字段为安全默认值
	Decoded bool
	Raw     []byte
}

// SumBusinessInvested 活跃槽位投资额之和
func (p *PlayerAccount) SumBusinessInvested() int64 {
	var sum int64
	for _, b := range p.Businesses {
		if b.IsActive {
			sum += b.TotalInvested
		}
	}
	return sum
}

// Decode 解码玩家账户，永不失败：
// 数据异常时返回 Decoded=false、NeedsUpdate=false 的安全默认值，并记录告警与指标
func Decode(wallet, address types.Pubkey, raw []byte, now time.Time) PlayerAccount {
	acc, err := DecodeStrict(wallet, address, raw, now)
	if err != nil {
		metrics.DecodeFailuresTotal.Inc()
		logger.Warnf("[codec] 玩家账户解码失败 wallet=%s pda=%s len=%d: %v", wallet, address, len(raw), err)
		return PlayerAccount{Wallet: wallet, Address: address, Raw: raw}
	}
	return acc
}

// DecodeStrict 与 Decode 相同，但返回解码错误；对账使用它以免把坏数据当成空仓位
func DecodeStrict(wallet, address types.Pubkey, raw []byte, now time.Time) (acc PlayerAccount, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[codec] decode panic wallet=%s: %+v\nstack: %s", wallet, r, debug.Stack())
			acc = PlayerAccount{Wallet: wallet, Address: address, Raw: raw}
			err = fmt.Errorf("codec: decode panic: %v", r)
		}
	}()

	if len(raw) < MinAccountSize {
		return PlayerAccount{Wallet: wallet, Address: address, Raw: raw},
			fmt.Errorf("%w: got %d bytes, need %d", ErrShortBuffer, len(raw), MinAccountSize)
	}

	acc = PlayerAccount{
		Wallet:  wallet,
		Address: address,
		Raw:     raw,
		Decoded: true,
	}
	copy(acc.Owner[:], raw[OffsetOwner:OffsetOwner+32])

	for i := 0; i < MaxBusinesses; i++ {
		off := OffsetBusinesses + i*BusinessSlotSize
		if b, ok := decodeBusiness(wallet, raw[off:off+BusinessSlotSize], uint8(i)); ok {
			acc.Businesses = append(acc.Businesses, b)
		}
	}

	acc.TotalInvested = readAmount(raw, OffsetTotalInvested, wallet, "total_invested")
	acc.TotalUpgradeSpent = readAmount(raw, OffsetTotalUpgradeSpent, wallet, "total_upgrade_spent")
	acc.TotalEarned = readAmount(raw, OffsetTotalEarned, wallet, "total_earned")
	acc.TotalWithdrawn = readAmount(raw, OffsetTotalWithdrawn, wallet, "total_withdrawn")
	acc.PendingEarnings = readAmount(raw, OffsetPendingEarnings, wallet, "pending_earnings")
	acc.NextEarningsTime = int64(binary.LittleEndian.Uint32(raw[OffsetNextEarningsTime:]))
	acc.LastUpdateTime = int64(binary.LittleEndian.Uint32(raw[OffsetLastUpdateTime:]))
	acc.BusinessCount = raw[OffsetBusinessCount]
	acc.Bump = raw[OffsetBump]

	acc.NeedsUpdate = acc.NextEarningsTime <= now.Unix()
	return acc, nil
}

// decodeBusiness 空槽位（类型为 0 且投资额为 0）返回 false
func decodeBusiness(wallet types.Pubkey, slot []byte, fallbackIndex uint8) (Business, bool) {
	b := Business{
		BusinessType: slot[slotOffsetType],
		Level:        slot[slotOffsetLevel],
		IsActive:     slot[slotOffsetIsActive] != 0,
		SlotIndex:    slot[slotOffsetIndex],
	}
	b.TotalInvested = readAmount(slot, slotOffsetTotalInvested, wallet, "business.total_invested")
	if b.BusinessType == 0 && b.TotalInvested == 0 {
		return Business{}, false
	}
	if b.SlotIndex >= MaxBusinesses {
		b.SlotIndex = fallbackIndex
	}
	b.EarningsRate = readAmount(slot, slotOffsetEarningsRate, wallet, "business.earnings_rate")
	b.Accumulated = readAmount(slot, slotOffsetAccumulated, wallet, "business.accumulated")
	b.CreatedAt = int64(binary.LittleEndian.Uint32(slot[slotOffsetCreatedAt:]))
	b.LastClaimAt = int64(binary.LittleEndian.Uint32(slot[slotOffsetLastClaim:]))
	copy(b.NftMint[:], slot[slotOffsetNftMint:slotOffsetNftMint+32])
	return b, true
}

// readAmount 读取 u64 金额，超出 int64 范围时截断为 MaxInt64
func readAmount(buf []byte, off int, wallet types.Pubkey, field string) int64 {
	v := binary.LittleEndian.Uint64(buf[off:])
	if v > math.MaxInt64 {
		metrics.DecodeClampedTotal.Inc()
		logger.Warnf("[codec] %s 超出 int64 范围已截断 wallet=%s value=%d", field, wallet, v)
		return math.MaxInt64
	}
	return int64(v)
}
