package codec

import (
	"encoding/binary"
	"math"
)

// Encode 按链上布局序列化玩家账户，用于构造测试数据与本地模拟；
// 负数金额按 0 写入，Businesses 按 SlotIndex 放入对应槽位
func Encode(acc PlayerAccount) []byte {
	buf := make([]byte, AccountSize)
	copy(buf[OffsetOwner:], acc.Owner[:])
	for _, b := range acc.Businesses {
		if b.SlotIndex >= MaxBusinesses {
			continue
		}
		off := OffsetBusinesses + int(b.SlotIndex)*BusinessSlotSize
		slot := buf[off : off+BusinessSlotSize]
		slot[slotOffsetType] = b.BusinessType
		slot[slotOffsetLevel] = b.Level
		if b.IsActive {
			slot[slotOffsetIsActive] = 1
		}
		slot[slotOffsetIndex] = b.SlotIndex
		putAmount(slot, slotOffsetTotalInvested, b.TotalInvested)
		putAmount(slot, slotOffsetEarningsRate, b.EarningsRate)
		putAmount(slot, slotOffsetAccumulated, b.Accumulated)
		binary.LittleEndian.PutUint32(slot[slotOffsetCreatedAt:], toU32(b.CreatedAt))
		binary.LittleEndian.PutUint32(slot[slotOffsetLastClaim:], toU32(b.LastClaimAt))
		copy(slot[slotOffsetNftMint:], b.NftMint[:])
	}
	putAmount(buf, OffsetTotalInvested, acc.TotalInvested)
	putAmount(buf, OffsetTotalUpgradeSpent, acc.TotalUpgradeSpent)
	putAmount(buf, OffsetTotalEarned, acc.TotalEarned)
	putAmount(buf, OffsetTotalWithdrawn, acc.TotalWithdrawn)
	putAmount(buf, OffsetPendingEarnings, acc.PendingEarnings)
	binary.LittleEndian.PutUint32(buf[OffsetNextEarningsTime:], toU32(acc.NextEarningsTime))
	binary.LittleEndian.PutUint32(buf[OffsetLastUpdateTime:], toU32(acc.LastUpdateTime))
	buf[OffsetBusinessCount] = acc.BusinessCount
	buf[OffsetBump] = acc.Bump
	return buf
}

func putAmount(buf []byte, off int, v int64) {
	if v < 0 {
		v = 0
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(v))
}

func toU32(v int64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}
