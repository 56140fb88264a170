package codec

// 玩家账户二进制布局（小端序），与链上程序保持一致，修改前必须同步合约
const (
	DiscriminatorSize = 8

	OffsetOwner      = 8
	OffsetBusinesses = 40

	MaxBusinesses    = 10
	BusinessSlotSize = 120

	OffsetTotalInvested     = OffsetBusinesses + MaxBusinesses*BusinessSlotSize // 1240
	OffsetTotalUpgradeSpent = OffsetTotalInvested + 8                           // 1248
	OffsetTotalEarned       = OffsetTotalUpgradeSpent + 8                       // 1256
	OffsetTotalWithdrawn    = OffsetTotalEarned + 8                             // 1264
	OffsetPendingEarnings   = OffsetTotalWithdrawn + 8                          // 1272
	OffsetNextEarningsTime  = OffsetPendingEarnings + 8                         // 1280
	OffsetLastUpdateTime    = OffsetNextEarningsTime + 4                        // 1284
	OffsetBusinessCount     = OffsetLastUpdateTime + 4                          // 1288
	OffsetBump              = OffsetBusinessCount + 1                           // 1289

	// MinAccountSize 解码所需的最小长度
	MinAccountSize = OffsetBump + 1 // 1290
	// AccountSize 链上分配的账户大小（含 10 字节预留）
	AccountSize = 1300
)

// 单个 business 槽位内的偏移
const (
	slotOffsetType          = 0
	slotOffsetLevel         = 1
	slotOffsetIsActive      = 2
	slotOffsetIndex         = 3
	slotOffsetTotalInvested = 8
	slotOffsetEarningsRate  = 16
	slotOffsetAccumulated   = 24
	slotOffsetCreatedAt     = 32
	slotOffsetLastClaim     = 36
	slotOffsetNftMint       = 40
)
