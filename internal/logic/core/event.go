package core

import "earnings-sync-sol/internal/types"

// Event 从交易日志中解析出的一条程序事件
type Event struct {
	ID        uint32 // 交易内唯一事件 ID，见 BuildEventID
	Type      EventType
	Signature string
	Slot      uint64
	BlockTime int64
	Wallet    types.Pubkey // 事件所属玩家
	Payload   any          // 具体事件结构体指针
}

// BuildEventID 构造事件唯一标识 ID（uint32），由日志行序号与事件序号组合而成：
//   - logIndex   (16 bits): 事件所在日志行序号
//   - eventIndex (16 bits): 交易内第几个事件
func BuildEventID(logIndex int, eventIndex int) uint32 {
	return uint32(logIndex&0xFFFF)<<16 | uint32(eventIndex&0xFFFF)
}
