package core

// AdaptedTx 统一的交易视图：RPC getTransaction 与 Geyser / logsSubscribe 推送都转换为该结构，
// 是事件解析流程的唯一输入。
type AdaptedTx struct {
	Signature string // base58 交易签名
	Slot      uint64
	BlockTime int64 // Unix 秒，未知时为 0

	// LogMessages 交易执行过程中产生的 Program 日志，事件以 "Program data: <base64>" 形式出现
	LogMessages []string

	// Failed 交易链上执行失败，失败交易不产生任何有效事件
	Failed bool
	Err    any
}
