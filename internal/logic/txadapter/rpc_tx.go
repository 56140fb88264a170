package txadapter

import (
	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/rpc"
)

// AdaptRpcTx 把 getTransaction 结果转换为 AdaptedTx
func AdaptRpcTx(info *rpc.TransactionInfo) *core.AdaptedTx {
	if info == nil {
		return nil
	}
	return &core.AdaptedTx{
		Signature:   info.Signature,
		Slot:        info.Slot,
		BlockTime:   info.BlockTime,
		LogMessages: info.LogMessages,
		Failed:      info.Err != nil,
		Err:         info.Err,
	}
}

// AdaptLogNotification 把 logsSubscribe 推送转换为 AdaptedTx（无 blockTime）
func AdaptLogNotification(signature string, slot uint64, logs []string, err any) *core.AdaptedTx {
	return &core.AdaptedTx{
		Signature:   signature,
		Slot:        slot,
		LogMessages: logs,
		Failed:      err != nil,
		Err:         err,
	}
}
