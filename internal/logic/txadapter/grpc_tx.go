package txadapter

import (
	"errors"

	"earnings-sync-sol/internal/logic/core"

	"github.com/mr-tron/base58"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
)

var errIncompleteTx = errors.New("txadapter: incomplete geyser transaction")

// AdaptGrpcTx 把 Geyser 推送的交易转换为 AdaptedTx，vote 交易与缺少 meta 的交易返回错误
func AdaptGrpcTx(update *pb.SubscribeUpdateTransaction, blockTime int64) (*core.AdaptedTx, error) {
	if update == nil || update.Transaction == nil || update.Transaction.Meta == nil {
		return nil, errIncompleteTx
	}
	info := update.Transaction
	if info.IsVote || len(info.Signature) != 64 {
		return nil, errIncompleteTx
	}

	tx := &core.AdaptedTx{
		Signature:   base58.Encode(info.Signature),
		Slot:        update.Slot,
		BlockTime:   blockTime,
		LogMessages: info.Meta.LogMessages,
	}
	if info.Meta.Err != nil {
		tx.Failed = true
		tx.Err = info.Meta.Err
	}
	return tx, nil
}
