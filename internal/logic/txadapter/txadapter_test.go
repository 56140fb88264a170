package txadapter

import (
	"testing"

	"earnings-sync-sol/internal/rpc"

	"github.com/mr-tron/base58"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptRpcTx(t *testing.T) {
	assert.Nil(t, AdaptRpcTx(nil))

	tx := AdaptRpcTx(&rpc.TransactionInfo{Signature: "s", Slot: 9, BlockTime: 100, LogMessages: []string{"a"}})
	assert.Equal(t, "s", tx.Signature)
	assert.False(t, tx.Failed)

	failed := AdaptRpcTx(&rpc.TransactionInfo{Signature: "s", Err: map[string]any{"InstructionError": []any{0, "x"}}})
	assert.True(t, failed.Failed)
}

func TestAdaptGrpcTx(t *testing.T) {
	sig := make([]byte, 64)
	sig[0] = 1
	update := &pb.SubscribeUpdateTransaction{
		Slot: 77,
		Transaction: &pb.SubscribeUpdateTransactionInfo{
			Signature: sig,
			Meta:      &pb.TransactionStatusMeta{LogMessages: []string{"Program x invoke [1]"}},
		},
	}
	tx, err := AdaptGrpcTx(update, 1_700_000_000)
	require.NoError(t, err)
	assert.Equal(t, base58.Encode(sig), tx.Signature)
	assert.Equal(t, uint64(77), tx.Slot)
	assert.False(t, tx.Failed)

	update.Transaction.Meta.Err = &pb.TransactionError{Err: []byte{1}}
	tx, err = AdaptGrpcTx(update, 0)
	require.NoError(t, err)
	assert.True(t, tx.Failed)

	update.Transaction.IsVote = true
	_, err = AdaptGrpcTx(update, 0)
	assert.Error(t, err)

	_, err = AdaptGrpcTx(&pb.SubscribeUpdateTransaction{}, 0)
	assert.Error(t, err)
}
