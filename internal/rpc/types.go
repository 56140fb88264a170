package rpc

import (
	"context"

	"earnings-sync-sol/internal/types"

	soltypes "github.com/blocto/solana-go-sdk/types"
)

// AccountInfo 链上账户快照；账户不存在时 Exists=false 且 err 为 nil
type AccountInfo struct {
	Address  types.Pubkey
	Exists   bool
	Owner    types.Pubkey
	Lamports uint64
	Data     []byte
}

// SignatureStatus getSignatureStatuses 的单条结果
type SignatureStatus struct {
	Slot               uint64
	Confirmations      *uint64
	ConfirmationStatus string // processed / confirmed / finalized
	Err                any
}

const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// Confirmed 已达到 confirmed 或 finalized
func (s *SignatureStatus) Confirmed() bool {
	if s == nil {
		return false
	}
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}

// TransactionInfo getTransaction 的精简结果，只保留同步需要的字段
type TransactionInfo struct {
	Signature   string
	Slot        uint64
	BlockTime   int64
	LogMessages []string
	Err         any // 链上执行错误，nil 表示成功
}

// LedgerClient 单个 RPC 端点的客户端，网关在其上实现选路、限流与重试
type LedgerClient interface {
	GetAccountInfo(ctx context.Context, address string) (AccountInfo, error)
	GetMultipleAccounts(ctx context.Context, addresses []string) ([]AccountInfo, error)
	GetSlot(ctx context.Context) (uint64, error)
	GetLatestBlockhash(ctx context.Context) (string, error)
	SendTransaction(ctx context.Context, tx soltypes.Transaction) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
	GetTransaction(ctx context.Context, signature string) (*TransactionInfo, error)
}
