package rpc

import (
	"context"

	"earnings-sync-sol/internal/types"

	"github.com/blocto/solana-go-sdk/client"
	"github.com/blocto/solana-go-sdk/common"
	soltypes "github.com/blocto/solana-go-sdk/types"
)

// SolanaClient 基于 solana-go-sdk 的 LedgerClient 实现
type SolanaClient struct {
	c *client.Client
}

func NewSolanaClient(endpoint string) *SolanaClient {
	return &SolanaClient{c: client.NewClient(endpoint)}
}

func (s *SolanaClient) GetAccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	info, err := s.c.GetAccountInfo(ctx, address)
	if err != nil {
		return AccountInfo{}, err
	}
	return convertAccountInfo(info), nil
}

func (s *SolanaClient) GetMultipleAccounts(ctx context.Context, addresses []string) ([]AccountInfo, error) {
	infos, err := s.c.GetMultipleAccounts(ctx, addresses)
	if err != nil {
		return nil, err
	}
	out := make([]AccountInfo, len(infos))
	for i, info := range infos {
		out[i] = convertAccountInfo(info)
	}
	return out, nil
}

// convertAccountInfo SDK 对不存在的账户返回零值
func convertAccountInfo(info client.AccountInfo) AccountInfo {
	exists := info.Lamports > 0 || len(info.Data) > 0 || info.Owner != (common.PublicKey{})
	return AccountInfo{
		Exists:   exists,
		Owner:    types.Pubkey(info.Owner),
		Lamports: info.Lamports,
		Data:     info.Data,
	}
}

func (s *SolanaClient) GetSlot(ctx context.Context) (uint64, error) {
	return s.c.GetSlot(ctx)
}

func (s *SolanaClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	res, err := s.c.GetLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	return res.Blockhash, nil
}

func (s *SolanaClient) SendTransaction(ctx context.Context, tx soltypes.Transaction) (string, error) {
	return s.c.SendTransaction(ctx, tx)
}

func (s *SolanaClient) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	st, err := s.c.GetSignatureStatus(ctx, signature)
	if err != nil || st == nil {
		return nil, err
	}
	out := &SignatureStatus{
		Slot:          st.Slot,
		Confirmations: st.Confirmations,
		Err:           st.Err,
	}
	if st.ConfirmationStatus != nil {
		out.ConfirmationStatus = string(*st.ConfirmationStatus)
	}
	return out, nil
}

func (s *SolanaClient) GetTransaction(ctx context.Context, signature string) (*TransactionInfo, error) {
	tx, err := s.c.GetTransaction(ctx, signature)
	if err != nil || tx == nil {
		return nil, err
	}
	out := &TransactionInfo{
		Signature: signature,
		Slot:      tx.Slot,
	}
	if tx.BlockTime != nil {
		out.BlockTime = *tx.BlockTime
	}
	if tx.Meta != nil {
		out.LogMessages = tx.Meta.LogMessages
		out.Err = tx.Meta.Err
	}
	return out, nil
}
