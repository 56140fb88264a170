package dispatch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"

	"earnings-sync-sol/internal/consts"
	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/types"

	"github.com/blocto/solana-go-sdk/common"
	soltypes "github.com/blocto/solana-go-sdk/types"
	"github.com/sugawarayuuta/sonnet"
)

// Submitter 为一组玩家提交一笔 update_earnings 交易，返回交易签名
type Submitter interface {
	Submit(ctx context.Context, wallets []types.Pubkey) (string, error)
}

// Ledger 发送交易所需的网关能力
type Ledger interface {
	GetLatestBlockhash(ctx context.Context) (string, error)
	SendTransaction(ctx context.Context, tx soltypes.Transaction) (string, error)
}

func anchorInstructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

var updateEarningsDisc = anchorInstructionDiscriminator(consts.IxUpdateEarnings)

// TxBuilder 构造并签名 update_earnings 交易，每个玩家一条指令
type TxBuilder struct {
	deriver   *pda.Deriver
	authority soltypes.Account
	gameState common.PublicKey
}

func NewTxBuilder(deriver *pda.Deriver, authority soltypes.Account) (*TxBuilder, error) {
	gameState, _, err := deriver.GameStateAddress()
	if err != nil {
		return nil, err
	}
	return &TxBuilder{
		deriver:   deriver,
		authority: authority,
		gameState: common.PublicKey(gameState),
	}, nil
}

// Instruction 单个玩家的 update_earnings 指令
func (b *TxBuilder) Instruction(wallet types.Pubkey) (soltypes.Instruction, error) {
	player, _, err := b.deriver.PlayerAddress(wallet)
	if err != nil {
		return soltypes.Instruction{}, err
	}
	data := make([]byte, len(updateEarningsDisc))
	copy(data, updateEarningsDisc[:])

	return soltypes.Instruction{
		ProgramID: common.PublicKey(b.deriver.ProgramID()),
		Accounts: []soltypes.AccountMeta{
			{PubKey: b.authority.PublicKey, IsSigner: true, IsWritable: true},
			{PubKey: b.gameState, IsSigner: false, IsWritable: false},
			{PubKey: common.PublicKey(player), IsSigner: false, IsWritable: true},
			{PubKey: common.PublicKey(wallet), IsSigner: false, IsWritable: false},
		},
		Data: data,
	}, nil
}

// Build 按玩家顺序打包指令并签名，指令序号与 wallets 下标一致
func (b *TxBuilder) Build(blockhash string, wallets []types.Pubkey) (soltypes.Transaction, error) {
	if len(wallets) == 0 {
		return soltypes.Transaction{}, errors.New("dispatch: empty instruction set")
	}
	ixs := make([]soltypes.Instruction, 0, len(wallets))
	for _, w := range wallets {
		ix, err := b.Instruction(w)
		if err != nil {
			return soltypes.Transaction{}, err
		}
		ixs = append(ixs, ix)
	}
	tx, err := soltypes.NewTransaction(soltypes.NewTransactionParam{
		Message: soltypes.NewMessage(soltypes.NewMessageParam{
			FeePayer:        b.authority.PublicKey,
			RecentBlockhash: blockhash,
			Instructions:    ixs,
		}),
		Signers: []soltypes.Account{b.authority},
	})
	if err != nil {
		return soltypes.Transaction{}, fmt.Errorf("build transaction: %w", err)
	}
	return tx, nil
}

// LedgerSubmitter 通过网关取 blockhash、签名并发送
type LedgerSubmitter struct {
	ledger  Ledger
	builder *TxBuilder
}

func NewLedgerSubmitter(ledger Ledger, builder *TxBuilder) *LedgerSubmitter {
	return &LedgerSubmitter{ledger: ledger, builder: builder}
}

func (s *LedgerSubmitter) Submit(ctx context.Context, wallets []types.Pubkey) (string, error) {
	blockhash, err := s.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}
	tx, err := s.builder.Build(blockhash, wallets)
	if err != nil {
		return "", err
	}
	return s.ledger.SendTransaction(ctx, tx)
}

// LoadAuthority 解析权限账户私钥：
// JSON 数组（solana-keygen 格式）、指向该格式文件的路径，或 base58 编码的 64 字节私钥
func LoadAuthority(s string) (soltypes.Account, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return soltypes.Account{}, errors.New("dispatch: authority keypair not configured")
	}
	if !strings.HasPrefix(s, "[") {
		if raw, err := os.ReadFile(s); err == nil {
			s = strings.TrimSpace(string(raw))
		}
	}
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := sonnet.Unmarshal([]byte(s), &ints); err != nil {
			return soltypes.Account{}, fmt.Errorf("parse keypair json: %w", err)
		}
		key := make([]byte, len(ints))
		for i, v := range ints {
			key[i] = byte(v)
		}
		return soltypes.AccountFromBytes(key)
	}
	return soltypes.AccountFromBase58(s)
}
