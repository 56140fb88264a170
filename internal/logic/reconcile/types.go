package reconcile

import (
	"context"
	"time"

	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/types"
)

// OpType 对账产生的同步操作类型
type OpType string

const (
	OpPlayerRemoved        OpType = "PLAYER_REMOVED"
	OpPlayerSyncFailed     OpType = "PLAYER_SYNC_FAILED"
	OpBusinessAdded        OpType = "BUSINESS_ADDED"
	OpBusinessUpdated      OpType = "BUSINESS_UPDATED"
	OpBusinessRemoved      OpType = "BUSINESS_REMOVED"
	OpPortfolioDiscrepancy OpType = "PORTFOLIO_DISCREPANCY"
	// OpPlayerTotalsUpdated 镜像中的累计字段与链上不一致，已按链上值刷新
	OpPlayerTotalsUpdated OpType = "PLAYER_TOTALS_UPDATED"
)

// noSlot 操作与具体槽位无关
const noSlot = -1

type SyncOperation struct {
	Type      OpType       `json:"type"`
	Wallet    types.Pubkey `json:"wallet"`
	SlotIndex int          `json:"slot_index"` // -1 表示玩家级操作
	Detail    string       `json:"detail,omitempty"`
	At        time.Time    `json:"at"`
}

// SessionReport 一次对账的结果
type SessionReport struct {
	ID            string          `json:"id"`
	Checked       int             `json:"checked"`
	Removed       int             `json:"removed"`
	Synced        int             `json:"synced"`
	Failed        int             `json:"failed"`
	Unverified    int             `json:"unverified"` // 校验读取失败，本轮不处理
	Discrepancies int             `json:"discrepancies"`
	Operations    []SyncOperation `json:"operations"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

func (r *SessionReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Count 按类型统计操作数
func (r *SessionReport) Count(t OpType) int {
	n := 0
	for _, op := range r.Operations {
		if op.Type == t {
			n++
		}
	}
	return n
}

// Validator 由 pda.Validator 实现
type Validator interface {
	BatchValidate(ctx context.Context, wallets []types.Pubkey) []pda.ValidationResult
	ClearCache()
}

// AccountFetcher 由 rpc.Gateway 实现
type AccountFetcher interface {
	GetMultipleAccounts(ctx context.Context, addresses []types.Pubkey) ([]rpc.AccountInfo, error)
}
