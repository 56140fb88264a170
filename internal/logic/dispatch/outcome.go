package dispatch

import "earnings-sync-sol/internal/types"

// Kind 单个玩家的分发结果分类
type Kind int

const (
	KindSuccess Kind = iota // 交易已发送
	KindNotDue              // 收益未到期，留待下个周期，不算失败
	KindFailed              // 真实失败，进入冷却名单
	KindSkipped             // 预检未通过（PDA 无效、校验出错、冷却中或已取消）
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNotDue:
		return "not_due"
	case KindFailed:
		return "failed"
	case KindSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome 一个玩家的最终结果
type Outcome struct {
	Wallet    types.Pubkey
	Kind      Kind
	Signature string // 仅 KindSuccess
	Reason    string
	Attempts  int // 实际发送次数
}

// Report 一次 Dispatch 的汇总
type Report struct {
	Outcomes     []Outcome // 与入参顺序一致（去重后）
	Transactions int       // 实际提交的交易数
	Retried      int       // 进入重试阶段的玩家数
	// DueByLocalClock 按本地时钟判断已到期的玩家数，仅供参考
	DueByLocalClock int
}

func (r *Report) Count(kind Kind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Dispatched 通过预检并至少发送过一次的玩家数
func (r *Report) Dispatched() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Attempts > 0 {
			n++
		}
	}
	return n
}
