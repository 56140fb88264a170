package earnings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"earnings-sync-sol/internal/logic/dispatch"
	"earnings-sync-sol/internal/metrics"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/types"

	"github.com/lightningnetwork/lnd/clock"
)

var ErrAlreadyRunning = errors.New("earnings: cycle already running")

// State 收益周期状态：Idle -> Running -> {Completed, Failed} -> Idle
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PlayerLister 枚举参与分发的玩家
type PlayerLister interface {
	ListActiveWallets(ctx context.Context) ([]types.Pubkey, error)
}

// Dispatcher 收益分发管线
type Dispatcher interface {
	Dispatch(ctx context.Context, wallets []types.Pubkey) *dispatch.Report
	DispatchSingle(ctx context.Context, wallet types.Pubkey) dispatch.Outcome
	FailedSet() *dispatch.FailedSet
}

// CycleStats 一个收益周期的汇总
type CycleStats struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	State           State         `json:"state"`
	Found           int           `json:"found"`
	Dispatched      int           `json:"dispatched"`
	Succeeded       int           `json:"succeeded"`
	NotDue          int           `json:"not_due"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	Transactions    int           `json:"transactions"`
	CooldownCleared int           `json:"cooldown_cleared"`
	DueByLocalClock int           `json:"due_by_local_clock"` // 仅供参考，不参与过滤
	Err             string        `json:"error,omitempty"`
}

// SuccessRate 成功数 / 实际发送的玩家数
func (s *CycleStats) SuccessRate() float64 {
	if s.Dispatched == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Dispatched)
}

type Options struct {
	CycleTimeout     time.Duration
	SingleAttempts   int
	RetryBackoffBase time.Duration
	Clock            clock.Clock
}

// Processor 收益周期编排，同一时刻只允许一个周期运行
type Processor struct {
	lister     PlayerLister
	dispatcher Dispatcher
	opts       Options

	state atomic.Int32

	mu   sync.RWMutex
	last *CycleStats
}

func NewProcessor(lister PlayerLister, dispatcher Dispatcher, opts Options) *Processor {
	if opts.SingleAttempts <= 0 {
		opts.SingleAttempts = 3
	}
	if opts.RetryBackoffBase <= 0 {
		opts.RetryBackoffBase = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewDefaultClock()
	}
	return &Processor{lister: lister, dispatcher: dispatcher, opts: opts}
}

func (p *Processor) State() State {
	return State(p.state.Load())
}

// LastRun 最近一次周期的汇总，尚未运行时返回 nil
func (p *Processor) LastRun() *CycleStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil
	}
	cp := *p.last
	return &cp
}

// RunCycle 清理过期冷却 → 枚举玩家 → 全量分发 → 汇总。
// 运行中再次调用直接返回 ErrAlreadyRunning，不排队。
func (p *Processor) RunCycle(ctx context.Context) (*CycleStats, error) {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return nil, ErrAlreadyRunning
	}
	defer p.state.Store(int32(StateIdle))

	stats := &CycleStats{StartedAt: p.opts.Clock.Now(), State: StateRunning}
	err := p.runCycle(ctx, stats)

	stats.Duration = p.opts.Clock.Now().Sub(stats.StartedAt)
	if err != nil {
		stats.State = StateFailed
		stats.Err = err.Error()
		logger.Errorf("[EarningsProcessor] 周期失败: %v", err)
	} else {
		stats.State = StateCompleted
		logger.Infof("[EarningsProcessor] 周期完成: found=%d dispatched=%d succeeded=%d not_due=%d failed=%d skipped=%d 耗时=%s",
			stats.Found, stats.Dispatched, stats.Succeeded, stats.NotDue, stats.Failed, stats.Skipped, stats.Duration)
	}
	metrics.EarningsCycleDuration.Observe(stats.Duration.Seconds())

	p.mu.Lock()
	p.last = stats
	p.mu.Unlock()

	cp := *stats
	return &cp, err
}

func (p *Processor) runCycle(ctx context.Context, stats *CycleStats) error {
	if p.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.CycleTimeout)
		defer cancel()
	}

	stats.CooldownCleared = p.dispatcher.FailedSet().ClearExpired()

	wallets, err := p.lister.ListActiveWallets(ctx)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	stats.Found = len(wallets)
	if len(wallets) == 0 {
		return nil
	}

	report := p.dispatcher.Dispatch(ctx, wallets)
	stats.Dispatched = report.Dispatched()
	stats.Succeeded = report.Count(dispatch.KindSuccess)
	stats.NotDue = report.Count(dispatch.KindNotDue)
	stats.Failed = report.Count(dispatch.KindFailed)
	stats.Skipped = report.Count(dispatch.KindSkipped)
	stats.Transactions = report.Transactions
	stats.DueByLocalClock = report.DueByLocalClock

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("cycle timeout after %s: %w", p.opts.CycleTimeout, ctx.Err())
	}
	return ctx.Err()
}

// ProcessOne 手动处理单个玩家：真实失败最多重试到 SingleAttempts 次（间隔 1s、2s…），
// 未到期或预检跳过立即返回
func (p *Processor) ProcessOne(ctx context.Context, wallet types.Pubkey) dispatch.Outcome {
	var out dispatch.Outcome
	for attempt := 0; attempt < p.opts.SingleAttempts; attempt++ {
		if attempt > 0 {
			wait := p.opts.RetryBackoffBase << (attempt - 1)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return out
			case <-t.C:
			}
			p.dispatcher.FailedSet().Remove(wallet)
		}
		out = p.dispatcher.DispatchSingle(ctx, wallet)
		if out.Kind != dispatch.KindFailed {
			return out
		}
		logger.Warnf("[EarningsProcessor] 玩家 %s 第 %d 次处理失败: %s", wallet, attempt+1, out.Reason)
	}
	return out
}
