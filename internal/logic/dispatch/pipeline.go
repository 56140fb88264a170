package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"earnings-sync-sol/internal/consts"
	"earnings-sync-sol/internal/logic/codec"
	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/metrics"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/types"

	"github.com/lightningnetwork/lnd/clock"
)

// Validator 预检所需的 PDA 校验能力
type Validator interface {
	Validate(ctx context.Context, wallet types.Pubkey) pda.ValidationResult
	BatchValidate(ctx context.Context, wallets []types.Pubkey) []pda.ValidationResult
}

// SignatureSink 接收成功交易的签名，交给签名队列入库
type SignatureSink interface {
	EnqueueInternal(signature string, wallet types.Pubkey) bool
}

type Options struct {
	BatchEnabled     bool
	BatchSize        int
	TotalRate        int     // 网关总速率（req/s）
	ReservedFraction float64 // 分发占用的速率比例
	MaxRetries       int     // NotDue 重试次数，不超过 consts.NotDueMaxRetries
	RetryBackoffBase time.Duration
	Clock            clock.Clock
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = consts.DefaultEarningsBatchSize
	}
	if !o.BatchEnabled {
		o.BatchSize = 1
	}
	if o.TotalRate <= 0 {
		o.TotalRate = consts.DefaultRpcRateLimit
	}
	if o.ReservedFraction <= 0 || o.ReservedFraction > 1 {
		o.ReservedFraction = consts.DefaultReservedRpsFraction
	}
	if o.MaxRetries <= 0 || o.MaxRetries > consts.NotDueMaxRetries {
		o.MaxRetries = consts.NotDueMaxRetries
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.NewDefaultClock()
	}
}

// Pipeline 预检 → 打包 → 限速发送 → 分类 → NotDue 重试
type Pipeline struct {
	opts      Options
	interval  time.Duration
	validator Validator
	submitter Submitter
	failed    *FailedSet
	sink      SignatureSink
}

func NewPipeline(validator Validator, submitter Submitter, failed *FailedSet, sink SignatureSink, opts Options) *Pipeline {
	opts.normalize()
	return &Pipeline{
		opts:      opts,
		interval:  DispatchInterval(opts.TotalRate, opts.ReservedFraction),
		validator: validator,
		submitter: submitter,
		failed:    failed,
		sink:      sink,
	}
}

// DispatchInterval 1s / max(1, floor(totalRate * fraction))
func DispatchInterval(totalRate int, fraction float64) time.Duration {
	reserved := int(math.Floor(float64(totalRate) * fraction))
	if reserved < 1 {
		reserved = 1
	}
	return time.Second / time.Duration(reserved)
}

func (p *Pipeline) Interval() time.Duration {
	return p.interval
}

func (p *Pipeline) FailedSet() *FailedSet {
	return p.failed
}

// dispatchState 一次 Dispatch 内的可变状态
type dispatchState struct {
	order    []types.Pubkey
	outcomes map[types.Pubkey]*Outcome
	report   *Report
	pacer    *pacer
}

// Dispatch 对每个玩家给出唯一结果，玩家级问题全部转为 Outcome，不向上返回错误
func (p *Pipeline) Dispatch(ctx context.Context, wallets []types.Pubkey) *Report {
	order := dedup(wallets)
	st := &dispatchState{
		order:    order,
		outcomes: make(map[types.Pubkey]*Outcome, len(order)),
		report:   &Report{},
		pacer:    &pacer{interval: p.interval},
	}
	for _, w := range order {
		st.outcomes[w] = &Outcome{Wallet: w, Kind: KindSkipped}
	}

	eligible := p.preflight(ctx, order, st)
	p.phaseOne(ctx, eligible, st)
	p.retryPhase(ctx, st)

	st.report.Outcomes = make([]Outcome, 0, len(order))
	for _, w := range order {
		o := st.outcomes[w]
		metrics.DispatchOutcomesTotal.WithLabelValues(o.Kind.String()).Inc()
		st.report.Outcomes = append(st.report.Outcomes, *o)
	}
	return st.report
}

// DispatchSingle 手动单个玩家：预检 + 一次发送，不进入 NotDue 重试，也不受冷却名单限制
func (p *Pipeline) DispatchSingle(ctx context.Context, wallet types.Pubkey) Outcome {
	out := &Outcome{Wallet: wallet, Kind: KindSkipped}
	res := p.validator.Validate(ctx, wallet)
	switch {
	case res.Err != nil:
		out.Reason = "validation error: " + res.Err.Error()
	case !res.IsValid:
		out.Reason = "invalid player account"
	default:
		st := &dispatchState{
			order:    []types.Pubkey{wallet},
			outcomes: map[types.Pubkey]*Outcome{wallet: out},
			report:   &Report{},
			pacer:    &pacer{},
		}
		p.sendGroup(ctx, []types.Pubkey{wallet}, st)
	}
	metrics.DispatchOutcomesTotal.WithLabelValues(out.Kind.String()).Inc()
	return *out
}

func (p *Pipeline) preflight(ctx context.Context, order []types.Pubkey, st *dispatchState) []types.Pubkey {
	candidates := make([]types.Pubkey, 0, len(order))
	for _, w := range order {
		if p.failed.Contains(w) {
			st.outcomes[w].Reason = "cooldown"
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil
	}

	now := p.opts.Clock.Now()
	results := p.validator.BatchValidate(ctx, candidates)
	eligible := make([]types.Pubkey, 0, len(results))
	for _, res := range results {
		o := st.outcomes[res.Wallet]
		switch {
		case res.Err != nil:
			o.Reason = "validation error: " + res.Err.Error()
		case !res.IsValid:
			o.Reason = "invalid player account"
		default:
			if len(res.Data) > 0 && codec.Decode(res.Wallet, res.Address, res.Data, now).NeedsUpdate {
				st.report.DueByLocalClock++
			}
			eligible = append(eligible, res.Wallet)
		}
	}
	if skipped := len(order) - len(eligible); skipped > 0 {
		logger.Infof("[Dispatch] 预检跳过 %d/%d 个玩家", skipped, len(order))
	}
	return eligible
}

func (p *Pipeline) phaseOne(ctx context.Context, eligible []types.Pubkey, st *dispatchState) {
	for start := 0; start < len(eligible); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(eligible))
		if !p.sendGroup(ctx, eligible[start:end], st) {
			p.cancelRemaining(ctx, eligible[end:], st)
			return
		}
	}
}

func (p *Pipeline) retryPhase(ctx context.Context, st *dispatchState) {
	pending := st.pending(KindNotDue)
	if len(pending) == 0 || ctx.Err() != nil {
		return
	}
	st.report.Retried = len(pending)
	st.pacer.interval = p.interval * 2

	for attempt := 0; attempt < p.opts.MaxRetries && len(pending) > 0; attempt++ {
		wait := p.opts.RetryBackoffBase << attempt
		logger.Infof("[Dispatch] NotDue 重试 #%d: %d 个玩家，等待 %s", attempt+1, len(pending), wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return
		}
		for start := 0; start < len(pending); start += p.opts.BatchSize {
			end := min(start+p.opts.BatchSize, len(pending))
			if !p.sendGroup(ctx, pending[start:end], st) {
				return
			}
		}
		pending = st.pending(KindNotDue)
	}
	if len(pending) > 0 {
		logger.Infof("[Dispatch] %d 个玩家重试后仍未到期，留待下个周期", len(pending))
	}
}

// sendGroup 发送一组玩家；打包交易失败时定位出错指令并重发其余玩家，
// 无法定位时拆成单笔发送。返回 false 表示上下文已取消。
func (p *Pipeline) sendGroup(ctx context.Context, group []types.Pubkey, st *dispatchState) bool {
	queue := [][]types.Pubkey{append([]types.Pubkey(nil), group...)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if err := st.pacer.wait(ctx); err != nil {
			p.cancelRemaining(ctx, cur, st)
			for _, rest := range queue {
				p.cancelRemaining(ctx, rest, st)
			}
			return false
		}

		sig, err := p.submitter.Submit(ctx, cur)
		st.report.Transactions++
		metrics.DispatchTransactionsTotal.Inc()
		for _, w := range cur {
			st.outcomes[w].Attempts++
		}

		if err == nil {
			for _, w := range cur {
				st.succeed(w, sig)
			}
			if p.sink != nil {
				p.sink.EnqueueInternal(sig, cur[0])
			}
			continue
		}

		if ctx.Err() != nil {
			// 取消导致的失败不是玩家的问题，不进入冷却
			p.cancelRemaining(ctx, cur, st)
			for _, rest := range queue {
				p.cancelRemaining(ctx, rest, st)
			}
			return false
		}

		if len(cur) == 1 || !rpc.IsTransactionError(err) {
			for _, w := range cur {
				p.classify(w, err, st)
			}
			continue
		}

		if idx, ok := failingInstruction(err); ok && idx < len(cur) {
			p.classify(cur[idx], err, st)
			rest := make([]types.Pubkey, 0, len(cur)-1)
			rest = append(rest, cur[:idx]...)
			rest = append(rest, cur[idx+1:]...)
			if len(rest) > 0 {
				queue = append(queue, rest)
			}
			continue
		}

		logger.Warnf("[Dispatch] 无法定位打包交易的出错指令，拆分为单笔发送: %v", err)
		for _, w := range cur {
			queue = append(queue, []types.Pubkey{w})
		}
	}
	return true
}

func (p *Pipeline) classify(wallet types.Pubkey, err error, st *dispatchState) {
	o := st.outcomes[wallet]
	o.Signature = ""
	if isNotDue(err) {
		o.Kind = KindNotDue
		o.Reason = "earnings not due"
		return
	}
	o.Kind = KindFailed
	o.Reason = err.Error()
	p.failed.Add(wallet, o.Reason)
	logger.Warnf("[Dispatch] 玩家 %s 更新失败，进入冷却: %v", wallet, err)
}

func (p *Pipeline) cancelRemaining(ctx context.Context, wallets []types.Pubkey, st *dispatchState) {
	reason := "cancelled"
	if err := ctx.Err(); err != nil {
		reason = err.Error()
	}
	for _, w := range wallets {
		o := st.outcomes[w]
		if o.Kind == KindSuccess || o.Kind == KindFailed {
			continue
		}
		if o.Kind == KindNotDue {
			// 已确认未到期的保持 NotDue，留待下个周期
			continue
		}
		o.Kind = KindSkipped
		o.Reason = reason
	}
}

func (st *dispatchState) succeed(wallet types.Pubkey, sig string) {
	o := st.outcomes[wallet]
	o.Kind = KindSuccess
	o.Signature = sig
	o.Reason = ""
}

// pending 按入参顺序返回指定结果的玩家
func (st *dispatchState) pending(kind Kind) []types.Pubkey {
	var out []types.Pubkey
	for _, w := range st.order {
		if st.outcomes[w].Kind == kind {
			out = append(out, w)
		}
	}
	return out
}

// pacer 相邻两次发送之间至少间隔 interval
type pacer struct {
	interval time.Duration
	last     time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.last.IsZero() && p.interval > 0 {
		if d := p.interval - time.Since(p.last); d > 0 {
			if err := sleepCtx(ctx, d); err != nil {
				return err
			}
		}
	}
	p.last = time.Now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func dedup(wallets []types.Pubkey) []types.Pubkey {
	seen := make(map[types.Pubkey]struct{}, len(wallets))
	out := make([]types.Pubkey, 0, len(wallets))
	for _, w := range wallets {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func (r *Report) String() string {
	return fmt.Sprintf("tx=%d success=%d not_due=%d failed=%d skipped=%d",
		r.Transactions, r.Count(KindSuccess), r.Count(KindNotDue), r.Count(KindFailed), r.Count(KindSkipped))
}
