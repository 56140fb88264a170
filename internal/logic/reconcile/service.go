package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"earnings-sync-sol/internal/logic/codec"
	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/metrics"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/store"
	"earnings-sync-sol/internal/types"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	ErrAlreadyRunning = errors.New("reconcile: run already in progress")
	errAccountGone    = errors.New("account missing on refetch")
)

type Options struct {
	Timeout     time.Duration
	HistorySize int
	CommitBatch int // 每个事务包含的玩家数
	Clock       clock.Clock
}

func (o *Options) normalize() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 24
	}
	if o.CommitBatch <= 0 {
		o.CommitBatch = 50
	}
	if o.Clock == nil {
		o.Clock = clock.NewDefaultClock()
	}
}

// Service 对账：删除链上已不存在的玩家，按链上账户修正经营槽位
type Service struct {
	store     store.Store
	validator Validator
	fetcher   AccountFetcher
	opts      Options

	running atomic.Bool

	mu      sync.RWMutex
	history []SessionReport // 旧 -> 新
}

func NewService(st store.Store, validator Validator, fetcher AccountFetcher, opts Options) *Service {
	opts.normalize()
	return &Service{
		store:     st,
		validator: validator,
		fetcher:   fetcher,
		opts:      opts,
	}
}

func (s *Service) Running() bool {
	return s.running.Load()
}

// LastReport 最近一次对账报告
func (s *Service) LastReport() (SessionReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return SessionReport{}, false
	}
	return s.history[len(s.history)-1], true
}

// History 最近的对账报告，新的在后
func (s *Service) History() []SessionReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionReport, len(s.history))
	copy(out, s.history)
	return out
}

// Run 执行一轮对账。运行中再次调用返回 ErrAlreadyRunning；
// 运行出错时报告 Success=false 并记录错误，同时返回该错误。
func (s *Service) Run(ctx context.Context) (*SessionReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	report := &SessionReport{
		ID:        uuid.NewString(),
		StartedAt: s.opts.Clock.Now(),
	}
	logger.Infof("[Reconcile] 开始对账 session=%s", report.ID)

	err := s.run(ctx, report)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("reconciliation exceeded %s: %w", s.opts.Timeout, err)
	}

	report.FinishedAt = s.opts.Clock.Now()
	report.Success = err == nil
	if err != nil {
		report.Error = err.Error()
		logger.Errorf("[Reconcile] 对账失败 session=%s: %v", report.ID, err)
	} else {
		logger.Infof("[Reconcile] 对账完成 session=%s checked=%d removed=%d synced=%d failed=%d unverified=%d discrepancies=%d 耗时=%s",
			report.ID, report.Checked, report.Removed, report.Synced, report.Failed, report.Unverified, report.Discrepancies, report.Duration())
	}
	metrics.ReconcileDuration.Observe(report.Duration().Seconds())
	s.remember(*report)
	return report, err
}

func (s *Service) run(ctx context.Context, report *SessionReport) error {
	// 每轮都以链上最新状态为准
	s.validator.ClearCache()

	wallets, err := s.store.ListActiveWallets(ctx)
	if err != nil {
		return fmt.Errorf("list active wallets: %w", err)
	}
	if len(wallets) == 0 {
		return nil
	}

	results := s.validator.BatchValidate(ctx, wallets)
	report.Checked = len(results)

	var invalid, valid []pda.ValidationResult
	var lastErr error
	for _, res := range results {
		switch {
		case res.Err != nil:
			report.Unverified++
			lastErr = res.Err
		case res.IsValid:
			valid = append(valid, res)
		default:
			invalid = append(invalid, res)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if report.Unverified == len(results) {
		return fmt.Errorf("validation failed for all %d players: %w", len(results), lastErr)
	}
	if report.Unverified > 0 {
		logger.Warnf("[Reconcile] %d 个玩家校验读取失败，本轮跳过", report.Unverified)
	}

	for _, res := range invalid {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.removePlayer(ctx, report, res)
	}

	for start := 0; start < len(valid); start += s.opts.CommitBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+s.opts.CommitBatch, len(valid))
		if err := s.syncBatch(ctx, report, valid[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// removePlayer 删除经营槽位与玩家，一个玩家一个事务
func (s *Service) removePlayer(ctx context.Context, report *SessionReport, res pda.ValidationResult) {
	reason := "pda does not exist"
	if res.Exists {
		reason = fmt.Sprintf("pda owned by %s", res.Owner)
	}

	err := func() error {
		sess, err := s.store.Begin(ctx)
		if err != nil {
			return err
		}
		defer sess.Rollback(ctx)
		if _, err := sess.DeleteBusinesses(ctx, res.Wallet); err != nil {
			return err
		}
		if _, err := sess.DeletePlayer(ctx, res.Wallet); err != nil {
			return err
		}
		return sess.Commit(ctx)
	}()
	if err != nil {
		logger.Errorf("[Reconcile] 删除玩家失败 wallet=%s: %v", res.Wallet, err)
		report.Failed++
		s.record(report, s.op(OpPlayerSyncFailed, res.Wallet, noSlot, "remove: "+err.Error()))
		return
	}
	logger.Infof("[Reconcile] 删除无效玩家 wallet=%s pda=%s: %s", res.Wallet, res.Address, reason)
	report.Removed++
	s.record(report, s.op(OpPlayerRemoved, res.Wallet, noSlot, reason))
}

// syncBatch 一批玩家共用一个事务，每个玩家一个保存点，单个玩家失败不影响同批其它玩家
func (s *Service) syncBatch(ctx context.Context, report *SessionReport, batch []pda.ValidationResult) error {
	addrs := make([]types.Pubkey, len(batch))
	for i, res := range batch {
		addrs[i] = res.Address
	}
	infos, err := s.fetcher.GetMultipleAccounts(ctx, addrs)
	if err == nil && len(infos) != len(batch) {
		err = fmt.Errorf("getMultipleAccounts returned %d accounts for %d addresses", len(infos), len(batch))
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnf("[Reconcile] 拉取 %d 个玩家账户失败，本批跳过: %v", len(batch), err)
		for _, res := range batch {
			report.Failed++
			s.record(report, s.op(OpPlayerSyncFailed, res.Wallet, noSlot, "fetch: "+err.Error()))
		}
		return nil
	}

	sess, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	defer sess.Rollback(ctx)

	now := s.opts.Clock.Now()
	var pending []SyncOperation
	var failed []SyncOperation
	synced := 0
	for i, res := range batch {
		var ops []SyncOperation
		err := sess.Savepoint(ctx, func(sp store.Session) error {
			var err error
			ops, err = s.syncPlayer(ctx, sp, res.Wallet, res.Address, infos[i], now)
			return err
		})
		if err != nil {
			logger.Warnf("[Reconcile] 同步玩家失败 wallet=%s: %v", res.Wallet, err)
			failed = append(failed, s.op(OpPlayerSyncFailed, res.Wallet, noSlot, err.Error()))
			continue
		}
		synced++
		pending = append(pending, ops...)
	}

	if err := sess.Commit(ctx); err != nil {
		logger.Errorf("[Reconcile] 提交失败，本批 %d 个玩家全部回滚: %v", len(batch), err)
		for _, res := range batch {
			report.Failed++
			s.record(report, s.op(OpPlayerSyncFailed, res.Wallet, noSlot, "commit: "+err.Error()))
		}
		return nil
	}

	report.Synced += synced
	report.Failed += len(failed)
	for _, op := range pending {
		s.record(report, op)
	}
	for _, op := range failed {
		s.record(report, op)
	}
	return nil
}

// syncPlayer 按链上账户修正镜像：槽位增删改，玩家标量字段以链上为准；
// 汇总投资额与槽位之和不一致只记录，不修正
func (s *Service) syncPlayer(ctx context.Context, sess store.Session, wallet, address types.Pubkey, info rpc.AccountInfo, now time.Time) ([]SyncOperation, error) {
	if !info.Exists {
		return nil, errAccountGone
	}
	acc, err := codec.DecodeStrict(wallet, address, info.Data, now)
	if err != nil {
		return nil, err
	}

	player, err := sess.GetPlayer(ctx, wallet)
	if err != nil {
		return nil, err
	}
	mirroredBefore := player != nil
	if player == nil {
		player = &store.Player{Wallet: wallet, IsActive: true}
	}

	mirrored, err := sess.ListBusinesses(ctx, wallet)
	if err != nil {
		return nil, err
	}
	bySlot := make(map[uint8]*store.Business, len(mirrored))
	for _, b := range mirrored {
		bySlot[b.SlotIndex] = b
	}

	var ops []SyncOperation
	activeCount := 0
	for _, lb := range acc.Businesses {
		if lb.IsActive {
			activeCount++
		}
		want := ledgerBusiness(wallet, lb)
		have, ok := bySlot[lb.SlotIndex]
		delete(bySlot, lb.SlotIndex)
		switch {
		case !ok:
			if err := sess.UpsertBusiness(ctx, want); err != nil {
				return nil, err
			}
			ops = append(ops, s.op(OpBusinessAdded, wallet, int(lb.SlotIndex), fmt.Sprintf("type=%d level=%d invested=%d", lb.BusinessType, lb.Level, lb.TotalInvested)))
		case businessChanged(have, want):
			detail := diffDetail(have, want)
			if err := sess.UpsertBusiness(ctx, want); err != nil {
				return nil, err
			}
			ops = append(ops, s.op(OpBusinessUpdated, wallet, int(lb.SlotIndex), detail))
		}
	}
	for slot := range bySlot {
		if _, err := sess.DeleteBusiness(ctx, wallet, slot); err != nil {
			return nil, err
		}
		ops = append(ops, s.op(OpBusinessRemoved, wallet, int(slot), "slot empty on-chain"))
	}

	if mirroredBefore {
		if detail := totalsDiff(player, &acc); detail != "" {
			logger.Warnf("[Reconcile] 镜像累计字段与链上不一致，按链上刷新 wallet=%s %s", wallet, detail)
			ops = append(ops, s.op(OpPlayerTotalsUpdated, wallet, noSlot, detail))
		}
	}

	player.Address = address
	player.TotalInvested = acc.TotalInvested
	player.TotalUpgradeSpent = acc.TotalUpgradeSpent
	player.TotalEarned = acc.TotalEarned
	player.TotalWithdrawn = acc.TotalWithdrawn
	player.PendingEarnings = acc.PendingEarnings
	player.NextEarningsTime = acc.NextEarningsTime
	player.LastUpdateTime = acc.LastUpdateTime
	player.BusinessCount = activeCount
	player.IsActive = true
	if err := sess.UpsertPlayer(ctx, player); err != nil {
		return nil, err
	}

	if sum := acc.SumBusinessInvested(); sum != acc.TotalInvested {
		logger.Warnf("[Reconcile] 投资额不一致 wallet=%s total_invested=%d businesses=%d", wallet, acc.TotalInvested, sum)
		ops = append(ops, s.op(OpPortfolioDiscrepancy, wallet, noSlot, fmt.Sprintf("total_invested=%d sum_businesses=%d", acc.TotalInvested, sum)))
	}
	return ops, nil
}

// totalsDiff 列出镜像与链上不一致的累计字段，一致时返回空串
func totalsDiff(p *store.Player, acc *codec.PlayerAccount) string {
	fields := []struct {
		name       string
		have, want int64
	}{
		{"total_invested", p.TotalInvested, acc.TotalInvested},
		{"total_upgrade_spent", p.TotalUpgradeSpent, acc.TotalUpgradeSpent},
		{"total_earned", p.TotalEarned, acc.TotalEarned},
		{"total_withdrawn", p.TotalWithdrawn, acc.TotalWithdrawn},
	}
	var parts []string
	for _, f := range fields {
		if f.have != f.want {
			parts = append(parts, fmt.Sprintf("%s %d->%d", f.name, f.have, f.want))
		}
	}
	return strings.Join(parts, " ")
}

func ledgerBusiness(wallet types.Pubkey, b codec.Business) *store.Business {
	return &store.Business{
		Wallet:        wallet,
		SlotIndex:     b.SlotIndex,
		BusinessType:  b.BusinessType,
		Level:         b.Level,
		IsActive:      b.IsActive,
		TotalInvested: b.TotalInvested,
		EarningsRate:  b.EarningsRate,
		Accumulated:   b.Accumulated,
		CreatedAt:     b.CreatedAt,
		LastClaimAt:   b.LastClaimAt,
	}
}

func businessChanged(have, want *store.Business) bool {
	return have.BusinessType != want.BusinessType ||
		have.Level != want.Level ||
		have.IsActive != want.IsActive ||
		have.TotalInvested != want.TotalInvested ||
		have.EarningsRate != want.EarningsRate ||
		have.Accumulated != want.Accumulated
}

func diffDetail(have, want *store.Business) string {
	return fmt.Sprintf("level %d->%d invested %d->%d rate %d->%d active %t->%t",
		have.Level, want.Level, have.TotalInvested, want.TotalInvested,
		have.EarningsRate, want.EarningsRate, have.IsActive, want.IsActive)
}

func (s *Service) op(t OpType, wallet types.Pubkey, slot int, detail string) SyncOperation {
	return SyncOperation{Type: t, Wallet: wallet, SlotIndex: slot, Detail: detail, At: s.opts.Clock.Now()}
}

func (s *Service) record(report *SessionReport, op SyncOperation) {
	report.Operations = append(report.Operations, op)
	if op.Type == OpPortfolioDiscrepancy {
		report.Discrepancies++
	}
	metrics.ReconcileOperationsTotal.WithLabelValues(string(op.Type)).Inc()
}

func (s *Service) remember(report SessionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, report)
	if over := len(s.history) - s.opts.HistorySize; over > 0 {
		s.history = append([]SessionReport(nil), s.history[over:]...)
	}
}
