package sigqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/logic/handlers"
	"earnings-sync-sol/internal/logic/progress"
	"earnings-sync-sol/internal/logic/txadapter"
	"earnings-sync-sol/internal/metrics"
	"earnings-sync-sol/internal/notify"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/store"
	"earnings-sync-sol/internal/types"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
)

type Options struct {
	Capacity          int
	CompletedCapacity int
	DequeueWait       time.Duration
	ConfirmTimeout    time.Duration
	Clock             clock.Clock
}

func (o *Options) normalize() {
	if o.Capacity <= 0 {
		o.Capacity = 10000
	}
	if o.CompletedCapacity <= 0 {
		o.CompletedCapacity = 10000
	}
	if o.DequeueWait <= 0 {
		o.DequeueWait = time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 60 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.NewDefaultClock()
	}
}

// Processor 内存签名队列 + 单个后台 worker：
// 确认交易 → 拉取交易 → 解析事件 → 单事务内调用处理器 → 提交或整体回滚 → 通知
type Processor struct {
	opts     Options
	fetcher  Fetcher
	parser   EventExtractor
	registry *handlers.Registry
	store    store.Store
	sink     notify.Sink
	journal  StatusJournal // 可为 nil

	ch chan Request

	mu        sync.Mutex
	active    map[string]*Result // queued / processing
	completed *lru.Cache[string, Result]

	completedCount atomic.Uint64
	failedCount    atomic.Uint64
	rejectedCount  atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewProcessor(
	fetcher Fetcher,
	parser EventExtractor,
	registry *handlers.Registry,
	st store.Store,
	sink notify.Sink,
	journal StatusJournal,
	opts Options,
) (*Processor, error) {
	opts.normalize()
	completed, err := lru.New[string, Result](opts.CompletedCapacity)
	if err != nil {
		return nil, fmt.Errorf("sigqueue: init completed cache: %w", err)
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Processor{
		opts:      opts,
		fetcher:   fetcher,
		parser:    parser,
		registry:  registry,
		store:     st,
		sink:      sink,
		journal:   journal,
		ch:        make(chan Request, opts.Capacity),
		active:    make(map[string]*Result),
		completed: completed,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Enqueue 幂等入队：已在队列或处理中、或已成功完成的签名直接返回 true；
// 失败过的签名允许重新入队；队列已满返回 false
func (p *Processor) Enqueue(req Request) bool {
	if _, err := types.SignatureFromBase58(req.Signature); err != nil {
		logger.Warnf("[SigQueue] 拒绝非法签名 %q: %v", req.Signature, err)
		p.rejectedCount.Add(1)
		return false
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = p.opts.Clock.Now()
	}

	p.mu.Lock()
	if _, ok := p.active[req.Signature]; ok {
		p.mu.Unlock()
		return true
	}
	if prev, ok := p.completed.Peek(req.Signature); ok && prev.Status == StatusCompleted {
		p.mu.Unlock()
		return true
	}
	res := &Result{
		Signature:  req.Signature,
		Status:     StatusQueued,
		Wallet:     req.Wallet,
		Source:     req.Source.String(),
		Internal:   req.Internal,
		EnqueuedAt: req.EnqueuedAt,
	}
	select {
	case p.ch <- req:
		p.active[req.Signature] = res
		// 重新入队的失败签名只保留在 active 中
		p.completed.Remove(req.Signature)
	default:
		p.mu.Unlock()
		p.rejectedCount.Add(1)
		logger.Warnf("[SigQueue] %v，丢弃 %s", ErrQueueFull, req.Signature)
		return false
	}
	p.mu.Unlock()

	metrics.QueueDepth.Set(float64(len(p.ch)))
	if !req.Internal {
		p.sink.Notify(context.Background(), &notify.Notification{
			Signature: req.Signature,
			Status:    notify.StatusQueued,
			Wallet:    req.Wallet,
			Source:    req.Source.String(),
			At:        req.EnqueuedAt,
		})
	}
	return true
}

// EnqueueInternal 收益分发产生的签名
func (p *Processor) EnqueueInternal(signature string, wallet types.Pubkey) bool {
	return p.Enqueue(Request{
		Signature: signature,
		Wallet:    wallet,
		Internal:  true,
		Source:    progress.SourceDispatch,
	})
}

func (p *Processor) Status(signature string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.active[signature]; ok {
		return *r, true
	}
	if r, ok := p.completed.Get(signature); ok {
		return r, true
	}
	return Result{Signature: signature, Status: StatusUnknown}, false
}

func (p *Processor) Depth() int {
	return len(p.ch)
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	active, retained := len(p.active), p.completed.Len()
	p.mu.Unlock()
	return Stats{
		Depth:     len(p.ch),
		Active:    active,
		Retained:  retained,
		Completed: p.completedCount.Load(),
		Failed:    p.failedCount.Load(),
		Rejected:  p.rejectedCount.Load(),
	}
}

// Start 运行 worker 直到 Stop；一次只处理一个签名，保证同一玩家的写入不会并发
func (p *Processor) Start() {
	defer close(p.doneCh)
	logger.Infof("[SigQueue] worker 启动 capacity=%d", p.opts.Capacity)
	for {
		select {
		case <-p.stopCh:
			logger.Infof("[SigQueue] worker 退出，剩余 %d 个签名未处理", len(p.ch))
			return
		default:
		}
		req, ok := p.dequeue()
		if !ok {
			continue
		}
		p.process(req)
	}
}

// Stop 通知 worker 退出并等待；正在处理的签名会完成
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Processor) dequeue() (Request, bool) {
	timer := time.NewTimer(p.opts.DequeueWait)
	defer timer.Stop()
	select {
	case req := <-p.ch:
		metrics.QueueDepth.Set(float64(len(p.ch)))
		return req, true
	case <-timer.C:
		return Request{}, false
	case <-p.stopCh:
		return Request{}, false
	}
}

func (p *Processor) process(req Request) {
	ctx := context.Background()
	res := p.markProcessing(req)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[SigQueue] 处理 %s panic: %+v\nstack: %s", req.Signature, r, debug.Stack())
			res.Error = fmt.Sprintf("panic: %v", r)
			p.finish(ctx, req, res, StatusFailed, nil)
		}
	}()

	if p.journal != nil {
		st, err := p.journal.Get(ctx, req.Signature)
		if err != nil {
			logger.Warnf("[SigQueue] 读取签名状态失败 %s: %v", req.Signature, err)
		} else if st == progress.StatusCompleted {
			logger.Infof("[SigQueue] %s 已在之前处理完成，跳过", req.Signature)
			p.finishQuiet(res)
			return
		}
		if err := p.journal.Mark(ctx, req.Signature, progress.StatusProcessing); err != nil {
			logger.Warnf("[SigQueue] 标记处理中失败 %s: %v", req.Signature, err)
		}
	}

	tx := req.Tx
	if tx == nil {
		var err error
		if tx, err = p.fetch(ctx, req.Signature); err != nil {
			res.Error = err.Error()
			p.finish(ctx, req, res, StatusFailed, nil)
			return
		}
	}
	res.Slot = tx.Slot
	if tx.Failed {
		res.Error = fmt.Sprintf("transaction failed on-chain: %v", tx.Err)
		p.finish(ctx, req, res, StatusFailed, nil)
		return
	}

	events := p.parser.ExtractEvents(tx)
	res.Events = len(events)
	applied, err := p.apply(ctx, tx, events, res)
	if err != nil {
		res.Error = err.Error()
		p.finish(ctx, req, res, StatusFailed, nil)
		return
	}
	p.finish(ctx, req, res, StatusCompleted, applied)
}

func (p *Processor) fetch(ctx context.Context, signature string) (*core.AdaptedTx, error) {
	status, err := p.fetcher.ConfirmTransaction(ctx, signature, p.opts.ConfirmTimeout)
	if err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}
	if status != nil && status.Err != nil {
		return &core.AdaptedTx{Signature: signature, Slot: status.Slot, Failed: true, Err: status.Err}, nil
	}
	info, err := p.fetcher.GetTransaction(ctx, signature)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("transaction %s not found", signature)
	}
	return txadapter.AdaptRpcTx(info), nil
}

// apply 所有事件在同一事务内应用，任何处理器出错整体回滚
func (p *Processor) apply(ctx context.Context, tx *core.AdaptedTx, events []*core.Event, res *Result) ([]*core.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	sess, err := p.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	defer sess.Rollback(ctx)

	applied := make([]*core.Event, 0, len(events))
	for _, ev := range events {
		h, ok := p.registry.Lookup(ev.Type)
		if !ok {
			res.Unhandled++
			logger.Warnf("[SigQueue] 事件 %s 没有处理器，跳过 tx=%s", ev.Type, tx.Signature)
			continue
		}
		inserted, err := sess.RecordEvent(ctx, &store.EventRecord{
			Signature: tx.Signature,
			EventID:   ev.ID,
			Type:      string(ev.Type),
			Wallet:    ev.Wallet,
			Slot:      ev.Slot,
		})
		if err != nil {
			return nil, err
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		if err := callHandler(ctx, h, sess, ev); err != nil {
			return nil, fmt.Errorf("handle %s #%d: %w", ev.Type, ev.ID, err)
		}
		applied = append(applied, ev)
	}
	if err := sess.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	res.Applied = len(applied)
	for _, ev := range applied {
		metrics.EventsAppliedTotal.WithLabelValues(string(ev.Type)).Inc()
	}
	return applied, nil
}

func callHandler(ctx context.Context, h handlers.Handler, sess store.Session, ev *core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.Errorf("[SigQueue] handler panic %s: %+v\nstack: %s", ev.Type, r, debug.Stack())
		}
	}()
	return h(ctx, sess, ev)
}

func (p *Processor) markProcessing(req Request) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.active[req.Signature]
	if !ok {
		res = &Result{
			Signature:  req.Signature,
			Wallet:     req.Wallet,
			Source:     req.Source.String(),
			Internal:   req.Internal,
			EnqueuedAt: req.EnqueuedAt,
		}
		p.active[req.Signature] = res
	}
	res.Status = StatusProcessing
	cp := *res
	return &cp
}

// retire 从活动集合移到结果缓存
func (p *Processor) retire(res *Result) {
	p.mu.Lock()
	delete(p.active, res.Signature)
	p.completed.Add(res.Signature, *res)
	p.mu.Unlock()
}

// finishQuiet 外部记录已完成：只更新本地状态，不重复通知
func (p *Processor) finishQuiet(res *Result) {
	res.Status = StatusCompleted
	res.FinishedAt = p.opts.Clock.Now()
	p.retire(res)
	p.completedCount.Add(1)
	metrics.SignatureResultsTotal.WithLabelValues(string(StatusCompleted)).Inc()
}

func (p *Processor) finish(ctx context.Context, req Request, res *Result, status Status, applied []*core.Event) {
	res.Status = status
	res.FinishedAt = p.opts.Clock.Now()
	p.retire(res)
	metrics.SignatureResultsTotal.WithLabelValues(string(status)).Inc()

	journalStatus := progress.StatusCompleted
	n := &notify.Notification{
		Signature: req.Signature,
		Status:    notify.StatusCompleted,
		Wallet:    req.Wallet,
		Source:    req.Source.String(),
		Slot:      res.Slot,
		Events:    applied,
		At:        res.FinishedAt,
	}
	if n.Wallet.IsZero() && len(applied) > 0 {
		n.Wallet = applied[0].Wallet
	}
	if status == StatusFailed {
		p.failedCount.Add(1)
		journalStatus = progress.StatusFailed
		n.Status = notify.StatusFailed
		n.Error = res.Error
		logger.Warnf("[SigQueue] %s 处理失败: %s", req.Signature, res.Error)
	} else {
		p.completedCount.Add(1)
		logger.Debugf("[SigQueue] %s 完成 events=%d applied=%d", req.Signature, res.Events, res.Applied)
	}

	if p.journal != nil {
		if err := p.journal.Mark(ctx, req.Signature, journalStatus); err != nil {
			logger.Warnf("[SigQueue] 记录签名状态失败 %s: %v", req.Signature, err)
		}
	}
	if !req.Internal {
		p.sink.Notify(ctx, n)
	}
}
