package service

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"earnings-sync-sol/internal/logic/earnings"
	"earnings-sync-sol/internal/logic/reconcile"
	"earnings-sync-sol/internal/pkg/logger"

	"github.com/lightningnetwork/lnd/ticker"
)

// PeriodicService 按固定间隔执行任务，也可以随时手动触发；
// 任务在同一个 goroutine 中串行执行，上一轮未结束时到达的定时点被合并
type PeriodicService struct {
	name    string
	run     func(ctx context.Context) error
	ticker  ticker.Ticker // nil 表示只手动触发
	trigger chan struct{}
	runs    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPeriodicService(name string, t ticker.Ticker, run func(ctx context.Context) error) *PeriodicService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PeriodicService{
		name:    name,
		run:     run,
		ticker:  t,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// NewEarningsService 收益分发定时任务，interval 为 0 时只能手动触发
func NewEarningsService(p *earnings.Processor, interval time.Duration) *PeriodicService {
	return NewPeriodicService("EarningsService", newTicker(interval), func(ctx context.Context) error {
		_, err := p.RunCycle(ctx)
		return err
	})
}

// NewReconcileService 对账定时任务
func NewReconcileService(s *reconcile.Service, interval time.Duration) *PeriodicService {
	return NewPeriodicService("ReconcileService", newTicker(interval), func(ctx context.Context) error {
		_, err := s.Run(ctx)
		return err
	})
}

func newTicker(interval time.Duration) ticker.Ticker {
	if interval <= 0 {
		return nil
	}
	return ticker.New(interval)
}

func (s *PeriodicService) Start() {
	defer close(s.done)

	var ticks <-chan time.Time
	if s.ticker != nil {
		s.ticker.Resume()
		ticks = s.ticker.Ticks()
	}
	logger.Infof("[%s] 启动 scheduled=%t", s.name, s.ticker != nil)

	for {
		select {
		case <-s.ctx.Done():
			logger.Infof("[%s] 退出", s.name)
			return
		case <-ticks:
			s.runOnce("timer")
		case <-s.trigger:
			s.runOnce("manual")
		}
	}
}

func (s *PeriodicService) Stop() {
	s.cancel()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	<-s.done
}

// Trigger 请求立即执行一次；已有一次待执行的请求时返回 false
func (s *PeriodicService) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Runs 已执行的轮数
func (s *PeriodicService) Runs() uint64 {
	return s.runs.Load()
}

func (s *PeriodicService) runOnce(reason string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[%s] panic: %+v\nstack: %s", s.name, r, debug.Stack())
		}
		s.runs.Add(1)
	}()

	start := time.Now()
	err := s.run(s.ctx)
	switch {
	case err == nil:
		logger.Infof("[%s] %s 触发执行完成，耗时 %v", s.name, reason, time.Since(start))
	case errors.Is(err, earnings.ErrAlreadyRunning), errors.Is(err, reconcile.ErrAlreadyRunning):
		logger.Infof("[%s] 上一轮仍在运行，跳过本次 %s 触发", s.name, reason)
	default:
		// 失败只影响本轮，定时器继续
		logger.Warnf("[%s] %s 触发执行失败: %v", s.name, reason, err)
	}
}
