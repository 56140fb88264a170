package rpc

import (
	"context"
	"sync"
	"time"
)

const maxBackoffExponent = 6

// RequestStats 请求统计，只在进程重启时清零
type RequestStats struct {
	Total        uint64
	Success      uint64
	Failed       uint64
	TotalLatency time.Duration
	Errors       map[ErrorKind]uint64
}

func (s *RequestStats) record(latency time.Duration, kind ErrorKind) {
	s.Total++
	s.TotalLatency += latency
	if kind == ErrorKindNone {
		s.Success++
		return
	}
	s.Failed++
	if s.Errors == nil {
		s.Errors = make(map[ErrorKind]uint64)
	}
	s.Errors[kind]++
}

func (s RequestStats) clone() RequestStats {
	out := s
	if s.Errors != nil {
		out.Errors = make(map[ErrorKind]uint64, len(s.Errors))
		for k, v := range s.Errors {
			out.Errors[k] = v
		}
	}
	return out
}

// AvgLatency 平均耗时
func (s RequestStats) AvgLatency() time.Duration {
	if s.Total == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Total)
}

// Endpoint 一个 RPC 节点及其健康状态
type Endpoint struct {
	URL       string
	Priority  int // 越小越优先，主节点为 0
	RateLimit int // 静态每秒上限

	client   LedgerClient
	adaptive bool
	inflight chan struct{} // 在途请求上限（burst）

	mu                sync.Mutex
	currentRate       int
	consecutiveErrors int
	totalErrors       int
	successes         int
	lastErrorAt       time.Time
	window            slidingWindow
	stats             RequestStats
}

func newEndpoint(url string, priority int, client LedgerClient, rateLimit, burst int, adaptive bool) *Endpoint {
	if rateLimit < 1 {
		rateLimit = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Endpoint{
		URL:         url,
		Priority:    priority,
		RateLimit:   rateLimit,
		client:      client,
		adaptive:    adaptive,
		inflight:    make(chan struct{}, burst),
		currentRate: rateLimit,
	}
}

// backoffUntil 连续错误 n 次后的冷却截止时间：lastErrorAt + 2^min(n,6) 秒
func (e *Endpoint) backoffUntil() time.Time {
	if e.consecutiveErrors == 0 {
		return time.Time{}
	}
	exp := min(e.consecutiveErrors, maxBackoffExponent)
	return e.lastErrorAt.Add(time.Duration(1<<exp) * time.Second)
}

func (e *Endpoint) inBackoff(now time.Time) bool {
	until := e.backoffUntil()
	return !until.IsZero() && now.Before(until)
}

// successRate 未发生过请求的节点视为 1
func (e *Endpoint) successRate() float64 {
	total := e.successes + e.totalErrors
	if total == 0 {
		return 1
	}
	return float64(e.successes) / float64(total)
}

// acquire 等待在途名额与一秒滑动窗口名额，ctx 取消时返回错误
func (e *Endpoint) acquire(ctx context.Context) error {
	select {
	case e.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		e.mu.Lock()
		wait := e.window.reserve(time.Now(), e.currentRate)
		e.mu.Unlock()
		if wait == 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			<-e.inflight
			return err
		}
	}
}

func (e *Endpoint) release() {
	<-e.inflight
}

// recordResult 更新健康状态；交易执行错误说明节点正常应答，按成功处理
func (e *Endpoint) recordResult(now time.Time, latency time.Duration, kind ErrorKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.record(latency, kind)
	if kind == ErrorKindNone || kind == ErrorKindTransaction {
		e.successes++
		e.consecutiveErrors = 0
		if e.adaptive {
			e.currentRate = min(e.currentRate+1, e.RateLimit)
		}
		return e.currentRate
	}

	e.totalErrors++
	e.consecutiveErrors++
	e.lastErrorAt = now
	if e.adaptive {
		e.currentRate = max(e.currentRate-2, 1)
	}
	return e.currentRate
}

// EndpointHealth 节点状态快照（只读副本）
type EndpointHealth struct {
	URL               string       `json:"url"`
	Priority          int          `json:"priority"`
	RateLimit         int          `json:"rate_limit"`
	CurrentRate       int          `json:"current_rate"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	TotalErrors       int          `json:"total_errors"`
	Successes         int          `json:"successes"`
	SuccessRate       float64      `json:"success_rate"`
	LastErrorAt       time.Time    `json:"last_error_at"`
	InBackoff         bool         `json:"in_backoff"`
	BackoffUntil      time.Time    `json:"backoff_until"`
	WindowCount       int          `json:"window_count"`
	Stats             RequestStats `json:"stats"`
}

func (e *Endpoint) snapshot(now time.Time) EndpointHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointHealth{
		URL:               e.URL,
		Priority:          e.Priority,
		RateLimit:         e.RateLimit,
		CurrentRate:       e.currentRate,
		ConsecutiveErrors: e.consecutiveErrors,
		TotalErrors:       e.totalErrors,
		Successes:         e.successes,
		SuccessRate:       e.successRate(),
		LastErrorAt:       e.lastErrorAt,
		InBackoff:         e.inBackoff(now),
		BackoffUntil:      e.backoffUntil(),
		WindowCount:       e.window.count(time.Now()),
		Stats:             e.stats.clone(),
	}
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
