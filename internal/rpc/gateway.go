package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"earnings-sync-sol/internal/consts"
	"earnings-sync-sol/internal/metrics"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/types"

	soltypes "github.com/blocto/solana-go-sdk/types"
	"github.com/lightningnetwork/lnd/clock"
)

// Options 网关参数
type Options struct {
	RateLimit         int           // 单端点每秒上限
	BurstLimit        int           // 单端点在途上限
	Timeout           time.Duration // 单次请求超时
	MaxRetries        int           // 单次调用最大尝试次数
	Adaptive          bool          // 是否启用自适应限流
	BatchSizeAccounts int           // getMultipleAccounts 分批大小

	// RetryUnit 重试等待的时间单位，默认 1s；限流错误等待 2^attempt 个单位，其它错误 attempt+1 个单位
	RetryUnit time.Duration
	// ConfirmPollInterval 确认交易时的轮询间隔
	ConfirmPollInterval time.Duration
	// Clock 用于节点冷却计算
	Clock clock.Clock
}

func (o *Options) normalize() {
	if o.RateLimit <= 0 {
		o.RateLimit = consts.DefaultRpcRateLimit
	}
	if o.BurstLimit <= 0 {
		o.BurstLimit = consts.DefaultRpcBurstLimit
	}
	if o.Timeout <= 0 {
		o.Timeout = consts.DefaultRpcTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = consts.DefaultRpcMaxRetries
	}
	if o.BatchSizeAccounts <= 0 || o.BatchSizeAccounts > consts.MaxGetMultipleAccountsBatch {
		o.BatchSizeAccounts = consts.DefaultBatchSizeAccounts
	}
	if o.RetryUnit <= 0 {
		o.RetryUnit = time.Second
	}
	if o.ConfirmPollInterval <= 0 {
		o.ConfirmPollInterval = 500 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.NewDefaultClock()
	}
}

// Target 一个端点地址及其客户端
type Target struct {
	URL    string
	Client LedgerClient
}

// Gateway 多端点 RPC 网关：选路、限流、自适应降速、重试与统计
type Gateway struct {
	opts      Options
	endpoints []*Endpoint

	statsMu sync.Mutex
	global  RequestStats
}

// New 按顺序创建端点，第一个为主节点
func New(targets []Target, opts Options) (*Gateway, error) {
	if len(targets) == 0 {
		return nil, ErrNoEndpoints
	}
	opts.normalize()

	g := &Gateway{opts: opts}
	for i, t := range targets {
		if t.Client == nil {
			return nil, fmt.Errorf("rpc: nil client for %s", t.URL)
		}
		ep := newEndpoint(t.URL, i, t.Client, opts.RateLimit, opts.BurstLimit, opts.Adaptive)
		g.endpoints = append(g.endpoints, ep)
		metrics.RpcAdaptiveRate.WithLabelValues(t.URL).Set(float64(ep.currentRate))
	}
	return g, nil
}

// NewSolana 使用 solana-go-sdk 为每个地址创建客户端
func NewSolana(urls []string, opts Options) (*Gateway, error) {
	targets := make([]Target, 0, len(urls))
	for _, u := range urls {
		targets = append(targets, Target{URL: u, Client: NewSolanaClient(u)})
	}
	return New(targets, opts)
}

// TotalRate 所有端点静态上限之和
func (g *Gateway) TotalRate() int {
	total := 0
	for _, ep := range g.endpoints {
		total += ep.RateLimit
	}
	return total
}

// BatchSizeAccounts getMultipleAccounts 分批大小
func (g *Gateway) BatchSizeAccounts() int {
	return g.opts.BatchSizeAccounts
}

// selectEndpoint 排除冷却中的节点后按成功率、优先级、错误数排序；
// 全部冷却时选最早结束冷却的节点，请求不会因无可用节点被丢弃
func (g *Gateway) selectEndpoint() *Endpoint {
	now := g.opts.Clock.Now()

	type candidate struct {
		ep          *Endpoint
		successRate float64
		totalErrors int
		until       time.Time
		backoff     bool
	}
	cands := make([]candidate, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		ep.mu.Lock()
		cands = append(cands, candidate{
			ep:          ep,
			successRate: ep.successRate(),
			totalErrors: ep.totalErrors,
			until:       ep.backoffUntil(),
			backoff:     ep.inBackoff(now),
		})
		ep.mu.Unlock()
	}

	available := cands[:0:0]
	for _, c := range cands {
		if !c.backoff {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].until.Before(cands[j].until) })
		return cands[0].ep
	}

	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if a.successRate != b.successRate {
			return a.successRate > b.successRate
		}
		if a.ep.Priority != b.ep.Priority {
			return a.ep.Priority < b.ep.Priority
		}
		return a.totalErrors < b.totalErrors
	})
	return available[0].ep
}

// retryWait 限流错误等待 2^attempt 个单位，其它错误等待 attempt+1 个单位
func (g *Gateway) retryWait(attempt int, kind ErrorKind) time.Duration {
	if kind == ErrorKindRateLimit {
		return time.Duration(1<<min(attempt, 10)) * g.opts.RetryUnit
	}
	return time.Duration(attempt+1) * g.opts.RetryUnit
}

func (g *Gateway) record(ep *Endpoint, method string, latency time.Duration, kind ErrorKind) {
	rate := ep.recordResult(g.opts.Clock.Now(), latency, kind)

	g.statsMu.Lock()
	g.global.record(latency, kind)
	g.statsMu.Unlock()

	result := "ok"
	if kind != ErrorKindNone {
		result = string(kind)
	}
	metrics.RpcRequestsTotal.WithLabelValues(ep.URL, method, result).Inc()
	metrics.RpcRequestDuration.WithLabelValues(ep.URL, method).Observe(latency.Seconds())
	metrics.RpcAdaptiveRate.WithLabelValues(ep.URL).Set(float64(rate))
}

// call 选路 → 限流等待 → 单次超时 → 记录结果 → 按错误类型退避重试
func call[T any](ctx context.Context, g *Gateway, method string, fn func(context.Context, LedgerClient) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < g.opts.MaxRetries; attempt++ {
		ep := g.selectEndpoint()
		if err := ep.acquire(ctx); err != nil {
			return zero, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		start := time.Now()
		res, err := fn(reqCtx, ep.client)
		latency := time.Since(start)
		cancel()
		ep.release()

		kind := ClassifyError(err)
		g.record(ep, method, latency, kind)
		if err == nil {
			return res, nil
		}
		if kind == ErrorKindTransaction {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastErr = fmt.Errorf("%s via %s: %w", method, ep.URL, err)
		logger.Warnf("[RpcGateway] %s 第 %d/%d 次失败 (%s): %v", method, attempt+1, g.opts.MaxRetries, kind, err)

		if attempt+1 < g.opts.MaxRetries {
			if err := sleepCtx(ctx, g.retryWait(attempt, kind)); err != nil {
				return zero, err
			}
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, g.opts.MaxRetries, lastErr)
}

func (g *Gateway) GetAccountInfo(ctx context.Context, address types.Pubkey) (AccountInfo, error) {
	addr := address.String()
	info, err := call(ctx, g, "getAccountInfo", func(ctx context.Context, c LedgerClient) (AccountInfo, error) {
		return c.GetAccountInfo(ctx, addr)
	})
	if err != nil {
		return AccountInfo{}, err
	}
	info.Address = address
	return info, nil
}

// GetMultipleAccounts 按 BatchSizeAccounts 分批读取，结果与入参顺序一一对应
func (g *Gateway) GetMultipleAccounts(ctx context.Context, addresses []types.Pubkey) ([]AccountInfo, error) {
	out := make([]AccountInfo, 0, len(addresses))
	for start := 0; start < len(addresses); start += g.opts.BatchSizeAccounts {
		end := min(start+g.opts.BatchSizeAccounts, len(addresses))
		chunk := types.PubkeyStrings(addresses[start:end])

		infos, err := call(ctx, g, "getMultipleAccounts", func(ctx context.Context, c LedgerClient) ([]AccountInfo, error) {
			return c.GetMultipleAccounts(ctx, chunk)
		})
		if err != nil {
			return nil, err
		}
		if len(infos) != len(chunk) {
			return nil, fmt.Errorf("getMultipleAccounts: got %d accounts, want %d", len(infos), len(chunk))
		}
		for i := range infos {
			infos[i].Address = addresses[start+i]
		}
		out = append(out, infos...)
	}
	return out, nil
}

func (g *Gateway) GetSlot(ctx context.Context) (uint64, error) {
	return call(ctx, g, "getSlot", func(ctx context.Context, c LedgerClient) (uint64, error) {
		return c.GetSlot(ctx)
	})
}

func (g *Gateway) GetLatestBlockhash(ctx context.Context) (string, error) {
	return call(ctx, g, "getLatestBlockhash", func(ctx context.Context, c LedgerClient) (string, error) {
		return c.GetLatestBlockhash(ctx)
	})
}

// SendTransaction 预执行失败等确定性错误直接返回，不重试
func (g *Gateway) SendTransaction(ctx context.Context, tx soltypes.Transaction) (string, error) {
	return call(ctx, g, "sendTransaction", func(ctx context.Context, c LedgerClient) (string, error) {
		return c.SendTransaction(ctx, tx)
	})
}

func (g *Gateway) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	return call(ctx, g, "getSignatureStatuses", func(ctx context.Context, c LedgerClient) (*SignatureStatus, error) {
		return c.GetSignatureStatus(ctx, signature)
	})
}

// ConfirmTransaction 轮询签名状态直到 confirmed/finalized 或超时
func (g *Gateway) ConfirmTransaction(ctx context.Context, signature string, timeout time.Duration) (*SignatureStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		status, err := g.GetSignatureStatus(ctx, signature)
		if err != nil && ctx.Err() == nil {
			logger.Warnf("[RpcGateway] 查询签名状态失败 sig=%s: %v", signature, err)
		}
		if status.Confirmed() {
			return status, nil
		}
		if err := sleepCtx(ctx, g.opts.ConfirmPollInterval); err != nil {
			return status, fmt.Errorf("%w: %s", ErrConfirmTimeout, signature)
		}
	}
}

// GetTransaction 交易不存在时返回 nil, nil
func (g *Gateway) GetTransaction(ctx context.Context, signature string) (*TransactionInfo, error) {
	return call(ctx, g, "getTransaction", func(ctx context.Context, c LedgerClient) (*TransactionInfo, error) {
		return c.GetTransaction(ctx, signature)
	})
}

// Snapshot 节点健康与全局统计的只读副本
func (g *Gateway) Snapshot() ([]EndpointHealth, RequestStats) {
	now := g.opts.Clock.Now()
	out := make([]EndpointHealth, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		out = append(out, ep.snapshot(now))
	}
	g.statsMu.Lock()
	global := g.global.clone()
	g.statsMu.Unlock()
	return out, global
}
