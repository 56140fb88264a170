package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "earnings_sync"

var (
	// RPC 网关
	RpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC requests by endpoint, method and result",
		},
		[]string{"endpoint", "method", "result"},
	)

	RpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "RPC request latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint", "method"},
	)

	RpcAdaptiveRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_adaptive_rate",
			Help:      "Current adaptive requests-per-second ceiling per endpoint",
		},
		[]string{"endpoint"},
	)

	// 账户解码
	DecodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_failures_total",
		Help:      "Player account payloads that could not be decoded",
	})

	DecodeClampedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_clamped_total",
		Help:      "u64 amounts clamped to the signed 64-bit range",
	})

	// 收益分发
	DispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "update_earnings outcomes by kind",
		},
		[]string{"kind"},
	)

	DispatchTransactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_transactions_total",
		Help:      "Transactions submitted by the dispatch pipeline",
	})

	EarningsCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "earnings_cycle_duration_seconds",
		Help:      "Earnings cycle wall-clock duration",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// 签名队列
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "signature_queue_depth",
		Help:      "Signatures waiting in the processing queue",
	})

	SignatureResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_results_total",
			Help:      "Processed signatures by terminal status",
		},
		[]string{"status"},
	)

	EventsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Program events applied to the mirror by type",
		},
		[]string{"type"},
	)

	// 对账
	ReconcileOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_operations_total",
			Help:      "Reconciliation sync operations by type",
		},
		[]string{"type"},
	)

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Reconciliation run duration",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// 通知
	NotificationsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Status notifications dropped because the buffer was full or delivery failed",
	})
)
