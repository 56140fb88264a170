package rpc

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNoEndpoints      = errors.New("rpc: no endpoints configured")
	ErrRetriesExhausted = errors.New("rpc: retries exhausted")
	ErrConfirmTimeout   = errors.New("rpc: transaction confirmation timeout")
)

// ErrorKind RPC 错误分类，用于退避策略与统计
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindRateLimit   ErrorKind = "rate_limit"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindNetwork     ErrorKind = "network"
	ErrorKindTransaction ErrorKind = "transaction" // 预执行失败 / 程序错误，结果确定，不重试
	ErrorKindOther       ErrorKind = "other"
)

var (
	rateLimitPatterns = []string{"429", "too many requests", "rate limit", "rate-limit"}
	timeoutPatterns   = []string{"timeout", "timed out", "deadline exceeded"}
	networkPatterns   = []string{
		"connection refused", "connection reset", "broken pipe", "no such host",
		"eof", "502", "503", "504", "bad gateway", "service unavailable",
	}
	transactionPatterns = []string{
		"transaction simulation failed", "custom program error", "instruction error", "instructionerror",
		"error processing instruction", "-32002",
	}
)

// ClassifyError 按错误文本归类
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, transactionPatterns):
		return ErrorKindTransaction
	case containsAny(msg, rateLimitPatterns):
		return ErrorKindRateLimit
	case containsAny(msg, timeoutPatterns):
		return ErrorKindTimeout
	case containsAny(msg, networkPatterns):
		return ErrorKindNetwork
	default:
		return ErrorKindOther
	}
}

// IsTransactionError 是否为确定性的交易执行错误
func IsTransactionError(err error) bool {
	return ClassifyError(err) == ErrorKindTransaction
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
