package notify

import (
	"context"

	"earnings-sync-sol/internal/pkg/logger"
)

// LogSink 只写日志，Kafka 未启用时使用
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n *Notification) {
	if n.Status == StatusFailed {
		logger.Warnf("[Notify] %s %s wallet=%s err=%s", n.Signature, n.Status, walletString(n), n.Error)
		return
	}
	logger.Infof("[Notify] %s %s wallet=%s slot=%d events=%d", n.Signature, n.Status, walletString(n), n.Slot, len(n.Events))
}

func walletString(n *Notification) string {
	if n.Wallet.IsZero() {
		return "-"
	}
	return n.Wallet.String()
}
