package progress

// SignatureStatus 签名处理状态在 Redis 中的编码
type SignatureStatus int

const (
	StatusUnknown    SignatureStatus = 0 // Redis 不存在
	StatusCompleted  SignatureStatus = 1 // 已处理成功
	StatusFailed     SignatureStatus = 2 // 处理失败，可重新入队
	StatusProcessing SignatureStatus = 3 // 处理中（进程崩溃时可能残留，过期后自然清除）
)

func (s SignatureStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Source 签名来源
type Source int16

const (
	SourceUnknown   Source = 0
	SourceDispatch  Source = 1 // 本服务发出的收益交易
	SourceExternal  Source = 2 // 外部提交（API）
	SourceGrpc      Source = 3 // Geyser 订阅
	SourceWebsocket Source = 4 // logsSubscribe 订阅
)

func (s Source) String() string {
	switch s {
	case SourceDispatch:
		return "dispatch"
	case SourceExternal:
		return "external"
	case SourceGrpc:
		return "grpc"
	case SourceWebsocket:
		return "websocket"
	default:
		return "unknown"
	}
}
