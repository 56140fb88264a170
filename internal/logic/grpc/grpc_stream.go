package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"earnings-sync-sol/internal/config"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/types"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// GrpcStreamManager 订阅 Geyser 中涉及游戏合约的交易，断线自动重连
type GrpcStreamManager struct {
	mu                sync.Mutex
	conn              *grpc.ClientConn
	client            pb.GeyserClient
	stream            pb.Geyser_SubscribeClient
	stopped           bool
	reconnectAttempts int
	reconnectInterval time.Duration
	xToken            string
	programID         string
	pingInterval      time.Duration
	sendTimeout       time.Duration
	idleTimeout       time.Duration // 长时间没有交易推送则重连
	txChan            chan<- *pb.SubscribeUpdateTransaction
	connCtx           context.Context
	connCancel        context.CancelFunc
}

func NewGrpcStreamManager(conf config.GrpcConfig, programID types.Pubkey, txChan chan<- *pb.SubscribeUpdateTransaction) (*GrpcStreamManager, error) {
	dialCtx, cancel := context.WithTimeout(context.Background(), secondsOr(conf.ConnectTimeoutSec, 10))
	defer cancel()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                secondsOr(conf.KeepalivePingIntervalSec, 10),
			Timeout:             secondsOr(conf.KeepalivePingTimeoutSec, 5),
			PermitWithoutStream: true,
		}),
	}
	if conf.MaxCallRecvMsgSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(conf.MaxCallRecvMsgSize)))
	}
	conn, err := grpc.DialContext(dialCtx, conf.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect geyser %s: %w", conf.Endpoint, err)
	}

	return &GrpcStreamManager{
		conn:              conn,
		client:            pb.NewGeyserClient(conn),
		reconnectInterval: secondsOr(conf.ReconnectIntervalSec, 2),
		xToken:            conf.XToken,
		programID:         programID.String(),
		pingInterval:      secondsOr(conf.StreamPingIntervalSec, 10),
		sendTimeout:       secondsOr(conf.SendTimeoutSec, 5),
		idleTimeout:       secondsOr(conf.IdleTimeoutSec, 300),
		txChan:            txChan,
	}, nil
}

func (m *GrpcStreamManager) Start() {
	m.mustConnect()
}

func (m *GrpcStreamManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
}

// mustConnect 循环直到连接成功或已停止
func (m *GrpcStreamManager) mustConnect() {
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		attempts := m.reconnectAttempts
		m.mu.Unlock()

		if attempts > 0 {
			wait := m.reconnectInterval
			if attempts > 3 {
				wait *= 2
			}
			time.Sleep(wait)
		}
		logger.Infof("[GrpcStream] 连接中，第 %d 次尝试", attempts+1)
		m.mu.Lock()
		m.reconnectAttempts++
		m.mu.Unlock()
		err := m.connect()
		if err == nil {
			return
		}
		logger.Warnf("[GrpcStream] 连接失败，稍后重试: %v", err)
	}
}

// buildSubscribeRequest 只订阅涉及本程序的成功交易；失败交易不产生事件
func buildSubscribeRequest(programID string) *pb.SubscribeRequest {
	commitment := pb.CommitmentLevel_CONFIRMED
	return &pb.SubscribeRequest{
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			"program": {
				Vote:           boolPtr(false),
				Failed:         boolPtr(false),
				AccountInclude: []string{programID},
			},
		},
		Commitment: &commitment,
	}
}

// connect 只尝试一次
func (m *GrpcStreamManager) connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("manager is stopped")
	}

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.connCtx, m.connCancel = context.WithCancel(context.Background())

	metaCtx := metadata.NewOutgoingContext(m.connCtx, metadata.New(map[string]string{"x-token": m.xToken}))
	stream, err := m.client.Subscribe(metaCtx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := sendWithTimeout(m.connCtx, stream.Send, buildSubscribeRequest(m.programID), m.sendTimeout); err != nil {
		return fmt.Errorf("send subscribe request: %w", err)
	}

	m.stream = stream
	m.reconnectAttempts = 0
	logger.Infof("[GrpcStream] 订阅成功 program=%s", m.programID)

	go m.pingLoop(m.connCtx, stream)
	go m.recvLoop(m.connCtx, stream)
	return nil
}

func (m *GrpcStreamManager) recvLoop(ctx context.Context, stream pb.Geyser_SubscribeClient) {
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		update, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				logger.Warnf("[GrpcStream] 服务端关闭流，重连")
				m.reconnect()
				return
			}
			logger.Warnf("[GrpcStream] 接收失败: %v", err)
			if m.reconnectIfIdle(last) {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if tx := update.GetTransaction(); tx != nil {
			last = time.Now()
			select {
			case m.txChan <- tx:
			case <-ctx.Done():
				return
			}
		}
		if m.reconnectIfIdle(last) {
			return
		}
	}
}

func sendWithTimeout[T any](ctx context.Context, sendFunc func(T) error, req T, timeout time.Duration) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sendFunc(req)
	}()

	select {
	case <-timeoutCtx.Done():
		return timeoutCtx.Err()
	case err := <-done:
		return err
	}
}

// pingLoop 应用层心跳，失败只记录日志，重连由接收循环负责
func (m *GrpcStreamManager) pingLoop(ctx context.Context, stream pb.Geyser_SubscribeClient) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := &pb.SubscribeRequest{Ping: &pb.SubscribeRequestPing{Id: 1}}
			if err := sendWithTimeout(ctx, stream.Send, req, m.sendTimeout); err != nil {
				logger.Warnf("[GrpcStream] ping 失败: %v", err)
			}
		}
	}
}

func (m *GrpcStreamManager) reconnectIfIdle(last time.Time) bool {
	if time.Since(last) > m.idleTimeout {
		logger.Warnf("[GrpcStream] %v 未收到交易，触发重连", m.idleTimeout)
		m.reconnect()
		return true
	}
	return false
}

func (m *GrpcStreamManager) reconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.mu.Unlock()

	go m.mustConnect()
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func boolPtr(b bool) *bool {
	return &b
}
