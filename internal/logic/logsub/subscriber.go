package logsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"earnings-sync-sol/internal/logic/progress"
	"earnings-sync-sol/internal/logic/sigqueue"
	"earnings-sync-sol/internal/logic/txadapter"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/types"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
)

const (
	methodSubscribe    = "logsSubscribe"
	methodUnsubscribe  = "logsUnsubscribe"
	methodNotification = "logsNotification"

	subscribeID   = 1
	unsubscribeID = 2

	pingContent = "ping"
	maxMsgSize  = 4 * 1024 * 1024
)

type Options struct {
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	Commitment        string
}

func (o *Options) normalize() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 2 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 10 * time.Second
	}
	if o.Commitment == "" {
		o.Commitment = "confirmed"
	}
}

type rpcRequest struct {
	JsonRpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsFrame 订阅应答与推送共用的帧结构
type wsFrame struct {
	ID     int                 `json:"id"`
	Result any                 `json:"result"`
	Error  *rpcError           `json:"error"`
	Method string              `json:"method"`
	Params *notificationParams `json:"params"`
}

type notificationParams struct {
	Result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Signature string   `json:"signature"`
			Err       any      `json:"err"`
			Logs      []string `json:"logs"`
		} `json:"value"`
	} `json:"result"`
	Subscription int64 `json:"subscription"`
}

// Subscriber 通过 websocket logsSubscribe 订阅提及游戏合约的交易日志，
// 含本程序事件的交易直接带日志入队，断线自动重连
type Subscriber struct {
	url       string
	programID string
	parser    sigqueue.EventExtractor
	queue     sigqueue.Enqueuer
	opts      Options
	dialer    *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	subID   int64
	subDone bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriber(url string, programID types.Pubkey, parser sigqueue.EventExtractor, queue sigqueue.Enqueuer, opts Options) *Subscriber {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		url:       url,
		programID: programID.String(),
		parser:    parser,
		queue:     queue,
		opts:      opts,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start 阻塞运行直到 Stop
func (s *Subscriber) Start() {
	defer close(s.done)
	for s.ctx.Err() == nil {
		err := s.runOnce()
		if s.ctx.Err() != nil {
			return
		}
		logger.Warnf("[LogSub] 订阅中断，%v 后重连: %v", s.opts.ReconnectInterval, err)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.ReconnectInterval):
		}
	}
}

// Stop 取消订阅并关闭连接
func (s *Subscriber) Stop() {
	s.cancel()

	s.mu.Lock()
	conn, subID, subscribed := s.conn, s.subID, s.subDone
	s.mu.Unlock()

	if conn != nil {
		if subscribed {
			if err := s.writeJSON(conn, rpcRequest{
				JsonRpc: "2.0",
				ID:      unsubscribeID,
				Method:  methodUnsubscribe,
				Params:  []any{subID},
			}); err != nil {
				logger.Warnf("[LogSub] 取消订阅失败: %v", err)
			}
		}
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	<-s.done
}

func (s *Subscriber) runOnce() error {
	conn, _, err := s.dialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(maxMsgSize)

	s.mu.Lock()
	s.conn, s.subID, s.subDone = conn, 0, false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn, s.subDone = nil, false
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := s.writeJSON(conn, rpcRequest{
		JsonRpc: "2.0",
		ID:      subscribeID,
		Method:  methodSubscribe,
		Params: []any{
			map[string]any{"mentions": []string{s.programID}},
			map[string]any{"commitment": s.opts.Commitment},
		},
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PingInterval + s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PingInterval + s.opts.PongWait))
	})
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go s.pingLoop(connCtx, conn)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// 任何数据帧都说明连接存活
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PingInterval + s.opts.PongWait))
		if err := s.handleFrame(payload); err != nil {
			return err
		}
	}
}

func (s *Subscriber) handleFrame(payload []byte) error {
	var frame wsFrame
	if err := sonnet.Unmarshal(payload, &frame); err != nil {
		logger.Warnf("[LogSub] 无法解析的消息: %v", err)
		return nil
	}
	switch {
	case frame.Method == methodNotification && frame.Params != nil:
		s.handleNotification(frame.Params)
	case frame.ID == subscribeID:
		if frame.Error != nil {
			return fmt.Errorf("logsSubscribe rejected: %d %s", frame.Error.Code, frame.Error.Message)
		}
		id, ok := frame.Result.(float64)
		if !ok {
			return errors.New("logsSubscribe: missing subscription id")
		}
		s.mu.Lock()
		s.subID, s.subDone = int64(id), true
		s.mu.Unlock()
		logger.Infof("[LogSub] 订阅成功 program=%s subscription=%d", s.programID, int64(id))
	case frame.Error != nil:
		logger.Warnf("[LogSub] 服务端错误 id=%d: %d %s", frame.ID, frame.Error.Code, frame.Error.Message)
	}
	return nil
}

func (s *Subscriber) handleNotification(p *notificationParams) {
	v := p.Result.Value
	if v.Signature == "" {
		return
	}
	tx := txadapter.AdaptLogNotification(v.Signature, p.Result.Context.Slot, v.Logs, v.Err)
	if tx.Failed {
		return
	}
	if len(s.parser.ExtractEvents(tx)) == 0 {
		return
	}
	if !s.queue.Enqueue(sigqueue.Request{
		Signature: v.Signature,
		Source:    progress.SourceWebsocket,
		Tx:        tx,
	}) {
		logger.Errorf("[LogSub] 签名入队失败 signature=%s slot=%d", v.Signature, tx.Slot)
	}
}

func (s *Subscriber) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte(pingContent), time.Now().Add(s.opts.PongWait))
			s.writeMu.Unlock()
			if err != nil {
				logger.Warnf("[LogSub] ping 失败: %v", err)
				return
			}
		}
	}
}

func (s *Subscriber) writeJSON(conn *websocket.Conn, v any) error {
	raw, err := sonnet.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.PongWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
