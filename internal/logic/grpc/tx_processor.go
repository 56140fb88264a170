package grpc

import (
	"context"
	"errors"

	"earnings-sync-sol/internal/consts"
	"earnings-sync-sol/internal/logic/progress"
	"earnings-sync-sol/internal/logic/sigqueue"
	"earnings-sync-sol/internal/logic/txadapter"
	"earnings-sync-sol/pkg/utils"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"github.com/zeromicro/go-zero/core/logx"
)

// maxDrain 单次从通道中取出并并行预解析的交易数
const maxDrain = 64

// TxProcessor 把 Geyser 推送的交易转换后送入签名队列；不含本程序事件的交易直接丢弃
type TxProcessor struct {
	txChan <-chan *pb.SubscribeUpdateTransaction
	parser sigqueue.EventExtractor
	queue  sigqueue.Enqueuer
	ctx    context.Context
	cancel func(err error)
	logx.Logger
}

type adaptedResult struct {
	req    sigqueue.Request
	events int
	ok     bool
}

func NewTxProcessor(txChan <-chan *pb.SubscribeUpdateTransaction, parser sigqueue.EventExtractor, queue sigqueue.Enqueuer) *TxProcessor {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &TxProcessor{
		txChan: txChan,
		parser: parser,
		queue:  queue,
		Logger: logx.WithContext(ctx).WithFields(logx.Field("service", "geyser_tx_processor")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *TxProcessor) Start() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case tx := <-p.txChan:
			p.procBatch(p.drain(tx))
		}
	}
}

func (p *TxProcessor) Stop() {
	p.cancel(errors.New("service stop"))
}

// drain 取出通道中已积压的交易，保持推送顺序
func (p *TxProcessor) drain(first *pb.SubscribeUpdateTransaction) []*pb.SubscribeUpdateTransaction {
	batch := []*pb.SubscribeUpdateTransaction{first}
	for len(batch) < maxDrain {
		select {
		case tx := <-p.txChan:
			batch = append(batch, tx)
		default:
			return batch
		}
	}
	if len(p.txChan) > 10 {
		p.Debugf("tx chan len:%v", len(p.txChan))
	}
	return batch
}

func (p *TxProcessor) procBatch(batch []*pb.SubscribeUpdateTransaction) {
	results := utils.ParallelMap(batch, consts.CpuCount+2, p.adapt)
	queued := 0
	for _, r := range results {
		if !r.ok {
			continue
		}
		if p.queue.Enqueue(r.req) {
			queued++
		} else {
			p.Errorf("签名入队失败 signature=%s slot=%d", r.req.Signature, r.req.Tx.Slot)
		}
	}
	if queued > 0 {
		p.Debugf("geyser 推送 %d 笔交易，入队 %d 笔", len(batch), queued)
	}
}

func (p *TxProcessor) adapt(update *pb.SubscribeUpdateTransaction) adaptedResult {
	tx, err := txadapter.AdaptGrpcTx(update, 0)
	if err != nil || tx.Failed {
		return adaptedResult{}
	}
	events := len(p.parser.ExtractEvents(tx))
	if events == 0 {
		return adaptedResult{}
	}
	return adaptedResult{
		req: sigqueue.Request{
			Signature: tx.Signature,
			Source:    progress.SourceGrpc,
			Tx:        tx,
		},
		events: events,
		ok:     true,
	}
}
