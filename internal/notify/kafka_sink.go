package notify

import (
	"context"
	"sync"
	"time"

	"earnings-sync-sol/internal/metrics"
	"earnings-sync-sol/internal/mq"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/pkg/utils"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type KafkaSinkOption struct {
	Topic         string
	Partitions    int
	SendTimeout   time.Duration
	FlushInterval time.Duration
	BufferSize    int
	MaxBatch      int
}

type sendFunc func(ctx context.Context, jobs []*mq.KafkaJob, timeout time.Duration) (ok []*mq.KafkaJob, failed []mq.KafkaSendResult)

// KafkaSink 异步批量发送通知，按钱包哈希分区，保证同一玩家的通知有序
type KafkaSink struct {
	opt  KafkaSinkOption
	send sendFunc
	ch   chan *Notification

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewKafkaSink(producer *kafka.Producer, opt KafkaSinkOption) *KafkaSink {
	return newKafkaSink(func(ctx context.Context, jobs []*mq.KafkaJob, timeout time.Duration) ([]*mq.KafkaJob, []mq.KafkaSendResult) {
		return mq.SendKafkaJobs(ctx, producer, jobs, timeout)
	}, opt)
}

func newKafkaSink(send sendFunc, opt KafkaSinkOption) *KafkaSink {
	if opt.Partitions <= 0 {
		opt.Partitions = 1
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 3 * time.Second
	}
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = 200 * time.Millisecond
	}
	if opt.BufferSize <= 0 {
		opt.BufferSize = 4096
	}
	if opt.MaxBatch <= 0 {
		opt.MaxBatch = 256
	}
	return &KafkaSink{
		opt:    opt,
		send:   send,
		ch:     make(chan *Notification, opt.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Notify 缓冲满时丢弃并计数，不阻塞签名处理
func (k *KafkaSink) Notify(_ context.Context, n *Notification) {
	select {
	case k.ch <- n:
	default:
		metrics.NotificationsDroppedTotal.Inc()
		logger.Warnf("[KafkaSink] 通知缓冲已满，丢弃 %s %s", n.Signature, n.Status)
	}
}

// Start 运行发送循环直到 Stop
func (k *KafkaSink) Start() {
	defer close(k.doneCh)
	ticker := time.NewTicker(k.opt.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Notification, 0, k.opt.MaxBatch)
	for {
		select {
		case n := <-k.ch:
			batch = append(batch, n)
			if len(batch) >= k.opt.MaxBatch {
				k.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				k.flush(batch)
				batch = batch[:0]
			}
		case <-k.stopCh:
			for {
				select {
				case n := <-k.ch:
					batch = append(batch, n)
				default:
					k.flush(batch)
					return
				}
			}
		}
	}
}

func (k *KafkaSink) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	<-k.doneCh
}

func (k *KafkaSink) buildJobs(batch []*Notification) []*mq.KafkaJob {
	jobs := make([]*mq.KafkaJob, 0, len(batch))
	for _, n := range batch {
		value, err := Encode(n)
		if err != nil {
			logger.Errorf("[KafkaSink] 编码通知失败 %s: %v", n.Signature, err)
			continue
		}
		key := []byte(n.Signature)
		partition := int32(-1)
		if !n.Wallet.IsZero() {
			key = n.Wallet.Bytes()
			partition = int32(utils.PartitionHashBytes(key, uint32(k.opt.Partitions)))
		}
		jobs = append(jobs, &mq.KafkaJob{
			Topic:     k.opt.Topic,
			Partition: partition,
			Key:       key,
			Value:     value,
			Headers:   map[string]string{"status": string(n.Status), "source": n.Source},
		})
	}
	return jobs
}

func (k *KafkaSink) flush(batch []*Notification) {
	jobs := k.buildJobs(batch)
	if len(jobs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.opt.SendTimeout+time.Second)
	defer cancel()

	_, failed := k.send(ctx, jobs, k.opt.SendTimeout)
	if len(failed) > 0 {
		metrics.NotificationsDroppedTotal.Add(float64(len(failed)))
		logger.Warnf("[KafkaSink] %d/%d 条通知发送失败，首个错误: %v", len(failed), len(jobs), failed[0].Err)
	}
}
