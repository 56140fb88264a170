package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

var errNotDelivered = errors.New("no delivery report")

// KafkaJob 一条待投递的 Kafka 消息
type KafkaJob struct {
	Topic     string
	Partition int32 // 小于 0 时交给 Kafka 按 Key 分配
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

func (j *KafkaJob) topicPartition() kafka.TopicPartition {
	partition := j.Partition
	if partition < 0 {
		partition = kafka.PartitionAny
	}
	return kafka.TopicPartition{Topic: &j.Topic, Partition: partition}
}

func (j *KafkaJob) message(opaque int) *kafka.Message {
	msg := &kafka.Message{
		TopicPartition: j.topicPartition(),
		Key:            j.Key,
		Value:          j.Value,
		Opaque:         opaque,
	}
	for k, v := range j.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg
}

// KafkaSendResult 单条消息的投递失败原因
type KafkaSendResult struct {
	Job *KafkaJob
	Err error
}

// SendKafkaJobs 批量投递并等待回执。
// 整批共用一个容量等于消息数的 delivery channel，回执通过 Opaque 对应回 job；
// timeout 或 ctx 结束时仍未回执的消息计为失败，迟到的回执落入缓冲区后丢弃
func SendKafkaJobs(
	ctx context.Context,
	producer *kafka.Producer,
	jobs []*KafkaJob,
	timeout time.Duration,
) (ok []*KafkaJob, failed []KafkaSendResult) {
	if len(jobs) == 0 {
		return nil, nil
	}

	deliveries := make(chan kafka.Event, len(jobs))
	reported := make([]bool, len(jobs))
	pending := 0
	for i, job := range jobs {
		if err := producer.Produce(job.message(i), deliveries); err != nil {
			reported[i] = true
			failed = append(failed, KafkaSendResult{Job: job, Err: fmt.Errorf("produce: %w", err)})
			continue
		}
		pending++
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	for pending > 0 && cause == nil {
		select {
		case e := <-deliveries:
			msg, isMsg := e.(*kafka.Message)
			if !isMsg {
				continue
			}
			idx, isIdx := msg.Opaque.(int)
			if !isIdx || idx < 0 || idx >= len(jobs) || reported[idx] {
				continue
			}
			reported[idx] = true
			pending--
			if msg.TopicPartition.Error != nil {
				failed = append(failed, KafkaSendResult{Job: jobs[idx], Err: msg.TopicPartition.Error})
			} else {
				ok = append(ok, jobs[idx])
			}
		case <-timer.C:
			cause = fmt.Errorf("%w within %v", errNotDelivered, timeout)
		case <-ctx.Done():
			cause = fmt.Errorf("%w: %w", errNotDelivered, ctx.Err())
		}
	}

	for i, done := range reported {
		if !done {
			failed = append(failed, KafkaSendResult{Job: jobs[i], Err: cause})
		}
	}
	return ok, failed
}
