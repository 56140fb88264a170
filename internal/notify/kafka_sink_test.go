package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/logic/eventparser"
	"earnings-sync-sol/internal/mq"
	pkgutils "earnings-sync-sol/internal/pkg/utils"
	"earnings-sync-sol/internal/types"
	"earnings-sync-sol/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type recordingSender struct {
	mu   sync.Mutex
	jobs []*mq.KafkaJob
}

func (r *recordingSender) send(_ context.Context, jobs []*mq.KafkaJob, _ time.Duration) ([]*mq.KafkaJob, []mq.KafkaSendResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobs...)
	return jobs, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func TestEncode_Completed(t *testing.T) {
	w := types.Pubkey{7, 7}
	n := &Notification{
		Signature: "sig1",
		Status:    StatusCompleted,
		Wallet:    w,
		Slot:      99,
		At:        time.Unix(1_700_000_000, 0),
		Events: []*core.Event{{
			ID:      1,
			Type:    core.EventEarningsClaimed,
			Wallet:  w,
			Payload: &eventparser.EarningsClaimed{Wallet: w, Amount: 5},
		}},
	}
	data, err := Encode(n)
	require.NoError(t, err)

	code, body, err := utils.DecodeEventType(data)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted.Code(), code)

	var out structpb.Struct
	require.NoError(t, proto.Unmarshal(body, &out))
	assert.Equal(t, "sig1", out.Fields["signature"].GetStringValue())
	assert.Equal(t, w.String(), out.Fields["wallet"].GetStringValue())
	events := out.Fields["events"].GetListValue().GetValues()
	require.Len(t, events, 1)
	ev := events[0].GetStructValue().GetFields()
	assert.Equal(t, "EARNINGS_CLAIMED", ev["type"].GetStringValue())
	assert.Equal(t, 5.0, ev["payload"].GetStructValue().GetFields()["Amount"].GetNumberValue())
}

func TestKafkaSink_PartitionsByWallet(t *testing.T) {
	rec := &recordingSender{}
	sink := newKafkaSink(rec.send, KafkaSinkOption{Topic: "sync", Partitions: 8, FlushInterval: 5 * time.Millisecond})
	go sink.Start()

	w := types.Pubkey{1, 2, 3}
	sink.Notify(context.Background(), &Notification{Signature: "a", Status: StatusQueued, Wallet: w})
	sink.Notify(context.Background(), &Notification{Signature: "b", Status: StatusFailed})

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	sink.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, int32(pkgutils.PartitionHashBytes(w[:], 8)), rec.jobs[0].Partition)
	assert.Equal(t, w[:], rec.jobs[0].Key)
	assert.Equal(t, int32(-1), rec.jobs[1].Partition, "无钱包时交给 Kafka 分配")
	assert.Equal(t, []byte("b"), rec.jobs[1].Key)
}

func TestKafkaSink_StopFlushesBuffered(t *testing.T) {
	rec := &recordingSender{}
	sink := newKafkaSink(rec.send, KafkaSinkOption{Topic: "sync", FlushInterval: time.Hour})
	for i := 0; i < 3; i++ {
		sink.Notify(context.Background(), &Notification{Signature: "s", Status: StatusCompleted})
	}
	go sink.Start()
	sink.Stop()
	assert.Equal(t, 3, rec.count())
}

func TestKafkaSink_DropsWhenFull(t *testing.T) {
	rec := &recordingSender{}
	sink := newKafkaSink(rec.send, KafkaSinkOption{Topic: "sync", BufferSize: 1})
	sink.Notify(context.Background(), &Notification{Signature: "1"})
	sink.Notify(context.Background(), &Notification{Signature: "2"})
	assert.Len(t, sink.ch, 1)
}
