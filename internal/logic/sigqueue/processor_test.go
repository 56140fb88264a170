package sigqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/logic/eventparser"
	"earnings-sync-sol/internal/logic/handlers"
	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/logic/progress"
	"earnings-sync-sol/internal/notify"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/store"
	"earnings-sync-sol/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = types.Pubkey{0xAB, 1, 2, 3}
	testWallet  = types.Pubkey{0x42, 0x42}
)

func sig(i byte) string {
	return types.Signature{i, 0xEE}.String()
}

type fakeFetcher struct {
	mu       sync.Mutex
	txs      map[string]*rpc.TransactionInfo
	failOnce map[string]bool
	calls    atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{txs: map[string]*rpc.TransactionInfo{}, failOnce: map[string]bool{}}
}

func (f *fakeFetcher) ConfirmTransaction(_ context.Context, signature string, _ time.Duration) (*rpc.SignatureStatus, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[signature] {
		delete(f.failOnce, signature)
		return nil, rpc.ErrConfirmTimeout
	}
	info := f.txs[signature]
	if info == nil {
		return nil, rpc.ErrConfirmTimeout
	}
	return &rpc.SignatureStatus{Slot: info.Slot, ConfirmationStatus: rpc.CommitmentConfirmed, Err: info.Err}, nil
}

func (f *fakeFetcher) GetTransaction(_ context.Context, signature string) (*rpc.TransactionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[signature], nil
}

func (f *fakeFetcher) add(t *testing.T, signature string, events map[core.EventType]any, order ...core.EventType) {
	logs := []string{"Program " + testProgram.String() + " invoke [1]"}
	for _, et := range order {
		line, err := eventparser.EncodeLogLine(et, events[et])
		require.NoError(t, err)
		logs = append(logs, line)
	}
	logs = append(logs, "Program "+testProgram.String()+" success")
	f.mu.Lock()
	f.txs[signature] = &rpc.TransactionInfo{Signature: signature, Slot: 100, LogMessages: logs}
	f.mu.Unlock()
}

type recordingSink struct {
	mu    sync.Mutex
	items []*notify.Notification
}

func (r *recordingSink) Notify(_ context.Context, n *notify.Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *recordingSink) statuses() []notify.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Status, len(r.items))
	for i, n := range r.items {
		out[i] = n.Status
	}
	return out
}

type memJournal struct {
	mu sync.Mutex
	m  map[string]progress.SignatureStatus
}

func (j *memJournal) Get(_ context.Context, s string) (progress.SignatureStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.m[s], nil
}

func (j *memJournal) Mark(_ context.Context, s string, st progress.SignatureStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.m[s] = st
	return nil
}

type fixture struct {
	proc    *Processor
	fetcher *fakeFetcher
	store   *store.MemoryStore
	sink    *recordingSink
}

func newFixture(t *testing.T, registry *handlers.Registry, journal StatusJournal, capacity int) *fixture {
	if registry == nil {
		registry = handlers.NewMirrorRegistry(pda.NewDeriver(testProgram))
	}
	f := &fixture{fetcher: newFakeFetcher(), store: store.NewMemoryStore(), sink: &recordingSink{}}
	proc, err := NewProcessor(f.fetcher, eventparser.NewParser(testProgram), registry, f.store, f.sink, journal, Options{
		Capacity:    capacity,
		DequeueWait: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	f.proc = proc
	return f
}

func (f *fixture) run(t *testing.T) {
	go f.proc.Start()
	t.Cleanup(f.proc.Stop)
}

func (f *fixture) waitStatus(t *testing.T, s string, want Status) Result {
	var res Result
	require.Eventually(t, func() bool {
		res, _ = f.proc.Status(s)
		return res.Status == want
	}, 2*time.Second, 2*time.Millisecond, "等待 %s 变为 %s", s, want)
	return res
}

func playerEvents() (map[core.EventType]any, []core.EventType) {
	return map[core.EventType]any{
			core.EventPlayerCreated:   &eventparser.PlayerCreated{Wallet: testWallet, Timestamp: 1},
			core.EventBusinessCreated: &eventparser.BusinessCreated{Wallet: testWallet, SlotIndex: 0, BusinessType: 1, Amount: 500, EarningsRate: 5},
		},
		[]core.EventType{core.EventPlayerCreated, core.EventBusinessCreated}
}

func TestEnqueue_Idempotent(t *testing.T) {
	f := newFixture(t, nil, nil, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)

	assert.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))
	assert.True(t, f.proc.Enqueue(Request{Signature: sig(1)}), "排队中重复入队返回 true")
	assert.Equal(t, 1, f.proc.Depth())

	f.run(t)
	res := f.waitStatus(t, sig(1), StatusCompleted)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, int32(1), f.fetcher.calls.Load(), "只处理一次")

	assert.True(t, f.proc.Enqueue(Request{Signature: sig(1)}), "已完成的签名重复入队是空操作")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.fetcher.calls.Load())

	p, ok := f.store.Player(testWallet)
	require.True(t, ok)
	assert.Equal(t, int64(500), p.TotalInvested)
	assert.Equal(t, 2, f.store.EventCount())
}

func TestEnqueue_RejectsInvalidAndFull(t *testing.T) {
	f := newFixture(t, nil, nil, 1)
	assert.False(t, f.proc.Enqueue(Request{Signature: "not-a-signature"}))
	assert.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))
	assert.False(t, f.proc.Enqueue(Request{Signature: sig(2)}), "队列已满")

	res, ok := f.proc.Status(sig(2))
	assert.False(t, ok)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, uint64(2), f.proc.Stats().Rejected)
}

func TestProcess_HandlerErrorRollsBack(t *testing.T) {
	registry := handlers.NewMirrorRegistry(pda.NewDeriver(testProgram))
	require.NoError(t, registry.Register(core.EventBusinessCreated, func(context.Context, store.Session, *core.Event) error {
		return errors.New("boom")
	}))
	f := newFixture(t, registry, nil, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)

	f.run(t)
	require.True(t, f.proc.Enqueue(Request{Signature: sig(1), Wallet: testWallet}))
	res := f.waitStatus(t, sig(1), StatusFailed)
	assert.Contains(t, res.Error, "boom")

	_, ok := f.store.Player(testWallet)
	assert.False(t, ok, "整笔交易回滚")
	assert.Equal(t, 0, f.store.EventCount())
	assert.Equal(t, []notify.Status{notify.StatusQueued, notify.StatusFailed}, f.sink.statuses())
}

func TestProcess_UnhandledEventSkipped(t *testing.T) {
	registry := handlers.NewRegistry()
	mirror := handlers.NewMirrorRegistry(pda.NewDeriver(testProgram))
	h, _ := mirror.Lookup(core.EventPlayerCreated)
	require.NoError(t, registry.Register(core.EventPlayerCreated, h))

	f := newFixture(t, registry, nil, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)

	f.run(t)
	require.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))
	res := f.waitStatus(t, sig(1), StatusCompleted)
	assert.Equal(t, 2, res.Events)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Unhandled)
}

func TestProcess_OnChainFailure(t *testing.T) {
	f := newFixture(t, nil, nil, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)
	f.fetcher.txs[sig(1)].Err = map[string]any{"InstructionError": []any{0, "Custom"}}

	f.run(t)
	require.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))
	res := f.waitStatus(t, sig(1), StatusFailed)
	assert.Contains(t, res.Error, "failed on-chain")
	assert.Equal(t, 0, f.store.EventCount())
}

func TestProcess_InternalSuppressesNotifications(t *testing.T) {
	f := newFixture(t, nil, nil, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)
	f.fetcher.add(t, sig(2), events, order...)

	f.run(t)
	require.True(t, f.proc.EnqueueInternal(sig(1), testWallet))
	f.waitStatus(t, sig(1), StatusCompleted)
	assert.Empty(t, f.sink.statuses(), "内部请求不发通知")

	require.True(t, f.proc.Enqueue(Request{Signature: sig(2)}))
	res := f.waitStatus(t, sig(2), StatusCompleted)
	assert.Equal(t, 2, res.Applied, "不同签名的相同事件 ID 互不冲突")
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, []notify.Status{notify.StatusQueued, notify.StatusCompleted}, f.sink.statuses())
}

func TestProcess_FailedCanBeRequeued(t *testing.T) {
	f := newFixture(t, nil, nil, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)
	f.fetcher.failOnce[sig(1)] = true

	f.run(t)
	require.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))
	f.waitStatus(t, sig(1), StatusFailed)

	require.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))
	f.waitStatus(t, sig(1), StatusCompleted)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
}

func TestEnqueue_RequeuedFailedLeavesCompletedCache(t *testing.T) {
	f := newFixture(t, nil, nil, 10)
	f.proc.completed.Add(sig(1), Result{Signature: sig(1), Status: StatusFailed, Error: "boom"})
	require.Equal(t, 1, f.proc.Stats().Retained)

	require.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))

	assert.False(t, f.proc.completed.Contains(sig(1)), "重新入队后不应同时留在 completed 中")
	res, ok := f.proc.Status(sig(1))
	require.True(t, ok)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Empty(t, res.Error)
	st := f.proc.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 0, st.Retained)
}

func TestProcess_PrefetchedTxSkipsFetch(t *testing.T) {
	f := newFixture(t, nil, nil, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)
	info := f.fetcher.txs[sig(1)]
	delete(f.fetcher.txs, sig(1))

	f.run(t)
	require.True(t, f.proc.Enqueue(Request{
		Signature: sig(1),
		Source:    progress.SourceWebsocket,
		Tx:        &core.AdaptedTx{Signature: sig(1), Slot: 7, LogMessages: info.LogMessages},
	}))
	res := f.waitStatus(t, sig(1), StatusCompleted)
	assert.Equal(t, uint64(7), res.Slot)
	assert.Equal(t, "websocket", res.Source)
	assert.Equal(t, int32(0), f.fetcher.calls.Load())
}

func TestProcess_JournalSkipsCompleted(t *testing.T) {
	j := &memJournal{m: map[string]progress.SignatureStatus{sig(1): progress.StatusCompleted}}
	f := newFixture(t, nil, j, 10)
	events, order := playerEvents()
	f.fetcher.add(t, sig(1), events, order...)
	f.fetcher.add(t, sig(2), events, order...)

	f.run(t)
	require.True(t, f.proc.Enqueue(Request{Signature: sig(1)}))
	require.True(t, f.proc.Enqueue(Request{Signature: sig(2)}))
	f.waitStatus(t, sig(1), StatusCompleted)
	f.waitStatus(t, sig(2), StatusCompleted)

	assert.Equal(t, int32(1), f.fetcher.calls.Load(), "journal 已完成的签名不再拉取")
	st, _ := j.Get(context.Background(), sig(2))
	assert.Equal(t, progress.StatusCompleted, st)
}

func TestStop_ExitsPromptly(t *testing.T) {
	f := newFixture(t, nil, nil, 10)
	go f.proc.Start()
	done := make(chan struct{})
	go func() {
		f.proc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop 未在一个等待周期内返回")
	}
}
