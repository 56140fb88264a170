package pda

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/types"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgram = types.Pubkey{0xAB, 1, 2, 3}

type fakeReader struct {
	mu        sync.Mutex
	accounts  map[types.Pubkey]rpc.AccountInfo
	failAddrs map[types.Pubkey]bool
	batchSize int
	delay     time.Duration

	singleCalls atomic.Int32
	multiCalls  atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		accounts:  map[types.Pubkey]rpc.AccountInfo{},
		failAddrs: map[types.Pubkey]bool{},
		batchSize: 100,
	}
}

func (f *fakeReader) GetAccountInfo(_ context.Context, addr types.Pubkey) (rpc.AccountInfo, error) {
	f.singleCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddrs[addr] {
		return rpc.AccountInfo{}, errors.New("503 service unavailable")
	}
	return f.accounts[addr], nil
}

func (f *fakeReader) GetMultipleAccounts(_ context.Context, addrs []types.Pubkey) ([]rpc.AccountInfo, error) {
	f.multiCalls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if cur <= m || f.maxInFlight.CompareAndSwap(m, cur) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rpc.AccountInfo, len(addrs))
	for i, a := range addrs {
		if f.failAddrs[a] {
			return nil, errors.New("503 service unavailable")
		}
		out[i] = f.accounts[a]
	}
	return out, nil
}

func (f *fakeReader) BatchSizeAccounts() int { return f.batchSize }

func wallet(i int) types.Pubkey {
	return types.Pubkey{byte(i), byte(i >> 8), 0x55}
}

func (f *fakeReader) addPlayer(t *testing.T, d *Deriver, w types.Pubkey, owner types.Pubkey) types.Pubkey {
	addr, _, err := d.PlayerAddress(w)
	require.NoError(t, err)
	f.mu.Lock()
	f.accounts[addr] = rpc.AccountInfo{Address: addr, Exists: true, Owner: owner, Lamports: 1, Data: make([]byte, 1300)}
	f.mu.Unlock()
	return addr
}

func newTestValidator(t *testing.T, r AccountReader, clk clock.Clock) *Validator {
	v, err := NewValidator(NewDeriver(testProgram), r, 5*time.Minute, clk)
	require.NoError(t, err)
	return v
}

func TestValidate_Outcomes(t *testing.T) {
	r := newFakeReader()
	v := newTestValidator(t, r, nil)
	d := v.Deriver()

	r.addPlayer(t, d, wallet(1), testProgram)
	r.addPlayer(t, d, wallet(2), types.Pubkey{0xEE})
	failAddr, _, err := d.PlayerAddress(wallet(4))
	require.NoError(t, err)
	r.failAddrs[failAddr] = true

	ok := v.Validate(context.Background(), wallet(1))
	assert.True(t, ok.IsValid)
	assert.True(t, ok.Exists)
	assert.NoError(t, ok.Err)

	wrongOwner := v.Validate(context.Background(), wallet(2))
	assert.True(t, wrongOwner.Exists)
	assert.False(t, wrongOwner.IsValid)
	assert.True(t, wrongOwner.ConfirmedInvalid())

	missing := v.Validate(context.Background(), wallet(3))
	assert.False(t, missing.Exists)
	assert.True(t, missing.ConfirmedInvalid(), "账户不存在属于确认无效")

	failed := v.Validate(context.Background(), wallet(4))
	assert.Error(t, failed.Err)
	assert.False(t, failed.IsValid)
	assert.False(t, failed.ConfirmedInvalid(), "读取失败不能当作账户不存在")
}

func TestValidate_CacheTTL(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	tc := clock.NewTestClock(t0)
	r := newFakeReader()
	v := newTestValidator(t, r, tc)
	r.addPlayer(t, v.Deriver(), wallet(1), testProgram)

	v.Validate(context.Background(), wallet(1))
	v.Validate(context.Background(), wallet(1))
	assert.Equal(t, int32(1), r.singleCalls.Load(), "TTL 内命中缓存")

	tc.SetTime(t0.Add(5 * time.Minute))
	res := v.Validate(context.Background(), wallet(1))
	assert.Equal(t, int32(2), r.singleCalls.Load(), "过期后重新读取")
	assert.Equal(t, t0.Add(5*time.Minute), res.CheckedAt)

	v.ClearCache()
	v.Validate(context.Background(), wallet(1))
	assert.Equal(t, int32(3), r.singleCalls.Load(), "显式清空后重新读取")
}

func TestValidate_FailuresNotCached(t *testing.T) {
	r := newFakeReader()
	v := newTestValidator(t, r, nil)
	addr, _, err := v.Deriver().PlayerAddress(wallet(1))
	require.NoError(t, err)
	r.failAddrs[addr] = true

	assert.Error(t, v.Validate(context.Background(), wallet(1)).Err)

	delete(r.failAddrs, addr)
	r.addPlayer(t, v.Deriver(), wallet(1), testProgram)
	assert.True(t, v.Validate(context.Background(), wallet(1)).IsValid)
}

func TestBatchValidate_OrderAndIsolation(t *testing.T) {
	r := newFakeReader()
	r.batchSize = 2
	v := newTestValidator(t, r, nil)

	wallets := []types.Pubkey{wallet(1), wallet(2), wallet(3), wallet(4), wallet(5)}
	r.addPlayer(t, v.Deriver(), wallet(1), testProgram)
	r.addPlayer(t, v.Deriver(), wallet(2), testProgram)
	failAddr := r.addPlayer(t, v.Deriver(), wallet(3), testProgram)
	r.failAddrs[failAddr] = true
	r.addPlayer(t, v.Deriver(), wallet(5), testProgram)

	results := v.BatchValidate(context.Background(), wallets)
	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, wallets[i], res.Wallet, "结果顺序需与入参一致")
	}
	assert.True(t, results[0].IsValid)
	assert.True(t, results[1].IsValid)
	assert.Error(t, results[2].Err, "同批失败")
	assert.Error(t, results[3].Err, "同批失败")
	assert.True(t, results[4].IsValid, "其它批次不受影响")
	assert.Equal(t, int32(3), r.multiCalls.Load())

	// 第二次只读取未缓存（失败）的部分
	v.BatchValidate(context.Background(), wallets)
	assert.Equal(t, int32(4), r.multiCalls.Load())
}

func TestBatchValidate_ConcurrencyBound(t *testing.T) {
	r := newFakeReader()
	r.batchSize = 1
	r.delay = 5 * time.Millisecond
	v := newTestValidator(t, r, nil)

	wallets := make([]types.Pubkey, 40)
	for i := range wallets {
		wallets[i] = wallet(i + 1)
		r.addPlayer(t, v.Deriver(), wallets[i], testProgram)
	}

	results := v.BatchValidate(context.Background(), wallets)
	for _, res := range results {
		assert.True(t, res.IsValid)
	}
	assert.LessOrEqual(t, r.maxInFlight.Load(), int32(10), "同时在途的网关调用不超过 10")
	assert.Equal(t, int32(40), r.multiCalls.Load())
}
