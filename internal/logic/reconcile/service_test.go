package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"earnings-sync-sol/internal/logic/codec"
	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/store"
	"earnings-sync-sol/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgram = types.Pubkey{0xAB, 1, 2, 3}

func wallet(i int) types.Pubkey {
	return types.Pubkey{byte(i), 0x77}
}

func addrOf(w types.Pubkey) types.Pubkey {
	return types.Pubkey{w[0], 0xAD}
}

// fakeLedger 同时充当 Validator 与 AccountFetcher
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[types.Pubkey]codec.PlayerAccount // 钱包 -> 链上账户
	owners   map[types.Pubkey]types.Pubkey        // 覆盖 owner
	errs     map[types.Pubkey]error               // 校验读取失败
	fetchErr error
	block    chan struct{}

	cleared    atomic.Int32
	fetchCalls atomic.Int32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: map[types.Pubkey]codec.PlayerAccount{},
		owners:   map[types.Pubkey]types.Pubkey{},
		errs:     map[types.Pubkey]error{},
	}
}

func (f *fakeLedger) ClearCache() { f.cleared.Add(1) }

func (f *fakeLedger) BatchValidate(ctx context.Context, wallets []types.Pubkey) []pda.ValidationResult {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pda.ValidationResult, len(wallets))
	for i, w := range wallets {
		res := pda.ValidationResult{Wallet: w, Address: addrOf(w)}
		if err := f.errs[w]; err != nil {
			res.Err = err
		} else if _, ok := f.accounts[w]; ok {
			res.Exists = true
			res.Owner = testProgram
			if o, ok := f.owners[w]; ok {
				res.Owner = o
			}
			res.IsValid = res.Owner == testProgram
		}
		out[i] = res
	}
	return out
}

func (f *fakeLedger) GetMultipleAccounts(_ context.Context, addrs []types.Pubkey) ([]rpc.AccountInfo, error) {
	f.fetchCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]rpc.AccountInfo, len(addrs))
	for i, a := range addrs {
		out[i] = rpc.AccountInfo{Address: a}
		for w, acc := range f.accounts {
			if addrOf(w) == a {
				out[i] = rpc.AccountInfo{Address: a, Exists: true, Owner: testProgram, Data: codec.Encode(acc)}
			}
		}
	}
	return out, nil
}

func seed(t *testing.T, st *store.MemoryStore, w types.Pubkey, businesses ...store.Business) {
	ctx := context.Background()
	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.UpsertPlayer(ctx, &store.Player{Wallet: w, Address: addrOf(w), IsActive: true, BusinessCount: len(businesses)}))
	for i := range businesses {
		b := businesses[i]
		b.Wallet = w
		require.NoError(t, sess.UpsertBusiness(ctx, &b))
	}
	require.NoError(t, sess.Commit(ctx))
}

func newService(st store.Store, ledger *fakeLedger, opts Options) *Service {
	return NewService(st, ledger, ledger, opts)
}

func TestRun_RemovesOnlyConfirmedInvalid(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()

	seed(t, st, wallet(1), store.Business{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100})
	seed(t, st, wallet(2), store.Business{SlotIndex: 0, BusinessType: 1, IsActive: true, TotalInvested: 5})
	seed(t, st, wallet(3))
	seed(t, st, wallet(4))

	ledger.accounts[wallet(1)] = codec.PlayerAccount{
		TotalInvested: 100,
		Businesses:    []codec.Business{{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100}},
	}
	// wallet(2) 链上不存在
	ledger.accounts[wallet(3)] = codec.PlayerAccount{}
	ledger.owners[wallet(3)] = types.Pubkey{0xEE}
	ledger.errs[wallet(4)] = errors.New("503 service unavailable")

	report, err := newService(st, ledger, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, int32(1), ledger.cleared.Load(), "开始前清空校验缓存")

	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 2, report.Removed)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Unverified)
	assert.Equal(t, 2, report.Count(OpPlayerRemoved))

	_, ok := st.Player(wallet(2))
	assert.False(t, ok)
	assert.Empty(t, st.Businesses(wallet(2)), "槽位随玩家一起删除")
	_, ok = st.Player(wallet(3))
	assert.False(t, ok, "owner 不符同样删除")
	_, ok = st.Player(wallet(4))
	assert.True(t, ok, "读取失败绝不删除")
}

func TestRun_DiffsBusinesses(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()

	seed(t, st, wallet(1),
		store.Business{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100, EarningsRate: 10},
		store.Business{SlotIndex: 1, BusinessType: 2, Level: 1, IsActive: true, TotalInvested: 50, EarningsRate: 5},
		store.Business{SlotIndex: 5, BusinessType: 3, Level: 1, IsActive: true, TotalInvested: 70, EarningsRate: 7},
	)
	ledger.accounts[wallet(1)] = codec.PlayerAccount{
		TotalInvested:    400,
		PendingEarnings:  42,
		NextEarningsTime: 1_700_000_000,
		Businesses: []codec.Business{
			{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100, EarningsRate: 10},
			{SlotIndex: 1, BusinessType: 2, Level: 3, IsActive: true, TotalInvested: 150, EarningsRate: 20},
			{SlotIndex: 2, BusinessType: 4, Level: 1, IsActive: true, TotalInvested: 150, EarningsRate: 9},
		},
	}

	report, err := newService(st, ledger, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OpBusinessAdded))
	assert.Equal(t, 1, report.Count(OpBusinessUpdated))
	assert.Equal(t, 1, report.Count(OpBusinessRemoved))
	assert.Zero(t, report.Discrepancies, "投资额一致")

	businesses := st.Businesses(wallet(1))
	require.Len(t, businesses, 3)
	assert.Equal(t, []uint8{0, 1, 2}, []uint8{businesses[0].SlotIndex, businesses[1].SlotIndex, businesses[2].SlotIndex})
	assert.Equal(t, uint8(3), businesses[1].Level)
	assert.Equal(t, int64(150), businesses[1].TotalInvested)

	p, ok := st.Player(wallet(1))
	require.True(t, ok)
	assert.Equal(t, int64(42), p.PendingEarnings)
	assert.Equal(t, int64(400), p.TotalInvested)
	assert.Equal(t, 3, p.BusinessCount)
}

func TestRun_TotalsRefreshIsReported(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()
	seed(t, st, wallet(1), store.Business{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100})
	ledger.accounts[wallet(1)] = codec.PlayerAccount{
		TotalInvested: 100,
		TotalEarned:   30,
		Businesses:    []codec.Business{{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100}},
	}
	svc := newService(st, ledger, Options{})

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(OpPlayerTotalsUpdated), "刷新累计字段前必须留下记录")
	for _, op := range report.Operations {
		if op.Type == OpPlayerTotalsUpdated {
			assert.Equal(t, "total_invested 0->100 total_earned 0->30", op.Detail)
		}
	}
	assert.Zero(t, report.Discrepancies)

	p, ok := st.Player(wallet(1))
	require.True(t, ok)
	assert.Equal(t, int64(30), p.TotalEarned)

	report, err = svc.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Count(OpPlayerTotalsUpdated), "已一致时不再记录")
}

func TestRun_PortfolioDiscrepancyIsObserveOnly(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()
	seed(t, st, wallet(1), store.Business{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100})
	ledger.accounts[wallet(1)] = codec.PlayerAccount{
		TotalInvested: 999,
		Businesses:    []codec.Business{{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 100}},
	}

	report, err := newService(st, ledger, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discrepancies)
	assert.Equal(t, 1, report.Count(OpPortfolioDiscrepancy))
	assert.Zero(t, report.Count(OpBusinessUpdated))

	businesses := st.Businesses(wallet(1))
	require.Len(t, businesses, 1)
	assert.Equal(t, int64(100), businesses[0].TotalInvested, "槽位不被改写以抹平差异")
}

func TestRun_FailingPlayerDoesNotRollBackBatch(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()
	for i := 1; i <= 3; i++ {
		seed(t, st, wallet(i))
		ledger.accounts[wallet(i)] = codec.PlayerAccount{
			TotalInvested: 10,
			Businesses:    []codec.Business{{SlotIndex: 0, BusinessType: 1, Level: 1, IsActive: true, TotalInvested: 10}},
		}
	}
	svc := newService(st, ledger, Options{CommitBatch: 10})
	// wallet(2) 重新拉取到的数据损坏
	svc.fetcher = &corruptingFetcher{fakeLedger: ledger, bad: addrOf(wallet(2))}

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Count(OpPlayerSyncFailed))
	assert.Equal(t, 2, report.Count(OpBusinessAdded), "失败玩家的操作不计入")

	assert.Len(t, st.Businesses(wallet(1)), 1)
	assert.Empty(t, st.Businesses(wallet(2)))
	assert.Len(t, st.Businesses(wallet(3)), 1)
	_, ok := st.Player(wallet(2))
	assert.True(t, ok, "同步失败不删除玩家")
}

type corruptingFetcher struct {
	*fakeLedger
	bad types.Pubkey
}

func (v *corruptingFetcher) GetMultipleAccounts(ctx context.Context, addrs []types.Pubkey) ([]rpc.AccountInfo, error) {
	out, err := v.fakeLedger.GetMultipleAccounts(ctx, addrs)
	for i := range out {
		if out[i].Address == v.bad {
			out[i].Data = out[i].Data[:codec.MinAccountSize-1]
		}
	}
	return out, err
}

func TestRun_CommitBatches(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()
	for i := 1; i <= 5; i++ {
		seed(t, st, wallet(i))
		ledger.accounts[wallet(i)] = codec.PlayerAccount{}
	}
	report, err := newService(st, ledger, Options{CommitBatch: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Synced)
	assert.Equal(t, int32(3), ledger.fetchCalls.Load())
}

func TestRun_FetchErrorMarksBatchFailed(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()
	seed(t, st, wallet(1), store.Business{SlotIndex: 0, BusinessType: 1, IsActive: true, TotalInvested: 1})
	ledger.accounts[wallet(1)] = codec.PlayerAccount{}
	ledger.fetchErr = errors.New("429 too many requests")

	report, err := newService(st, ledger, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, st.Businesses(wallet(1)), 1, "拉取失败不改动镜像")
}

func TestRun_SystemicValidationFailureAborts(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()
	seed(t, st, wallet(1))
	seed(t, st, wallet(2))
	ledger.errs[wallet(1)] = errors.New("connection refused")
	ledger.errs[wallet(2)] = errors.New("connection refused")

	svc := newService(st, ledger, Options{HistorySize: 2})
	report, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "connection refused")

	last, ok := svc.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.ID, last.ID)

	// 下一轮不受影响
	delete(ledger.errs, wallet(1))
	delete(ledger.errs, wallet(2))
	ledger.accounts[wallet(1)] = codec.PlayerAccount{}
	ledger.accounts[wallet(2)] = codec.PlayerAccount{}
	report, err = svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)
}

type failingLister struct{ *store.MemoryStore }

func (failingLister) ListActiveWallets(context.Context) ([]types.Pubkey, error) {
	return nil, errors.New("db down")
}

func TestRun_ListFailureAborts(t *testing.T) {
	svc := NewService(failingLister{store.NewMemoryStore()}, newFakeLedger(), newFakeLedger(), Options{})
	report, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, report.Error, "db down")
}

func TestRun_TimeoutAndOverlap(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := newFakeLedger()
	seed(t, st, wallet(1))
	ledger.accounts[wallet(1)] = codec.PlayerAccount{}
	ledger.block = make(chan struct{})

	svc := newService(st, ledger, Options{Timeout: 50 * time.Millisecond})
	done := make(chan *SessionReport, 1)
	go func() {
		r, _ := svc.Run(context.Background())
		done <- r
	}()
	require.Eventually(t, svc.Running, time.Second, time.Millisecond)
	_, err := svc.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	report := <-done
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "exceeded")
	assert.False(t, svc.Running())
}

func TestHistory_Bounded(t *testing.T) {
	svc := newService(store.NewMemoryStore(), newFakeLedger(), Options{HistorySize: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		r, err := svc.Run(context.Background())
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	h := svc.History()
	require.Len(t, h, 2)
	assert.Equal(t, ids[1], h[0].ID)
	assert.Equal(t, ids[2], h[1].ID)
}
