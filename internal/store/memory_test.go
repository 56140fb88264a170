package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"earnings-sync-sol/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func w(b byte) types.Pubkey { return types.Pubkey{b, 0x11} }

func seed(t *testing.T, s Store, wallet types.Pubkey, slots ...uint8) {
	ctx := context.Background()
	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)

	require.NoError(t, sess.UpsertPlayer(ctx, &Player{Wallet: wallet, IsActive: true, TotalInvested: 100}))
	for _, i := range slots {
		require.NoError(t, sess.UpsertBusiness(ctx, &Business{Wallet: wallet, SlotIndex: i, BusinessType: 1, IsActive: true}))
	}
	require.NoError(t, sess.Commit(ctx))
}

func TestMemoryStore_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, w(1), 0, 2)

	p, ok := s.Player(w(1))
	require.True(t, ok)
	assert.Equal(t, int64(100), p.TotalInvested)
	assert.False(t, p.CreatedAt.IsZero())
	assert.Len(t, s.Businesses(w(1)), 2)

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	ok, err = sess.DeletePlayer(ctx, w(1))
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := sess.DeleteBusinesses(ctx, w(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, sess.Rollback(ctx))

	_, ok = s.Player(w(1))
	assert.True(t, ok, "回滚后数据不变")
	assert.Len(t, s.Businesses(w(1)), 2)

	assert.ErrorIs(t, sess.Commit(ctx), ErrSessionClosed)
	assert.NoError(t, sess.Rollback(ctx), "重复回滚是空操作")
}

func TestMemoryStore_GetMissingPlayer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)

	p, err := sess.GetPlayer(ctx, w(9))
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestMemoryStore_RecordEventIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, err := s.Begin(ctx)
	require.NoError(t, err)

	rec := &EventRecord{Signature: "sig1", EventID: 1, Type: "PLAYER_CREATED", Wallet: w(1)}
	inserted, err := sess.RecordEvent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = sess.RecordEvent(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = sess.RecordEvent(ctx, &EventRecord{Signature: "sig1", EventID: 2})
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, sess.Commit(ctx))
	assert.Equal(t, 2, s.EventCount())
}

func TestMemoryStore_SavepointIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, err := s.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.Savepoint(ctx, func(tx Session) error {
		return tx.UpsertPlayer(ctx, &Player{Wallet: w(1), IsActive: true})
	}))
	boom := errors.New("boom")
	err = sess.Savepoint(ctx, func(tx Session) error {
		require.NoError(t, tx.UpsertPlayer(ctx, &Player{Wallet: w(2), IsActive: true}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, sess.Commit(ctx))

	wallets, err := s.ListWallets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Pubkey{w(1)}, wallets, "失败的 savepoint 不影响其它玩家")
}

func TestMemoryStore_ListActiveWallets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, w(3))
	seed(t, s, w(1))

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.UpsertPlayer(ctx, &Player{Wallet: w(2), IsActive: false}))
	require.NoError(t, sess.Commit(ctx))

	all, err := s.ListWallets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Pubkey{w(1), w(2), w(3)}, all)

	active, err := s.ListActiveWallets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Pubkey{w(1), w(3)}, active)
}

func TestMemoryStore_SingleWriter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, err := s.Begin(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, first.Commit(ctx))
	second, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Rollback(ctx))
}
