package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要设置 SYNC_TEST_POSTGRES_DSN 才会运行
func newTestPostgres(t *testing.T) *PostgresStore {
	dsn := os.Getenv("SYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SYNC_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore_PlayerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgres(t)
	wallet := w(0xA1)

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)

	require.NoError(t, sess.UpsertPlayer(ctx, &Player{Wallet: wallet, Address: w(0xA2), IsActive: true, PendingEarnings: 7}))
	require.NoError(t, sess.UpsertBusiness(ctx, &Business{Wallet: wallet, SlotIndex: 3, BusinessType: 2, IsActive: true}))

	p, err := sess.GetPlayer(ctx, wallet)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(7), p.PendingEarnings)
	assert.Equal(t, w(0xA2), p.Address)

	err = sess.Savepoint(ctx, func(tx Session) error {
		_, err := tx.DeleteBusinesses(ctx, wallet)
		require.NoError(t, err)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	bs, err := sess.ListBusinesses(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, bs, 1, "savepoint 回滚后槽位仍在")
	assert.Equal(t, uint8(3), bs[0].SlotIndex)

	inserted, err := sess.RecordEvent(ctx, &EventRecord{Signature: "pg-test", EventID: 1, Type: "PLAYER_CREATED", Wallet: wallet})
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = sess.RecordEvent(ctx, &EventRecord{Signature: "pg-test", EventID: 1, Type: "PLAYER_CREATED", Wallet: wallet})
	require.NoError(t, err)
	assert.False(t, inserted)
}
