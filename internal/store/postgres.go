package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"earnings-sync-sol/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS players (
	wallet              TEXT PRIMARY KEY,
	pda                 TEXT NOT NULL,
	referrer            TEXT NOT NULL DEFAULT '',
	total_invested      BIGINT NOT NULL DEFAULT 0,
	total_upgrade_spent BIGINT NOT NULL DEFAULT 0,
	total_earned        BIGINT NOT NULL DEFAULT 0,
	total_withdrawn     BIGINT NOT NULL DEFAULT 0,
	pending_earnings    BIGINT NOT NULL DEFAULT 0,
	next_earnings_time  BIGINT NOT NULL DEFAULT 0,
	last_update_time    BIGINT NOT NULL DEFAULT 0,
	business_count      INT NOT NULL DEFAULT 0,
	is_active           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS businesses (
	wallet         TEXT NOT NULL REFERENCES players(wallet) ON DELETE CASCADE,
	slot_index     SMALLINT NOT NULL,
	business_type  SMALLINT NOT NULL,
	level          SMALLINT NOT NULL,
	is_active      BOOLEAN NOT NULL,
	total_invested BIGINT NOT NULL,
	earnings_rate  BIGINT NOT NULL,
	accumulated    BIGINT NOT NULL DEFAULT 0,
	created_at     BIGINT NOT NULL DEFAULT 0,
	last_claim_at  BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (wallet, slot_index)
);

CREATE TABLE IF NOT EXISTS applied_events (
	signature  TEXT NOT NULL,
	event_id   INT NOT NULL,
	event_type TEXT NOT NULL,
	wallet     TEXT NOT NULL,
	slot       BIGINT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (signature, event_id)
);
`

// PostgresStore 基于 pgx 连接池的镜像存储
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Begin(ctx context.Context) (Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgSession{tx: tx}, nil
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]types.Pubkey, error) {
	return p.queryWallets(ctx, `SELECT wallet FROM players ORDER BY wallet`)
}

func (p *PostgresStore) ListActiveWallets(ctx context.Context) ([]types.Pubkey, error) {
	return p.queryWallets(ctx, `SELECT wallet FROM players WHERE is_active ORDER BY wallet`)
}

func (p *PostgresStore) queryWallets(ctx context.Context, query string) ([]types.Pubkey, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var out []types.Pubkey
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		w, err := types.TryPubkeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet %q in players: %w", s, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// pgSession 对应一个 pgx.Tx；Savepoint 通过嵌套 Begin 实现（pgx 内部使用 SAVEPOINT）
type pgSession struct {
	tx   pgx.Tx
	done bool
}

func (s *pgSession) GetPlayer(ctx context.Context, wallet types.Pubkey) (*Player, error) {
	const query = `
		SELECT pda, referrer, total_invested, total_upgrade_spent, total_earned, total_withdrawn,
		       pending_earnings, next_earnings_time, last_update_time, business_count, is_active,
		       created_at, updated_at
		FROM players WHERE wallet = $1`

	var (
		pda, referrer string
		p             = Player{Wallet: wallet}
	)
	err := s.tx.QueryRow(ctx, query, wallet.String()).Scan(
		&pda, &referrer, &p.TotalInvested, &p.TotalUpgradeSpent, &p.TotalEarned, &p.TotalWithdrawn,
		&p.PendingEarnings, &p.NextEarningsTime, &p.LastUpdateTime, &p.BusinessCount, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", wallet, err)
	}
	if p.Address, err = types.TryPubkeyFromBase58(pda); err != nil {
		return nil, fmt.Errorf("invalid pda for %s: %w", wallet, err)
	}
	if referrer != "" {
		if p.Referrer, err = types.TryPubkeyFromBase58(referrer); err != nil {
			return nil, fmt.Errorf("invalid referrer for %s: %w", wallet, err)
		}
	}
	return &p, nil
}

func (s *pgSession) UpsertPlayer(ctx context.Context, p *Player) error {
	const query = `
		INSERT INTO players (
			wallet, pda, referrer, total_invested, total_upgrade_spent, total_earned, total_withdrawn,
			pending_earnings, next_earnings_time, last_update_time, business_count, is_active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, CURRENT_TIMESTAMP)
		ON CONFLICT (wallet) DO UPDATE SET
			pda = EXCLUDED.pda,
			referrer = EXCLUDED.referrer,
			total_invested = EXCLUDED.total_invested,
			total_upgrade_spent = EXCLUDED.total_upgrade_spent,
			total_earned = EXCLUDED.total_earned,
			total_withdrawn = EXCLUDED.total_withdrawn,
			pending_earnings = EXCLUDED.pending_earnings,
			next_earnings_time = EXCLUDED.next_earnings_time,
			last_update_time = EXCLUDED.last_update_time,
			business_count = EXCLUDED.business_count,
			is_active = EXCLUDED.is_active,
			updated_at = CURRENT_TIMESTAMP`

	referrer := ""
	if !p.Referrer.IsZero() {
		referrer = p.Referrer.String()
	}
	_, err := s.tx.Exec(ctx, query,
		p.Wallet.String(), p.Address.String(), referrer,
		p.TotalInvested, p.TotalUpgradeSpent, p.TotalEarned, p.TotalWithdrawn,
		p.PendingEarnings, p.NextEarningsTime, p.LastUpdateTime, p.BusinessCount, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert player %s: %w", p.Wallet, err)
	}
	return nil
}

func (s *pgSession) DeletePlayer(ctx context.Context, wallet types.Pubkey) (bool, error) {
	tag, err := s.tx.Exec(ctx, `DELETE FROM players WHERE wallet = $1`, wallet.String())
	if err != nil {
		return false, fmt.Errorf("delete player %s: %w", wallet, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgSession) ListBusinesses(ctx context.Context, wallet types.Pubkey) ([]*Business, error) {
	const query = `
		SELECT slot_index, business_type, level, is_active, total_invested, earnings_rate,
		       accumulated, created_at, last_claim_at, updated_at
		FROM businesses WHERE wallet = $1 ORDER BY slot_index`

	rows, err := s.tx.Query(ctx, query, wallet.String())
	if err != nil {
		return nil, fmt.Errorf("list businesses %s: %w", wallet, err)
	}
	defer rows.Close()

	var out []*Business
	for rows.Next() {
		var (
			slot, typ, level int16
			b                = &Business{Wallet: wallet}
		)
		if err := rows.Scan(&slot, &typ, &level, &b.IsActive, &b.TotalInvested, &b.EarningsRate,
			&b.Accumulated, &b.CreatedAt, &b.LastClaimAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		b.SlotIndex, b.BusinessType, b.Level = uint8(slot), uint8(typ), uint8(level)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *pgSession) UpsertBusiness(ctx context.Context, b *Business) error {
	const query = `
		INSERT INTO businesses (
			wallet, slot_index, business_type, level, is_active, total_invested, earnings_rate,
			accumulated, created_at, last_claim_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, CURRENT_TIMESTAMP)
		ON CONFLICT (wallet, slot_index) DO UPDATE SET
			business_type = EXCLUDED.business_type,
			level = EXCLUDED.level,
			is_active = EXCLUDED.is_active,
			total_invested = EXCLUDED.total_invested,
			earnings_rate = EXCLUDED.earnings_rate,
			accumulated = EXCLUDED.accumulated,
			created_at = EXCLUDED.created_at,
			last_claim_at = EXCLUDED.last_claim_at,
			updated_at = CURRENT_TIMESTAMP`

	_, err := s.tx.Exec(ctx, query,
		b.Wallet.String(), int16(b.SlotIndex), int16(b.BusinessType), int16(b.Level), b.IsActive,
		b.TotalInvested, b.EarningsRate, b.Accumulated, b.CreatedAt, b.LastClaimAt,
	)
	if err != nil {
		return fmt.Errorf("upsert business %s/%d: %w", b.Wallet, b.SlotIndex, err)
	}
	return nil
}

func (s *pgSession) DeleteBusiness(ctx context.Context, wallet types.Pubkey, slotIndex uint8) (bool, error) {
	tag, err := s.tx.Exec(ctx, `DELETE FROM businesses WHERE wallet = $1 AND slot_index = $2`,
		wallet.String(), int16(slotIndex))
	if err != nil {
		return false, fmt.Errorf("delete business %s/%d: %w", wallet, slotIndex, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgSession) DeleteBusinesses(ctx context.Context, wallet types.Pubkey) (int64, error) {
	tag, err := s.tx.Exec(ctx, `DELETE FROM businesses WHERE wallet = $1`, wallet.String())
	if err != nil {
		return 0, fmt.Errorf("delete businesses %s: %w", wallet, err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgSession) RecordEvent(ctx context.Context, rec *EventRecord) (bool, error) {
	const query = `
		INSERT INTO applied_events (signature, event_id, event_type, wallet, slot, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature, event_id) DO NOTHING`

	appliedAt := rec.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}
	tag, err := s.tx.Exec(ctx, query,
		rec.Signature, int64(rec.EventID), rec.Type, rec.Wallet.String(), int64(rec.Slot), appliedAt)
	if err != nil {
		return false, fmt.Errorf("record event %s#%d: %w", rec.Signature, rec.EventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgSession) Savepoint(ctx context.Context, fn func(Session) error) error {
	nested, err := s.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	child := &pgSession{tx: nested}
	if err := fn(child); err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		return err
	}
	return nested.Commit(ctx)
}

func (s *pgSession) Commit(ctx context.Context) error {
	if s.done {
		return ErrSessionClosed
	}
	s.done = true
	return s.tx.Commit(ctx)
}

func (s *pgSession) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
