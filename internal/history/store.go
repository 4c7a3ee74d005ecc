// Package history persists per-tick observations and executed actions to
// PostgreSQL for offline inspection and charting. It is optional; the
// control loop runs fine without it.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"stethkeeper/internal/config"
)

// ErrNotConfigured indicates the history pool was not initialised.
var ErrNotConfigured = errors.New("history: pool not configured")

const (
	createTablesSQL = `CREATE TABLE IF NOT EXISTS ticks (
        ts            TIMESTAMPTZ PRIMARY KEY,
        ratio         NUMERIC NOT NULL,
        discount_pct  NUMERIC NOT NULL,
        premium_pct   NUMERIC NOT NULL,
        eth_balance   NUMERIC NOT NULL,
        steth_balance NUMERIC NOT NULL,
        action        TEXT NOT NULL,
        reason        TEXT NOT NULL,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS actions (
        id          BIGSERIAL PRIMARY KEY,
        ts          TIMESTAMPTZ NOT NULL,
        type        TEXT NOT NULL,
        amount      NUMERIC NOT NULL,
        tx_hash     TEXT NOT NULL,
        request_ids TEXT[] NOT NULL DEFAULT '{}',
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertTickSQL = `INSERT INTO ticks (
        ts, ratio, discount_pct, premium_pct, eth_balance, steth_balance, action, reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (ts) DO UPDATE
    SET ratio         = EXCLUDED.ratio,
        discount_pct  = EXCLUDED.discount_pct,
        premium_pct   = EXCLUDED.premium_pct,
        eth_balance   = EXCLUDED.eth_balance,
        steth_balance = EXCLUDED.steth_balance,
        action        = EXCLUDED.action,
        reason        = EXCLUDED.reason;`

	listTicksBetweenSQL = `SELECT
        ts, ratio, discount_pct, premium_pct, eth_balance, steth_balance, action, reason, created_at
    FROM ticks
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	listRecentTicksSQL = `SELECT
        ts, ratio, discount_pct, premium_pct, eth_balance, steth_balance, action, reason, created_at
    FROM ticks
    ORDER BY ts DESC
    LIMIT $1;`

	insertActionSQL = `INSERT INTO actions (
        ts, type, amount, tx_hash, request_ids
    ) VALUES (
        $1,$2,$3,$4,$5
    ) RETURNING id;`

	listRecentActionsSQL = `SELECT
        id, ts, type, amount, tx_hash, request_ids, created_at
    FROM actions
    ORDER BY created_at DESC
    LIMIT $1;`
)

// Recorder is the write-side consumed by the control loop.
type Recorder interface {
	InsertTick(ctx context.Context, tick TickRecord) error
	InsertAction(ctx context.Context, action ActionRecord) (int64, error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Store aggregates access to tick and action history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Init creates the history schema when absent.
func (s *Store) Init(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

// InsertTick records one tick observation, keyed by timestamp.
func (s *Store) InsertTick(ctx context.Context, tick TickRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, upsertTickSQL,
		tick.TS,
		tick.Ratio.String(),
		tick.DiscountPct.String(),
		tick.PremiumPct.String(),
		tick.ETHBalance.String(),
		tick.StETHBalance.String(),
		tick.Action,
		tick.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

// InsertAction records an executed action and returns its id.
func (s *Store) InsertAction(ctx context.Context, action ActionRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	err = pool.QueryRow(ctx, insertActionSQL,
		action.TS,
		action.Type,
		action.Amount.String(),
		action.TxHash,
		action.RequestIDs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}
	return id, nil
}

// ListTicksBetween lists ticks in [from, to) ordered by timestamp.
func (s *Store) ListTicksBetween(ctx context.Context, from, to time.Time) ([]TickRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTicksBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list ticks: %w", queryErr)
	}
	defer rows.Close()

	ticks := make([]TickRecord, 0)
	for rows.Next() {
		tick, scanErr := scanTick(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

// ListRecentTicks lists the most recent ticks in descending order.
func (s *Store) ListRecentTicks(ctx context.Context, limit int) ([]TickRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTicksSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent ticks: %w", queryErr)
	}
	defer rows.Close()

	ticks := make([]TickRecord, 0, limit)
	for rows.Next() {
		tick, scanErr := scanTick(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

// ListRecentActions lists the most recent executed actions.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentActionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent actions: %w", queryErr)
	}
	defer rows.Close()

	actions := make([]ActionRecord, 0, limit)
	for rows.Next() {
		var rec ActionRecord
		var amountStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.TS,
			&rec.Type,
			&amountStr,
			&rec.TxHash,
			&rec.RequestIDs,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		amount, convErr := decimal.NewFromString(amountStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse action amount: %w", convErr)
		}
		rec.Amount = amount
		actions = append(actions, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return actions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTick(row rowScanner) (TickRecord, error) {
	var tick TickRecord
	var ratioStr, discountStr, premiumStr, ethStr, stethStr string
	if err := row.Scan(
		&tick.TS,
		&ratioStr,
		&discountStr,
		&premiumStr,
		&ethStr,
		&stethStr,
		&tick.Action,
		&tick.Reason,
		&tick.CreatedAt,
	); err != nil {
		return TickRecord{}, err
	}

	for _, conv := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{ratioStr, &tick.Ratio},
		{discountStr, &tick.DiscountPct},
		{premiumStr, &tick.PremiumPct},
		{ethStr, &tick.ETHBalance},
		{stethStr, &tick.StETHBalance},
	} {
		value, err := decimal.NewFromString(conv.raw)
		if err != nil {
			return TickRecord{}, fmt.Errorf("parse tick numeric: %w", err)
		}
		*conv.dst = value
	}

	return tick, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}
