package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/shopspring/decimal"
)

// Amounts are NUMERIC(20,0) so the full uint64 range fits; they cross the
// wire as text.
const schema = `
CREATE TABLE IF NOT EXISTS deposits (
	user_id      TEXT PRIMARY KEY,
	total_amount NUMERIC(20,0) NOT NULL DEFAULT 0,
	withdrawn    NUMERIC(20,0) NOT NULL DEFAULT 0,
	goal_count   BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (withdrawn <= total_amount)
);

CREATE TABLE IF NOT EXISTS goal_commitments (
	user_id     TEXT NOT NULL REFERENCES deposits (user_id),
	goal_index  BIGINT NOT NULL,
	target      NUMERIC(20,0) NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed')),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	attested_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, goal_index)
);

CREATE TABLE IF NOT EXISTS withdrawals (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES deposits (user_id),
	amount             NUMERIC(20,0) NOT NULL,
	usd_value          NUMERIC NOT NULL DEFAULT 0,
	price_available    BOOLEAN NOT NULL DEFAULT false,
	price_feed_id      TEXT NOT NULL DEFAULT '',
	price_publish_time TIMESTAMPTZ,
	payout_tx_id       TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS withdrawals_user_idx ON withdrawals (user_id, created_at);
`

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Db.Close()
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, false, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, readOnly: readOnly}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
}

func (t *pgTx) GetDeposit(ctx context.Context, user domain.Address) (*domain.Deposit, error) {
	query := "SELECT user_id, total_amount::text, withdrawn::text, goal_count, created_at, updated_at FROM deposits WHERE user_id = $1"
	if !t.readOnly {
		// Row lock so concurrent writers in other processes serialize on the user.
		query += " FOR UPDATE"
	}

	var (
		d                  domain.Deposit
		userID, total, wdn string
		goalCount          int64
	)
	err := t.tx.QueryRow(ctx, query, user.String()).Scan(&userID, &total, &wdn, &goalCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deposit query failed: %w", err)
	}

	d.User = domain.Address(userID)
	if d.TotalAmount, err = parseAmount(total); err != nil {
		return nil, err
	}
	if d.Withdrawn, err = parseAmount(wdn); err != nil {
		return nil, err
	}
	d.GoalCount = uint64(goalCount)
	return &d, nil
}

func (t *pgTx) PutDeposit(ctx context.Context, d domain.Deposit) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO deposits (user_id, total_amount, withdrawn, goal_count, created_at, updated_at)
		 VALUES ($1, $2::text::numeric, $3::text::numeric, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   total_amount = EXCLUDED.total_amount,
		   withdrawn = EXCLUDED.withdrawn,
		   goal_count = EXCLUDED.goal_count,
		   updated_at = EXCLUDED.updated_at`,
		d.User.String(), formatAmount(d.TotalAmount), formatAmount(d.Withdrawn), int64(d.GoalCount), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("deposit upsert failed: %w", err)
	}
	return nil
}

func (t *pgTx) Goals(ctx context.Context, user domain.Address) ([]domain.GoalCommitment, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT user_id, goal_index, target::text, status, created_at, attested_at FROM goal_commitments WHERE user_id = $1 ORDER BY goal_index",
		user.String())
	if err != nil {
		return nil, fmt.Errorf("goal query failed: %w", err)
	}
	defer rows.Close()

	var goals []domain.GoalCommitment
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, *g)
	}
	return goals, rows.Err()
}

func (t *pgTx) GetGoal(ctx context.Context, user domain.Address, index uint64) (*domain.GoalCommitment, error) {
	query := "SELECT user_id, goal_index, target::text, status, created_at, attested_at FROM goal_commitments WHERE user_id = $1 AND goal_index = $2"
	if !t.readOnly {
		query += " FOR UPDATE"
	}
	g, err := scanGoal(t.tx.QueryRow(ctx, query, user.String(), int64(index)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

func (t *pgTx) InsertGoals(ctx context.Context, goals []domain.GoalCommitment) error {
	if t.readOnly {
		return ErrReadOnly
	}
	batch := &pgx.Batch{}
	for _, g := range goals {
		batch.Queue(
			"INSERT INTO goal_commitments (user_id, goal_index, target, status, created_at) VALUES ($1, $2, $3::text::numeric, $4, $5)",
			g.User.String(), int64(g.Index), formatAmount(g.Target), string(g.Status), g.CreatedAt,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("goal already exists: %w", err)
		}
		return fmt.Errorf("goal insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateGoal(ctx context.Context, g domain.GoalCommitment) error {
	if t.readOnly {
		return ErrReadOnly
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE goal_commitments SET status = $3, attested_at = $4 WHERE user_id = $1 AND goal_index = $2",
		g.User.String(), int64(g.Index), string(g.Status), g.AttestedAt,
	)
	if err != nil {
		return fmt.Errorf("goal update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO withdrawals (id, user_id, amount, usd_value, price_available, price_feed_id, price_publish_time, payout_tx_id, created_at)
		 VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, $6, $7, $8, $9)`,
		w.ID, w.User.String(), formatAmount(w.Amount), w.USDValue.String(), w.PriceAvailable, w.PriceFeedID, w.PricePublishTime, w.PayoutTxID, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("withdrawal insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteWithdrawal(ctx context.Context, user domain.Address, id string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	tag, err := t.tx.Exec(ctx, "DELETE FROM withdrawals WHERE id = $1 AND user_id = $2", id, user.String())
	if err != nil {
		return fmt.Errorf("withdrawal delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) Withdrawals(ctx context.Context, user domain.Address) ([]domain.Withdrawal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, user_id, amount::text, usd_value::text, price_available, price_feed_id, price_publish_time, payout_tx_id, created_at
		 FROM withdrawals WHERE user_id = $1 ORDER BY created_at, id`,
		user.String())
	if err != nil {
		return nil, fmt.Errorf("withdrawal query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		var (
			w              domain.Withdrawal
			userID, amount string
			usd            string
		)
		if err := rows.Scan(&w.ID, &userID, &amount, &usd, &w.PriceAvailable, &w.PriceFeedID, &w.PricePublishTime, &w.PayoutTxID, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("withdrawal scan failed: %w", err)
		}
		w.User = domain.Address(userID)
		if w.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if w.USDValue, err = decimal.NewFromString(usd); err != nil {
			return nil, fmt.Errorf("invalid usd value %q: %w", usd, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanGoal(row pgx.Row) (*domain.GoalCommitment, error) {
	var (
		g              domain.GoalCommitment
		userID, target string
		status         string
		index          int64
		attestedAt     *time.Time
	)
	if err := row.Scan(&userID, &index, &target, &status, &g.CreatedAt, &attestedAt); err != nil {
		return nil, err
	}
	t, err := parseAmount(target)
	if err != nil {
		return nil, err
	}
	g.User = domain.Address(userID)
	g.Index = uint64(index)
	g.Target = t
	g.Status = domain.GoalStatus(status)
	g.AttestedAt = attestedAt
	return &g, nil
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return v, nil
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}
