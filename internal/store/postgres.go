package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes mapped to store errors.
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a := model.Account{UserID: userID, Positions: make(map[string]model.Position)}
	var cashS, pnlS string

	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT, realized_pnl::TEXT, version, created_at, updated_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&cashS, &pnlS, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get account %s: %w", userID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.Cash, _ = decimal.NewFromString(cashS)
	a.RealizedPnL, _ = decimal.NewFromString(pnlS)

	rows, err := s.pool.Query(ctx,
		`SELECT code, quantity, avg_cost::TEXT
		 FROM positions WHERE user_id = $1 ORDER BY code`, userID)
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Position
		var avgS string
		if err := rows.Scan(&p.Code, &p.Quantity, &avgS); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.AvgCost, _ = decimal.NewFromString(avgS)
		a.Positions[p.Code] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}

	return &a, nil
}

// ListAccounts reads accounts and positions from one read-only snapshot.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("list accounts: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT user_id, cash::TEXT, realized_pnl::TEXT, version, created_at, updated_at
		 FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accts []*model.Account
	byUser := make(map[string]*model.Account)
	for rows.Next() {
		a := &model.Account{Positions: make(map[string]model.Position)}
		var cashS, pnlS string
		if err := rows.Scan(&a.UserID, &cashS, &pnlS, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Cash, _ = decimal.NewFromString(cashS)
		a.RealizedPnL, _ = decimal.NewFromString(pnlS)
		accts = append(accts, a)
		byUser[a.UserID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	rows.Close()

	prows, err := tx.Query(ctx, `SELECT user_id, code, quantity, avg_cost::TEXT FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var uid, avgS string
		var p model.Position
		if err := prows.Scan(&uid, &p.Code, &p.Quantity, &avgS); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.AvgCost, _ = decimal.NewFromString(avgS)
		if a, ok := byUser[uid]; ok {
			a.Positions[p.Code] = p
		}
	}
	if err := prows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return accts, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, cash, realized_pnl, version, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $5)
		 ON CONFLICT (user_id) DO NOTHING`,
		acct.UserID, acct.Cash.String(), acct.RealizedPnL.String(), acct.Version, acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", acct.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create account %s: %w", acct.UserID, ErrAccountExists)
	}
	return nil
}

// CommitTrade applies the trade in one transaction. The account row update
// is conditional on the version and on cash staying non-negative; when it
// matches nothing the cause is looked up to return a typed error.
func (s *PostgresStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("commit trade %s: begin: %w", c.UserID, err)
	}
	defer tx.Rollback(ctx)

	var landed bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM history_entries WHERE id = $1)`, c.Entry.ID).
		Scan(&landed); err != nil {
		return fmt.Errorf("commit trade %s: check entry: %w", c.UserID, err)
	}
	if landed {
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET cash = cash + $3::NUMERIC,
		     realized_pnl = realized_pnl + $4::NUMERIC,
		     version = version + 1,
		     updated_at = now()
		 WHERE user_id = $1 AND version = $2 AND cash + $3::NUMERIC >= 0`,
		c.UserID, c.Version, c.CashDelta.String(), c.RealizedDelta.String(),
	)
	if err != nil {
		return fmt.Errorf("commit trade %s: update account: %w", c.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.commitFailure(ctx, tx, c)
	}

	if c.Position.Quantity == 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND code = $2`,
			c.UserID, c.Position.Code)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (user_id, code, quantity, avg_cost)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (user_id, code)
			 DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost`,
			c.UserID, c.Position.Code, c.Position.Quantity, c.Position.AvgCost.String())
	}
	if err != nil {
		return fmt.Errorf("commit trade %s: write position %s: %w", c.UserID, c.Position.Code, err)
	}

	if err := insertHistory(ctx, tx, c.UserID, &c.Entry); err != nil {
		return fmt.Errorf("commit trade %s: %w", c.UserID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trade %s: %w", c.UserID, err)
	}
	return nil
}

func (s *PostgresStore) commitFailure(ctx context.Context, tx pgx.Tx, c TradeCommit) error {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM accounts WHERE user_id = $1`, c.UserID).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("commit trade %s: %w", c.UserID, ErrAccountNotFound)
	case err != nil:
		return fmt.Errorf("commit trade %s: %w", c.UserID, err)
	case version != c.Version:
		return fmt.Errorf("commit trade %s (have v%d, want v%d): %w", c.UserID, version, c.Version, ErrVersionConflict)
	default:
		return fmt.Errorf("commit trade %s: %w", c.UserID, ErrNegativeBalance)
	}
}

func (s *PostgresStore) AppendHistory(ctx context.Context, userID string, entry *model.HistoryEntry) error {
	err := insertHistory(ctx, s.pool, userID, entry)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("append history %s: %w", userID, ErrAccountNotFound)
		case pgUniqueViolation:
			return nil // retried append that already landed
		}
	}
	return err
}

func (s *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT id, user_id, timestamp, category, action, code, quantity, price::TEXT, message
			 FROM (SELECT * FROM history_entries WHERE user_id = $1 ORDER BY seq DESC LIMIT $2) recent
			 ORDER BY seq`, userID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, user_id, timestamp, category, action, code, quantity, price::TEXT, message
			 FROM history_entries WHERE user_id = $1 ORDER BY seq`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", userID, err)
	}
	defer rows.Close()

	return scanHistoryEntries(rows)
}

func (s *PostgresStore) GetMember(ctx context.Context, userID string) (*model.Member, error) {
	m := model.Member{UserID: userID}
	var seedS string
	err := s.pool.QueryRow(ctx,
		`SELECT seed_cash::TEXT, created_at FROM members WHERE user_id = $1`, userID).
		Scan(&seedS, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get member %s: %w", userID, ErrMemberNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", userID, err)
	}
	m.SeedCash, _ = decimal.NewFromString(seedS)
	return &m, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, m *model.Member) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO members (user_id, seed_cash, created_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (user_id) DO UPDATE SET seed_cash = EXCLUDED.seed_cash`,
		m.UserID, m.SeedCash.String(), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", m.UserID, err)
	}
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertHistory(ctx context.Context, db execer, userID string, e *model.HistoryEntry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO history_entries (id, user_id, timestamp, category, action, code, quantity, price, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9)`,
		e.ID, userID, e.Timestamp, e.Category, e.Action, e.Code, e.Quantity, e.Price.String(), e.Message,
	)
	if err != nil {
		return fmt.Errorf("insert history %s: %w", e.ID, err)
	}
	return nil
}

// scanHistoryEntries reads pgx rows into HistoryEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanHistoryEntries(rows pgxRows) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var priceS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.Timestamp, &e.Category, &e.Action,
			&e.Code, &e.Quantity, &priceS, &e.Message); err != nil {
			return nil, err
		}

		e.Price, _ = decimal.NewFromString(priceS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
