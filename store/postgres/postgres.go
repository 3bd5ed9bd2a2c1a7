/*
Package postgres provides a PostgreSQL implementation of ledger.Store on pgx.

CONCURRENCY:
  Write transactions run at READ COMMITTED and start by locking the
  customer row (SELECT ... FOR UPDATE). Operations on one customer
  therefore serialize at the database; different customers never wait
  on each other. Balance reads use a REPEATABLE READ READ ONLY
  transaction so the summary is computed from one snapshot.

KEY TABLES:
  customers, bonuses (same shape as store/sqlite, native types)

USAGE:
  pool, _ := pgxpool.New(ctx, dsn)
  store, err := postgres.New(ctx, pool)
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/bonus-ledger/ledger"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New migrates the schema and returns a store over pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Connect opens a pool for dsn and verifies it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS customers (
		id BIGINT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		cashback_percent INT NOT NULL DEFAULT 3,
		visits INT NOT NULL DEFAULT 0,
		visits_per_year INT NOT NULL DEFAULT 0,
		name TEXT NOT NULL DEFAULT '',
		surname TEXT NOT NULL DEFAULT '',
		phone TEXT UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		birthday TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		profile_completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (visits_per_year <= visits)
	);

	CREATE TABLE IF NOT EXISTS bonuses (
		id BIGSERIAL PRIMARY KEY,
		customer_id BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		amount BIGINT NOT NULL CHECK (amount >= 0),
		expire_date TIMESTAMPTZ NOT NULL,
		source_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_bonuses_customer_expire
		ON bonuses(customer_id, expire_date, id);
	`)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

func (s *Store) WithReadTx(ctx context.Context, fn func(ledger.ReadTx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return s.inTx(ctx, opts, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

// inTx commits when fn returns nil. The deferred rollback covers errors and
// panics and is a no-op after a commit.
func (s *Store) inTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "WHERE id = $1", int64(id))
}

func (ts *txStore) LockCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "WHERE id = $1 FOR UPDATE", int64(id))
}

func (ts *txStore) LiveEntries(ctx context.Context, id ledger.CustomerID, now time.Time) ([]ledger.CreditEntry, error) {
	return queryEntries(ctx, ts.tx, `
		WHERE customer_id = $1 AND amount > 0 AND expire_date > $2
		ORDER BY expire_date ASC, id ASC`,
		int64(id), now)
}

func (ts *txStore) InsertEntry(ctx context.Context, e ledger.CreditEntry) (ledger.EntryID, error) {
	var id int64
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO bonuses (customer_id, amount, expire_date, source_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		int64(e.CustomerID), e.Amount, e.ExpireDate, string(e.SourceType), e.CreatedAt,
	).Scan(&id)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return 0, ledger.ErrCustomerNotFound
		}
		return 0, fmt.Errorf("failed to insert entry: %w", err)
	}
	return ledger.EntryID(id), nil
}

func (ts *txStore) SetEntryAmount(ctx context.Context, id ledger.EntryID, amount int64) error {
	tag, err := ts.tx.Exec(ctx, "UPDATE bonuses SET amount = $1 WHERE id = $2", amount, int64(id))
	if err != nil {
		return fmt.Errorf("failed to update entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credit entry %d not found", id)
	}
	return nil
}

func (ts *txStore) IncrementVisits(ctx context.Context, id ledger.CustomerID) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE customers
		SET visits = visits + 1, visits_per_year = visits_per_year + 1, updated_at = now()
		WHERE id = $1`,
		int64(id))
	if err != nil {
		return fmt.Errorf("failed to count visit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

func (ts *txStore) SaveProfile(ctx context.Context, id ledger.CustomerID, p ledger.Profile) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE customers
		SET name = $1, surname = $2, phone = $3, email = $4, birthday = $5, gender = $6,
		    profile_completed = TRUE, updated_at = now()
		WHERE id = $7`,
		p.Name, p.Surname, nullable(p.Phone), p.Email, p.Birthday, p.Gender, int64(id))
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return ledger.ErrPhoneTaken
		}
		return fmt.Errorf("failed to save profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *Store) UpsertCustomer(ctx context.Context, c ledger.Customer) error {
	if c.CashbackPercent == 0 {
		c.CashbackPercent = ledger.DefaultCashbackPercent
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customers (id, username, first_name, last_name, cashback_percent)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			updated_at = now()`,
		int64(c.ID), c.Username, c.FirstName, c.LastName, c.CashbackPercent)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return getCustomer(ctx, s.pool, "WHERE id = $1", int64(id))
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (ledger.Customer, error) {
	if phone == "" {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	return getCustomer(ctx, s.pool, "WHERE phone = $1", phone)
}

func (s *Store) ListCustomerIDs(ctx context.Context) ([]ledger.CustomerID, error) {
	rows, err := s.pool.Query(ctx, "SELECT id FROM customers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.CustomerID, error) {
		var id int64
		err := row.Scan(&id)
		return ledger.CustomerID(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	return ids, nil
}

// DeleteCustomer removes the customer; the foreign key cascades to bonuses.
func (s *Store) DeleteCustomer(ctx context.Context, id ledger.CustomerID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM customers WHERE id = $1", int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

const customerColumns = `id, username, first_name, last_name, cashback_percent, visits, visits_per_year,
	name, surname, phone, email, birthday, gender, profile_completed, created_at, updated_at`

func getCustomer(ctx context.Context, q querier, where string, args ...any) (ledger.Customer, error) {
	var (
		c     ledger.Customer
		id    int64
		phone *string
	)
	err := q.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers "+where, args...).Scan(
		&id, &c.Username, &c.FirstName, &c.LastName, &c.CashbackPercent, &c.Visits, &c.VisitsPerYear,
		&c.Profile.Name, &c.Profile.Surname, &phone, &c.Profile.Email, &c.Profile.Birthday, &c.Profile.Gender,
		&c.ProfileCompleted, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}
	c.ID = ledger.CustomerID(id)
	if phone != nil {
		c.Profile.Phone = *phone
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) Entries(ctx context.Context, id ledger.CustomerID) ([]ledger.CreditEntry, error) {
	return queryEntries(ctx, s.pool, "WHERE customer_id = $1 ORDER BY id ASC", int64(id))
}

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]ledger.CreditEntry, error) {
	rows, err := q.Query(ctx,
		"SELECT id, customer_id, amount, expire_date, source_type, created_at FROM bonuses "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (ledger.CreditEntry, error) {
	var (
		e              ledger.CreditEntry
		id, customerID int64
		source         string
	)
	if err := row.Scan(&id, &customerID, &e.Amount, &e.ExpireDate, &source, &e.CreatedAt); err != nil {
		return e, err
	}
	e.ID = ledger.EntryID(id)
	e.CustomerID = ledger.CustomerID(customerID)
	e.SourceType = ledger.SourceType(source)
	e.ExpireDate = e.ExpireDate.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// =============================================================================
// BULK STATEMENTS (jobs)
// =============================================================================

func (s *Store) ApplyTiers(ctx context.Context, table ledger.TierTable) (int64, error) {
	expr, args := table.SQLCase(func(n int) string { return fmt.Sprintf("$%d::int", n) })
	tag, err := s.pool.Exec(ctx, "UPDATE customers SET cashback_percent = "+expr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to apply tiers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteDeadEntries(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM bonuses WHERE amount = 0 OR expire_date < $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ResetAnnualVisits(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "UPDATE customers SET visits_per_year = 0")
	if err != nil {
		return 0, fmt.Errorf("failed to reset annual visits: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
