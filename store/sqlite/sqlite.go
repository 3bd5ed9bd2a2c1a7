/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Single-file persistence for small deployments and local development.
  The same statements run against PostgreSQL (store/postgres) with only
  dialect differences in placeholders and row locking.

KEY TABLES:
  customers: one row per registered customer, counters and profile
  bonuses:   credit entries, one row per accrual or grant

INDEXES:
  - idx_bonuses_customer_expire: live-entry scan in expiry order (hot path)
  - idx_customers_phone: unique phone lookup (NULLs allowed many times)

CONCURRENCY:
  SQLite has one writer at a time. The pool is capped at one connection,
  so every transaction runs alone and the customer lock of the interface
  is implicit. This also keeps ":memory:" databases shared, since each
  new connection would otherwise open an empty database.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that string comparison
  in SQL orders the same way as time comparison. That only holds for
  four-digit years, which ledger.MaxExpireDays guarantees. A row that
  fails to parse is reported as an error, never read as the zero time.

WAL MODE:
  Opened with WAL for crash safety and readers that don't block the writer.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/bonus-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		cashback_percent INTEGER NOT NULL DEFAULT 3,
		visits INTEGER NOT NULL DEFAULT 0,
		visits_per_year INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL DEFAULT '',
		surname TEXT NOT NULL DEFAULT '',
		phone TEXT,
		email TEXT NOT NULL DEFAULT '',
		birthday TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		profile_completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (visits_per_year <= visits)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_phone
		ON customers(phone) WHERE phone IS NOT NULL;

	CREATE TABLE IF NOT EXISTS bonuses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		expire_date TEXT NOT NULL,
		source_type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bonuses_customer_expire
		ON bonuses(customer_id, expire_date, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// WithReadTx runs fn in a transaction that is always rolled back.
func (s *Store) WithReadTx(ctx context.Context, fn func(ledger.ReadTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&txStore{tx: sqlTx})
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStore runs every statement on the open transaction. It never touches
// the pool: with one connection that would deadlock.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "WHERE id = ?", id)
}

// LockCustomer is a plain read: the single connection already serializes
// writers.
func (ts *txStore) LockCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "WHERE id = ?", id)
}

func (ts *txStore) LiveEntries(ctx context.Context, id ledger.CustomerID, now time.Time) ([]ledger.CreditEntry, error) {
	return queryEntries(ctx, ts.tx, `
		WHERE customer_id = ? AND amount > 0 AND expire_date > ?
		ORDER BY expire_date ASC, id ASC`,
		id, formatTime(now))
}

func (ts *txStore) InsertEntry(ctx context.Context, e ledger.CreditEntry) (ledger.EntryID, error) {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO bonuses (customer_id, amount, expire_date, source_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.CustomerID, e.Amount, formatTime(e.ExpireDate), string(e.SourceType), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return 0, ledger.ErrCustomerNotFound
		}
		return 0, fmt.Errorf("failed to insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read entry id: %w", err)
	}
	return ledger.EntryID(id), nil
}

func (ts *txStore) SetEntryAmount(ctx context.Context, id ledger.EntryID, amount int64) error {
	res, err := ts.tx.ExecContext(ctx, "UPDATE bonuses SET amount = ? WHERE id = ?", amount, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %d: %w", id, err)
	}
	return expectOneRow(res, fmt.Errorf("credit entry %d not found", id))
}

func (ts *txStore) IncrementVisits(ctx context.Context, id ledger.CustomerID) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE customers
		SET visits = visits + 1, visits_per_year = visits_per_year + 1, updated_at = ?
		WHERE id = ?`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to count visit: %w", err)
	}
	return expectOneRow(res, ledger.ErrCustomerNotFound)
}

func (ts *txStore) SaveProfile(ctx context.Context, id ledger.CustomerID, p ledger.Profile) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE customers
		SET name = ?, surname = ?, phone = ?, email = ?, birthday = ?, gender = ?,
		    profile_completed = TRUE, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Surname, nullString(p.Phone), p.Email, p.Birthday, p.Gender,
		formatTime(time.Now()), id,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrPhoneTaken
		}
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return expectOneRow(res, ledger.ErrCustomerNotFound)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// UpsertCustomer inserts the customer or refreshes the identity columns.
func (s *Store) UpsertCustomer(ctx context.Context, c ledger.Customer) error {
	if c.CashbackPercent == 0 {
		c.CashbackPercent = ledger.DefaultCashbackPercent
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, username, first_name, last_name, cashback_percent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			updated_at = excluded.updated_at`,
		c.ID, c.Username, c.FirstName, c.LastName, c.CashbackPercent, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return getCustomer(ctx, s.db, "WHERE id = ?", id)
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (ledger.Customer, error) {
	if phone == "" {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	return getCustomer(ctx, s.db, "WHERE phone = ?", phone)
}

func (s *Store) ListCustomerIDs(ctx context.Context) ([]ledger.CustomerID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM customers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var ids []ledger.CustomerID
	for rows.Next() {
		var id ledger.CustomerID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCustomer removes the customer; the foreign key cascades to bonuses.
func (s *Store) DeleteCustomer(ctx context.Context, id ledger.CustomerID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM customers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	return expectOneRow(res, ledger.ErrCustomerNotFound)
}

const customerColumns = `id, username, first_name, last_name, cashback_percent, visits, visits_per_year,
	name, surname, phone, email, birthday, gender, profile_completed, created_at, updated_at`

func getCustomer(ctx context.Context, q querier, where string, args ...any) (ledger.Customer, error) {
	var (
		c         ledger.Customer
		phone     sql.NullString
		createdAt string
		updatedAt string
	)
	err := q.QueryRowContext(ctx, "SELECT "+customerColumns+" FROM customers "+where, args...).Scan(
		&c.ID, &c.Username, &c.FirstName, &c.LastName, &c.CashbackPercent, &c.Visits, &c.VisitsPerYear,
		&c.Profile.Name, &c.Profile.Surname, &phone, &c.Profile.Email, &c.Profile.Birthday, &c.Profile.Gender,
		&c.ProfileCompleted, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}
	c.Profile.Phone = phone.String
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Customer{}, fmt.Errorf("customer %d created_at: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Customer{}, fmt.Errorf("customer %d updated_at: %w", c.ID, err)
	}
	return c, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) Entries(ctx context.Context, id ledger.CustomerID) ([]ledger.CreditEntry, error) {
	return queryEntries(ctx, s.db, "WHERE customer_id = ? ORDER BY id ASC", id)
}

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]ledger.CreditEntry, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, customer_id, amount, expire_date, source_type, created_at FROM bonuses "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.CreditEntry
	for rows.Next() {
		var (
			e                     ledger.CreditEntry
			source                string
			expireDate, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Amount, &expireDate, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.SourceType = ledger.SourceType(source)
		var err error
		if e.ExpireDate, err = parseTime(expireDate); err != nil {
			return nil, fmt.Errorf("entry %d expire_date: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("entry %d created_at: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// BULK STATEMENTS (jobs)
// =============================================================================

// ApplyTiers recomputes every customer's percentage in one UPDATE.
func (s *Store) ApplyTiers(ctx context.Context, table ledger.TierTable) (int64, error) {
	expr, args := table.SQLCase(func(int) string { return "?" })
	res, err := s.db.ExecContext(ctx, "UPDATE customers SET cashback_percent = "+expr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to apply tiers: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteDeadEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM bonuses WHERE amount = 0 OR expire_date < ?", formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ResetAnnualVisits(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE customers SET visits_per_year = 0")
	if err != nil {
		return 0, fmt.Errorf("failed to reset annual visits: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
