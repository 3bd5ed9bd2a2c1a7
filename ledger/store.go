/*
store.go - Persistence interface for customers and credit entries

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never holds locks of its own: every read-modify-write sequence runs
  inside one store transaction, and the store's isolation serializes
  concurrent operations on the same customer.

KEY INTERFACES:
  ReadTx: consistent snapshot reads (balance)
  Tx:     row-locking writes (accrue, deduct, profile)
  Store:  transaction entry points plus bulk statements for the jobs

TRANSACTIONS:
  WithTx/WithReadTx commit when fn returns nil and roll back on any error,
  including panics unwinding through fn. Nothing is ever half-applied.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev mode
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import (
	"context"
	"time"
)

// ReadTx exposes the reads that must observe one snapshot.
type ReadTx interface {
	// GetCustomer returns ErrCustomerNotFound for unknown ids.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// LiveEntries returns entries with Amount > 0 and ExpireDate > now,
	// ordered by ExpireDate then ID, ascending.
	LiveEntries(ctx context.Context, id CustomerID, now time.Time) ([]CreditEntry, error)
}

// Tx is a write transaction.
type Tx interface {
	ReadTx

	// LockCustomer reads the customer and holds its row until the
	// transaction ends. Returns ErrCustomerNotFound for unknown ids.
	LockCustomer(ctx context.Context, id CustomerID) (Customer, error)

	InsertEntry(ctx context.Context, e CreditEntry) (EntryID, error)
	SetEntryAmount(ctx context.Context, id EntryID, amount int64) error

	// IncrementVisits bumps Visits and VisitsPerYear by one.
	IncrementVisits(ctx context.Context, id CustomerID) error

	// SaveProfile stores personal data and marks the profile completed.
	// Returns ErrPhoneTaken when the phone belongs to another customer.
	SaveProfile(ctx context.Context, id CustomerID, p Profile) error
}

// Store is implemented by every backend.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	WithReadTx(ctx context.Context, fn func(ReadTx) error) error

	// UpsertCustomer creates the customer or refreshes identity fields.
	// Counters and profile data of an existing row are left alone.
	UpsertCustomer(ctx context.Context, c Customer) error

	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)
	FindCustomerByPhone(ctx context.Context, phone string) (Customer, error)
	ListCustomerIDs(ctx context.Context) ([]CustomerID, error)

	// DeleteCustomer removes the customer and every entry it owns.
	// Returns ErrCustomerNotFound for unknown ids.
	DeleteCustomer(ctx context.Context, id CustomerID) error

	// Entries returns every entry of the customer, live or dead, by ID.
	Entries(ctx context.Context, id CustomerID) ([]CreditEntry, error)

	// ApplyTiers sets CashbackPercent for every customer from the table.
	ApplyTiers(ctx context.Context, table TierTable) (int64, error)

	// DeleteDeadEntries removes entries with Amount == 0 or ExpireDate < now.
	DeleteDeadEntries(ctx context.Context, now time.Time) (int64, error)

	// ResetAnnualVisits zeroes VisitsPerYear for every customer.
	ResetAnnualVisits(ctx context.Context) (int64, error)
}
