// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/bonus-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps customers and entries in maps. A write transaction holds
// the write lock for its whole duration, so writers are fully serialized.
type Memory struct {
	mu        sync.RWMutex
	customers map[ledger.CustomerID]ledger.Customer
	entries   map[ledger.EntryID]ledger.CreditEntry
	nextID    ledger.EntryID
}

var _ ledger.Store = (*Memory)(nil)

var errEntryNotFound = errors.New("credit entry not found")

func NewMemory() *Memory {
	return &Memory{
		customers: make(map[ledger.CustomerID]ledger.Customer),
		entries:   make(map[ledger.EntryID]ledger.CreditEntry),
	}
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot that is restored if fn fails or panics.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	committed := false
	defer func() {
		if !committed {
			m.restore(snap)
		}
	}()

	if err := fn(&memoryTx{m: m}); err != nil {
		return err
	}
	committed = true
	return nil
}

// WithReadTx runs fn under the read lock, so no writer interleaves.
func (m *Memory) WithReadTx(ctx context.Context, fn func(ledger.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTx{m: m})
}

type memorySnapshot struct {
	customers map[ledger.CustomerID]ledger.Customer
	entries   map[ledger.EntryID]ledger.CreditEntry
	nextID    ledger.EntryID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		customers: make(map[ledger.CustomerID]ledger.Customer, len(m.customers)),
		entries:   make(map[ledger.EntryID]ledger.CreditEntry, len(m.entries)),
		nextID:    m.nextID,
	}
	for k, v := range m.customers {
		s.customers[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.customers = s.customers
	m.entries = s.entries
	m.nextID = s.nextID
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) UpsertCustomer(_ context.Context, c ledger.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.customers[c.ID]
	if !ok {
		if c.CashbackPercent == 0 {
			c.CashbackPercent = ledger.DefaultCashbackPercent
		}
		c.CreatedAt = now
		m.customers[c.ID] = c
		return nil
	}
	existing.Username = c.Username
	existing.FirstName = c.FirstName
	existing.LastName = c.LastName
	existing.UpdatedAt = now
	m.customers[c.ID] = existing
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customer(id)
}

func (m *Memory) customer(id ledger.CustomerID) (ledger.Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	return c, nil
}

func (m *Memory) FindCustomerByPhone(_ context.Context, phone string) (ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.customers {
		if c.Profile.Phone != "" && c.Profile.Phone == phone {
			return c, nil
		}
	}
	return ledger.Customer{}, ledger.ErrCustomerNotFound
}

func (m *Memory) ListCustomerIDs(_ context.Context) ([]ledger.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ledger.CustomerID, 0, len(m.customers))
	for id := range m.customers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// DeleteCustomer removes the customer and, like the foreign key cascade,
// every entry it owns.
func (m *Memory) DeleteCustomer(_ context.Context, id ledger.CustomerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[id]; !ok {
		return ledger.ErrCustomerNotFound
	}
	delete(m.customers, id)
	for eid, e := range m.entries {
		if e.CustomerID == id {
			delete(m.entries, eid)
		}
	}
	return nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) Entries(_ context.Context, id ledger.CustomerID) ([]ledger.CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.CreditEntry
	for _, e := range m.entries {
		if e.CustomerID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) liveEntries(id ledger.CustomerID, now time.Time) []ledger.CreditEntry {
	var out []ledger.CreditEntry
	for _, e := range m.entries {
		if e.CustomerID == id && e.Live(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpireDate.Equal(out[j].ExpireDate) {
			return out[i].ExpireDate.Before(out[j].ExpireDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// BULK STATEMENTS (jobs)
// =============================================================================

func (m *Memory) ApplyTiers(_ context.Context, table ledger.TierTable) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.customers {
		c.CashbackPercent = table.PercentFor(c.Visits, c.VisitsPerYear)
		m.customers[id] = c
	}
	return int64(len(m.customers)), nil
}

func (m *Memory) DeleteDeadEntries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if e.Collectable(now) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ResetAnnualVisits(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.customers {
		c.VisitsPerYear = 0
		m.customers[id] = c
	}
	return int64(len(m.customers)), nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx operates on the parent maps directly; the parent already holds
// the lock.
type memoryTx struct {
	m *Memory
}

func (tx *memoryTx) GetCustomer(_ context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return tx.m.customer(id)
}

func (tx *memoryTx) LockCustomer(_ context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	return tx.m.customer(id)
}

func (tx *memoryTx) LiveEntries(_ context.Context, id ledger.CustomerID, now time.Time) ([]ledger.CreditEntry, error) {
	return tx.m.liveEntries(id, now), nil
}

func (tx *memoryTx) InsertEntry(_ context.Context, e ledger.CreditEntry) (ledger.EntryID, error) {
	if _, ok := tx.m.customers[e.CustomerID]; !ok {
		return 0, ledger.ErrCustomerNotFound
	}
	tx.m.nextID++
	e.ID = tx.m.nextID
	tx.m.entries[e.ID] = e
	return e.ID, nil
}

func (tx *memoryTx) SetEntryAmount(_ context.Context, id ledger.EntryID, amount int64) error {
	e, ok := tx.m.entries[id]
	if !ok {
		return errEntryNotFound
	}
	e.Amount = amount
	tx.m.entries[id] = e
	return nil
}

func (tx *memoryTx) IncrementVisits(_ context.Context, id ledger.CustomerID) error {
	c, err := tx.m.customer(id)
	if err != nil {
		return err
	}
	c.Visits++
	c.VisitsPerYear++
	c.UpdatedAt = time.Now().UTC()
	tx.m.customers[id] = c
	return nil
}

func (tx *memoryTx) SaveProfile(_ context.Context, id ledger.CustomerID, p ledger.Profile) error {
	c, err := tx.m.customer(id)
	if err != nil {
		return err
	}
	if p.Phone != "" {
		for other, oc := range tx.m.customers {
			if other != id && oc.Profile.Phone == p.Phone {
				return ledger.ErrPhoneTaken
			}
		}
	}
	c.Profile = p
	c.ProfileCompleted = true
	c.UpdatedAt = time.Now().UTC()
	tx.m.customers[id] = c
	return nil
}
