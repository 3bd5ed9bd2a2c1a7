package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bonus-ledger/ledger"
	"github.com/warp/bonus-ledger/store/sqlite"
)

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newEngine(t *testing.T) (*ledger.Engine, *sqlite.Store) {
	t.Helper()
	store := newStore(t)
	engine := ledger.NewEngine(store)
	engine.Clock = func() time.Time { return t0 }
	return engine, store
}

func TestSQLite_UpsertCustomer(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// GIVEN a new customer
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 7, Username: "anna"}))

	c, err := store.GetCustomer(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "anna", c.Username)
	assert.Equal(t, ledger.DefaultCashbackPercent, c.CashbackPercent)
	assert.False(t, c.CreatedAt.IsZero())

	// WHEN the identity changes
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 7, Username: "anna_k", CashbackPercent: 10}))

	// THEN only identity columns are refreshed
	c, err = store.GetCustomer(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "anna_k", c.Username)
	assert.Equal(t, ledger.DefaultCashbackPercent, c.CashbackPercent)

	_, err = store.GetCustomer(ctx, 99)
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}

func TestSQLite_AccrueAndDeduct(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))

	// GIVEN 100 points expiring in 10 days and 50 expiring in 5
	_, err := engine.Accrue(ctx, 1, 100, 10)
	require.NoError(t, err)
	_, err = engine.Accrue(ctx, 1, 50, 5)
	require.NoError(t, err)

	// WHEN 120 are redeemed
	d, err := engine.Deduct(ctx, 1, 120)
	require.NoError(t, err)

	// THEN the 5-day entry is drained first
	assert.Equal(t, int64(120), d.Deducted)
	entries, err := store.Entries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(30), entries[0].Amount)
	assert.Equal(t, int64(0), entries[1].Amount)
	assert.Equal(t, t0.AddDate(0, 0, 10), entries[0].ExpireDate)
	assert.Equal(t, ledger.SourceCashback, entries[0].SourceType)

	b, err := engine.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.TotalPoints)
	require.NotNil(t, b.NearestExpiration)
	assert.Equal(t, t0.AddDate(0, 0, 10), *b.NearestExpiration)

	c, err := store.GetCustomer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Visits)
	assert.Equal(t, 3, c.VisitsPerYear)
}

func TestSQLite_DeductUnknownCustomer(t *testing.T) {
	engine, _ := newEngine(t)

	_, err := engine.Deduct(context.Background(), 404, 10)
	assert.True(t, ledger.IsNotFound(err))
}

func TestSQLite_RollbackOnError(t *testing.T) {
	_, store := newEngine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1}))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.InsertEntry(ctx, ledger.CreditEntry{
			CustomerID: 1, Amount: 10, ExpireDate: t0.AddDate(0, 0, 1), SourceType: ledger.SourceCashback, CreatedAt: t0,
		})
		require.NoError(t, err)
		require.NoError(t, tx.IncrementVisits(ctx, 1))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := store.Entries(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	c, err := store.GetCustomer(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, c.Visits)
}

func TestSQLite_ConcurrentDeductions(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))
	_, err := engine.Accrue(ctx, 1, 30, 30)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := engine.Deduct(ctx, 1, 7)
			assert.NoError(t, err)
			mu.Lock()
			total += d.Deducted
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(30), total)
	b, err := engine.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, b.TotalPoints)
}

func TestSQLite_CompleteProfile(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1}))
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 2}))

	profile := ledger.Profile{Name: "Anna", Phone: "+79990001122", Birthday: "01.02.1990", Gender: "f"}
	require.NoError(t, engine.CompleteProfile(ctx, 1, profile))

	c, err := store.FindCustomerByPhone(ctx, "+79990001122")
	require.NoError(t, err)
	assert.Equal(t, ledger.CustomerID(1), c.ID)
	assert.True(t, c.ProfileCompleted)
	assert.Equal(t, "Anna", c.Profile.Name)

	b, err := engine.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.WelcomeBonusAmount, b.TotalPoints)

	err = engine.CompleteProfile(ctx, 1, profile)
	assert.ErrorIs(t, err, ledger.ErrProfileAlreadyCompleted)

	// Another customer cannot claim the same phone.
	err = engine.CompleteProfile(ctx, 2, profile)
	assert.ErrorIs(t, err, ledger.ErrPhoneTaken)
	b, err = engine.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, b.TotalPoints)

	// Customers without a phone don't collide on the unique index.
	require.NoError(t, engine.CompleteProfile(ctx, 2, ledger.Profile{Name: "Boris"}))
}

func TestSQLite_Jobs(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 2}))

	for i := 0; i < 30; i++ {
		_, err := engine.Accrue(ctx, 1, 0, 0)
		require.NoError(t, err)
	}
	_, err := engine.Accrue(ctx, 1, 10, 1)
	require.NoError(t, err)

	n, err := engine.RecomputeTiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	c, _ := store.GetCustomer(ctx, 1)
	assert.Equal(t, 5, c.CashbackPercent)
	c, _ = store.GetCustomer(ctx, 2)
	assert.Equal(t, 3, c.CashbackPercent)

	// 30 zero entries are dead now; the 1-day entry dies after two days.
	n, err = engine.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	engine.Clock = func() time.Time { return t0.AddDate(0, 0, 2) }
	n, err = engine.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = engine.ResetAnnualVisits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	c, _ = store.GetCustomer(ctx, 1)
	assert.Zero(t, c.VisitsPerYear)
	assert.Equal(t, 31, c.Visits)
}

func TestSQLite_RecomputeTiersTable(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	for id := ledger.CustomerID(1); id <= 5; id++ {
		require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: id}))
	}
	visit := func(id ledger.CustomerID, n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			_, err := engine.Accrue(ctx, id, 0, 0)
			require.NoError(t, err)
		}
	}

	// GIVEN customer 2 with 95 visits from earlier years
	visit(2, 95)
	_, err := engine.ResetAnnualVisits(ctx)
	require.NoError(t, err)

	visit(1, 85) // 85 total, 85 this year
	visit(2, 10) // 105 total, 10 this year
	visit(3, 60)
	visit(4, 30)
	visit(5, 29)

	// WHEN the tier table is rendered to SQL and applied
	n, err := engine.RecomputeTiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// THEN each customer lands in the first matching rule
	want := map[ledger.CustomerID]int{1: 10, 2: 7, 3: 7, 4: 5, 5: 3}
	for id, percent := range want {
		c, err := store.GetCustomer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, percent, c.CashbackPercent, "customer %d (%d/%d)", id, c.Visits, c.VisitsPerYear)
	}
}

func TestSQLite_MalformedTimestampIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	engine := ledger.NewEngine(store)
	engine.Clock = func() time.Time { return t0 }
	ctx := context.Background()

	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))
	_, err = engine.Accrue(ctx, 1, 10, 0)
	require.NoError(t, err)

	// GIVEN a row whose expiry was written by something else
	raw, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec("UPDATE bonuses SET expire_date = '2026-03-10 12:00:00'")
	require.NoError(t, err)
	_, err = raw.Exec("UPDATE customers SET created_at = 'yesterday'")
	require.NoError(t, err)

	// THEN reads fail loudly instead of treating the entry as expired
	_, err = store.Entries(ctx, 1)
	assert.ErrorContains(t, err, "expire_date")
	_, err = engine.GetBalance(ctx, 1)
	assert.Error(t, err)
	_, err = store.GetCustomer(ctx, 1)
	assert.ErrorContains(t, err, "created_at")
}

func TestSQLite_DeleteCustomerCascades(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))
	_, err := engine.Accrue(ctx, 1, 10, 0)
	require.NoError(t, err)

	require.NoError(t, store.DeleteCustomer(ctx, 1))

	entries, err := store.Entries(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	ids, err := store.ListCustomerIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, store.DeleteCustomer(ctx, 1), ledger.ErrCustomerNotFound)
}
