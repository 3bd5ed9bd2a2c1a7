package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bonus-ledger/ledger"
	"github.com/warp/bonus-ledger/store/postgres"
)

// newStore connects to LEDGER_TEST_POSTGRES_DSN and empties both tables.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := postgres.New(ctx, pool)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "TRUNCATE customers, bonuses RESTART IDENTITY")
	require.NoError(t, err)
	return store
}

func TestPostgres_FIFODeduction(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)
	now := time.Now().UTC().Truncate(time.Microsecond)
	engine.Clock = func() time.Time { return now }

	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))
	_, err := engine.Accrue(ctx, 1, 100, 10)
	require.NoError(t, err)
	_, err = engine.Accrue(ctx, 1, 50, 5)
	require.NoError(t, err)

	d, err := engine.Deduct(ctx, 1, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(120), d.Deducted)

	b, err := engine.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.TotalPoints)
	require.NotNil(t, b.NearestExpiration)
	assert.True(t, now.AddDate(0, 0, 10).Equal(*b.NearestExpiration))
}

func TestPostgres_ConcurrentDeductions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)

	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))
	_, err := engine.Accrue(ctx, 1, 50, 0)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := engine.Deduct(ctx, 1, 4)
			assert.NoError(t, err)
			mu.Lock()
			total += d.Deducted
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), total)
	c, err := store.GetCustomer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 21, c.Visits)
}

func TestPostgres_PhoneUniqueness(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1}))
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 2}))

	p := ledger.Profile{Name: "Anna", Phone: "+70000000000"}
	require.NoError(t, engine.CompleteProfile(ctx, 1, p))
	assert.ErrorIs(t, engine.CompleteProfile(ctx, 2, p), ledger.ErrPhoneTaken)
}

func TestPostgres_Jobs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1}))
	for i := 0; i < 60; i++ {
		_, err := engine.Accrue(ctx, 1, 0, 0)
		require.NoError(t, err)
	}

	_, err := engine.RecomputeTiers(ctx)
	require.NoError(t, err)
	c, err := store.GetCustomer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, c.CashbackPercent)

	n, err := engine.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), n)

	_, err = engine.ResetAnnualVisits(ctx)
	require.NoError(t, err)
	c, _ = store.GetCustomer(ctx, 1)
	assert.Zero(t, c.VisitsPerYear)
}

func TestPostgres_DeleteCustomerCascades(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)

	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 1, CashbackPercent: 100}))
	require.NoError(t, store.UpsertCustomer(ctx, ledger.Customer{ID: 2}))
	_, err := engine.Accrue(ctx, 1, 10, 0)
	require.NoError(t, err)

	require.NoError(t, engine.DeleteCustomer(ctx, 1))

	entries, err := store.Entries(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	ids, err := engine.CustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.CustomerID{2}, ids)

	assert.True(t, ledger.IsNotFound(engine.DeleteCustomer(ctx, 1)))
}
