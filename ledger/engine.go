/*
engine.go - Accrual, deduction and balance operations

PURPOSE:
  The Engine is what the surrounding application calls on business
  events: a sale (Accrue), a redemption (Deduct), a balance screen
  (GetBalance) and registration (UpsertCustomer, CompleteProfile).

ATOMICITY:
  Each write operation is exactly one store transaction. The customer row
  is locked first, so two operations on the same customer serialize at
  the database while operations on different customers run in parallel.
  Any error inside the transaction rolls everything back; visit counters
  never move without the matching entry write and vice versa.

FIFO-BY-EXPIRY:
  Deduct consumes live entries ordered by expiry date, earliest first.
  Spending the credits closest to expiring maximizes what the customer
  can still use later.

EXAMPLE:
  engine := ledger.NewEngine(store)
  credit, _ := engine.Accrue(ctx, 42, 1500, 0)   // 3% -> 45 points
  d, _ := engine.Deduct(ctx, 42, 30)             // d.Deducted == 30
  b, _ := engine.GetBalance(ctx, 42)             // b.TotalPoints == 15
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Observer receives operation outcomes, typically to feed metrics.
type Observer interface {
	Accrued(credit int64)
	Deducted(requested, deducted int64)
	Failed(op string)
	JobFinished(job Job, affected int64, took time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Accrued(int64) {}
func (nopObserver) Deducted(int64, int64) {}
func (nopObserver) Failed(string) {}
func (nopObserver) JobFinished(Job, int64, time.Duration, error) {}

// Engine runs ledger operations against a Store.
type Engine struct {
	Store    Store
	Tiers    TierTable
	Clock    Clock
	Log      zerolog.Logger
	Observer Observer

	// ExpireDays is used when Accrue is called with expireDays == 0.
	ExpireDays int

	// WelcomeBonus is granted by CompleteProfile.
	WelcomeBonus int64
}

// NewEngine returns an engine with the default tier table and horizons.
func NewEngine(store Store) *Engine {
	return &Engine{
		Store:        store,
		Tiers:        DefaultTierTable(),
		Clock:        SystemClock,
		Log:          zerolog.Nop(),
		Observer:     nopObserver{},
		ExpireDays:   DefaultExpireDays,
		WelcomeBonus: WelcomeBonusAmount,
	}
}

// Now is the engine's current time, UTC.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return SystemClock()
	}
	return e.Clock()
}

func (e *Engine) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

func (e *Engine) fail(op string, err error) error {
	err = wrapStore(op, err)
	e.observer().Failed(op)
	return err
}

// Cashback returns floor(purchase * percent / 100).
func Cashback(purchase int64, percent int) int64 {
	return decimal.NewFromInt(purchase).
		Mul(decimal.NewFromInt(int64(percent))).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
}

// =============================================================================
// ACCRUAL
// =============================================================================

// Accrue grants cashback for a purchase and counts a visit. expireDays == 0
// selects the engine default; anything above MaxExpireDays is rejected.
// A zero purchase still records a zero entry. Returns the credited amount.
func (e *Engine) Accrue(ctx context.Context, id CustomerID, purchase int64, expireDays int) (int64, error) {
	if purchase < 0 || expireDays < 0 || expireDays > MaxExpireDays {
		return 0, ErrInvalidAmount
	}
	if expireDays == 0 {
		expireDays = e.ExpireDays
	}

	now := e.now()
	var credit int64
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCustomer(ctx, id)
		if err != nil {
			return err
		}
		credit = Cashback(purchase, c.CashbackPercent)
		if _, err := tx.InsertEntry(ctx, CreditEntry{
			CustomerID: id,
			Amount:     credit,
			ExpireDate: ExpiryFrom(now, expireDays),
			SourceType: SourceCashback,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return tx.IncrementVisits(ctx, id)
	})
	if err != nil {
		return 0, e.fail("accrue", e.notFound(id, err))
	}

	e.observer().Accrued(credit)
	e.Log.Info().
		Int64("customer_id", int64(id)).
		Int64("purchase", purchase).
		Int64("credit", credit).
		Msg("cashback accrued")
	return credit, nil
}

// =============================================================================
// DEDUCTION
// =============================================================================

// Deduct consumes up to requested points, soonest-to-expire first, and
// counts a visit even when nothing could be deducted. Insufficient balance
// is not an error: compare Deduction.Deducted with the request.
func (e *Engine) Deduct(ctx context.Context, id CustomerID, requested int64) (Deduction, error) {
	if requested <= 0 {
		return Deduction{}, ErrInvalidAmount
	}

	now := e.now()
	result := Deduction{Requested: requested}
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockCustomer(ctx, id); err != nil {
			return err
		}
		entries, err := tx.LiveEntries(ctx, id, now)
		if err != nil {
			return err
		}
		updates, taken := consume(entries, requested)
		for _, u := range updates {
			if err := tx.SetEntryAmount(ctx, u.ID, u.Amount); err != nil {
				return err
			}
		}
		result.Deducted = taken
		return tx.IncrementVisits(ctx, id)
	})
	if err != nil {
		return Deduction{}, e.fail("deduct", e.notFound(id, err))
	}

	e.observer().Deducted(requested, result.Deducted)
	e.Log.Info().
		Int64("customer_id", int64(id)).
		Int64("requested", requested).
		Int64("deducted", result.Deducted).
		Msg("bonus deducted")
	return result, nil
}

// =============================================================================
// BALANCE
// =============================================================================

// GetBalance summarizes live entries from one read snapshot. Unknown
// customers and customers without live entries both yield a zero Balance.
func (e *Engine) GetBalance(ctx context.Context, id CustomerID) (Balance, error) {
	now := e.now()
	var entries []CreditEntry
	err := e.Store.WithReadTx(ctx, func(tx ReadTx) error {
		var err error
		entries, err = tx.LiveEntries(ctx, id, now)
		return err
	})
	if err != nil {
		return Balance{}, e.fail("balance", err)
	}
	return SummarizeBalance(entries, now), nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// UpsertCustomer registers a customer or refreshes their chat identity.
func (e *Engine) UpsertCustomer(ctx context.Context, c Customer) error {
	if c.CashbackPercent == 0 {
		c.CashbackPercent = e.Tiers.Fallback
	}
	if err := e.Store.UpsertCustomer(ctx, c); err != nil {
		return e.fail("upsert_customer", err)
	}
	return nil
}

// CompleteProfile stores the customer's personal data and grants the
// one-time welcome bonus in the same transaction.
func (e *Engine) CompleteProfile(ctx context.Context, id CustomerID, p Profile) error {
	now := e.now()
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCustomer(ctx, id)
		if err != nil {
			return err
		}
		if c.ProfileCompleted {
			return ErrProfileAlreadyCompleted
		}
		if err := tx.SaveProfile(ctx, id, p); err != nil {
			return err
		}
		_, err = tx.InsertEntry(ctx, CreditEntry{
			CustomerID: id,
			Amount:     e.WelcomeBonus,
			ExpireDate: ExpiryFrom(now, e.ExpireDays),
			SourceType: SourceBonus,
			CreatedAt:  now,
		})
		return err
	})
	if err != nil {
		return e.fail("complete_profile", e.notFound(id, err))
	}
	e.Log.Info().Int64("customer_id", int64(id)).Int64("bonus", e.WelcomeBonus).Msg("profile completed")
	return nil
}

// Customer returns a customer or a NotFoundError.
func (e *Engine) Customer(ctx context.Context, id CustomerID) (Customer, error) {
	c, err := e.Store.GetCustomer(ctx, id)
	if err != nil {
		return Customer{}, e.fail("get_customer", e.notFound(id, err))
	}
	return c, nil
}

// CustomerByPhone looks a customer up by the phone they registered.
func (e *Engine) CustomerByPhone(ctx context.Context, phone string) (Customer, error) {
	c, err := e.Store.FindCustomerByPhone(ctx, phone)
	if err != nil {
		return Customer{}, e.fail("find_customer", err)
	}
	return c, nil
}

// CustomerIDs lists every registered customer, ascending. It is the
// recipient list handed to the broadcast service.
func (e *Engine) CustomerIDs(ctx context.Context) ([]CustomerID, error) {
	ids, err := e.Store.ListCustomerIDs(ctx)
	if err != nil {
		return nil, e.fail("list_customers", err)
	}
	return ids, nil
}

// DeleteCustomer removes a customer together with all of their entries.
func (e *Engine) DeleteCustomer(ctx context.Context, id CustomerID) error {
	if err := e.Store.DeleteCustomer(ctx, id); err != nil {
		return e.fail("delete_customer", e.notFound(id, err))
	}
	e.Log.Info().Int64("customer_id", int64(id)).Msg("customer deleted")
	return nil
}

// Entries returns the customer's full entry history.
func (e *Engine) Entries(ctx context.Context, id CustomerID) ([]CreditEntry, error) {
	entries, err := e.Store.Entries(ctx, id)
	if err != nil {
		return nil, e.fail("entries", err)
	}
	return entries, nil
}

func (e *Engine) notFound(id CustomerID, err error) error {
	var nf *NotFoundError
	if errors.As(err, &nf) || !errors.Is(err, ErrCustomerNotFound) {
		return err
	}
	return &NotFoundError{CustomerID: id}
}
