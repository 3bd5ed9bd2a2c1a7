/*
Package ledger provides the bonus ledger engine.

PURPOSE:
  Customers earn cashback credits on purchases and spend them later.
  Every accrual becomes its own credit entry with its own expiry date,
  and redemptions consume those entries soonest-to-expire first. This
  package holds the domain types, the engine operations and the periodic
  maintenance jobs. Persistence lives behind the Store interface.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: per-customer counters and profile fields
  - CreditEntry: one batch of points with an independent expiry
  - SourceType: why an entry exists (cashback, welcome bonus)
  - Balance: aggregate view over live entries

LIFECYCLE OF AN ENTRY:
  1. Created by Accrue (cashback) or CompleteProfile (welcome bonus)
  2. Amount decreased in place by Deduct, floor 0
  3. Dead once Amount == 0 or ExpireDate has passed
  4. Deleted by the CleanupExpired job

SEE ALSO:
  - engine.go: Accrue, Deduct, GetBalance
  - jobs.go: tier recompute, cleanup, annual reset
  - store.go: persistence interfaces
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CustomerID is the chat-platform user id the customer registered with.
type CustomerID int64

// EntryID is the surrogate key of a credit entry.
type EntryID int64

// SourceType classifies why a credit entry was granted.
type SourceType string

const (
	SourceCashback SourceType = "cashback" // percentage of a purchase
	SourceBonus    SourceType = "bonus"    // one-time grants (welcome)
)

const (
	// DefaultExpireDays is the accrual horizon when the caller passes none.
	DefaultExpireDays = 365

	// MaxExpireDays bounds the accrual horizon so expiry dates stay within
	// four-digit years on every backend.
	MaxExpireDays = 36500

	// DefaultCashbackPercent is the tier a fresh customer starts in.
	DefaultCashbackPercent = 3

	// WelcomeBonusAmount is granted once when a customer completes the profile.
	WelcomeBonusAmount int64 = 100
)

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is one end user of the loyalty program.
//
// Counters are only written by the engine: CashbackPercent by the tier job,
// Visits and VisitsPerYear by Accrue/Deduct (VisitsPerYear is also zeroed
// by the annual reset). VisitsPerYear <= Visits always holds.
type Customer struct {
	ID              CustomerID
	Username        string
	FirstName       string
	LastName        string
	CashbackPercent int
	Visits          int
	VisitsPerYear   int

	Profile          Profile
	ProfileCompleted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile holds the personal data a customer types in during registration.
type Profile struct {
	Name     string
	Surname  string
	Phone    string
	Email    string
	Birthday string // DD.MM.YYYY as entered
	Gender   string // "m" or "f"
}

// =============================================================================
// CREDIT ENTRY
// =============================================================================

// CreditEntry is a ledger row: points granted at one time with one expiry.
type CreditEntry struct {
	ID         EntryID
	CustomerID CustomerID
	Amount     int64
	ExpireDate time.Time
	SourceType SourceType
	CreatedAt  time.Time
}

// Live reports whether the entry still counts toward the balance at now.
func (e CreditEntry) Live(now time.Time) bool {
	return e.Amount > 0 && e.ExpireDate.After(now)
}

// Collectable reports whether the cleanup job may delete the entry.
// Entries expiring exactly at now are neither live nor collectable yet.
func (e CreditEntry) Collectable(now time.Time) bool {
	return e.Amount == 0 || e.ExpireDate.Before(now)
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the customer-facing summary of live entries.
type Balance struct {
	TotalPoints int64

	// NearestExpiration is nil when the customer has no live entries.
	NearestExpiration *time.Time

	// ExpiringAtNearest sums entries expiring exactly at NearestExpiration.
	ExpiringAtNearest int64
}

// Deduction reports the outcome of a redemption.
type Deduction struct {
	Requested int64
	Deducted  int64
}

// Partial is true when the balance could not cover the request.
func (d Deduction) Partial() bool { return d.Deducted < d.Requested }
