package ledger

import "time"

// Clock supplies the current instant. Tests pin it; production uses SystemClock.
type Clock func() time.Time

// SystemClock returns the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// ExpiryFrom returns the expiry instant for an entry created at now.
func ExpiryFrom(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, days)
}
