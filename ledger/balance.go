package ledger

import "time"

// SummarizeBalance folds live entries into a Balance. Dead entries are
// skipped, so callers may pass an unfiltered slice.
func SummarizeBalance(entries []CreditEntry, now time.Time) Balance {
	var (
		b       Balance
		nearest time.Time
	)
	for _, e := range entries {
		if !e.Live(now) {
			continue
		}
		b.TotalPoints += e.Amount
		switch {
		case nearest.IsZero() || e.ExpireDate.Before(nearest):
			nearest = e.ExpireDate
			b.ExpiringAtNearest = e.Amount
		case e.ExpireDate.Equal(nearest):
			b.ExpiringAtNearest += e.Amount
		}
	}
	if !nearest.IsZero() {
		b.NearestExpiration = &nearest
	}
	return b
}

// entryUpdate is the new amount of one entry after a deduction.
type entryUpdate struct {
	ID     EntryID
	Amount int64
}

// consume walks live entries in the given order and takes up to requested
// points, soonest-to-expire first. It returns the rows to rewrite and the
// total taken, which never exceeds requested.
func consume(entries []CreditEntry, requested int64) ([]entryUpdate, int64) {
	var (
		updates   []entryUpdate
		remaining = requested
	)
	for _, e := range entries {
		if remaining <= 0 {
			break
		}
		if e.Amount <= 0 {
			continue
		}
		if e.Amount >= remaining {
			updates = append(updates, entryUpdate{ID: e.ID, Amount: e.Amount - remaining})
			remaining = 0
			break
		}
		remaining -= e.Amount
		updates = append(updates, entryUpdate{ID: e.ID, Amount: 0})
	}
	return updates, requested - remaining
}
