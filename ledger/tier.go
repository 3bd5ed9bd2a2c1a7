package ledger

import (
	"fmt"
	"strings"
)

// TierRule is one row of the cashback tier table. Zero bounds are open:
// MinVisitsPerYear == 0 means no lower bound, MaxVisitsPerYear == 0 means
// no upper bound. MaxVisitsPerYear is exclusive.
type TierRule struct {
	MinVisits        int
	MinVisitsPerYear int
	MaxVisitsPerYear int
	Percent          int
}

// Matches reports whether a customer with the given counters falls in the rule.
func (r TierRule) Matches(visits, visitsPerYear int) bool {
	if visits < r.MinVisits {
		return false
	}
	if visitsPerYear < r.MinVisitsPerYear {
		return false
	}
	if r.MaxVisitsPerYear > 0 && visitsPerYear >= r.MaxVisitsPerYear {
		return false
	}
	return true
}

// TierTable is evaluated top-down; the first matching rule wins and
// Fallback applies when none match.
type TierTable struct {
	Rules    []TierRule
	Fallback int
}

// DefaultTierTable is the program's published tier ladder.
func DefaultTierTable() TierTable {
	return TierTable{
		Rules: []TierRule{
			{MinVisits: 80, MinVisitsPerYear: 20, Percent: 10},
			{MinVisits: 80, MaxVisitsPerYear: 20, Percent: 7},
			{MinVisits: 60, Percent: 7},
			{MinVisits: 30, Percent: 5},
		},
		Fallback: DefaultCashbackPercent,
	}
}

// PercentFor returns the cashback percentage for the given counters.
func (t TierTable) PercentFor(visits, visitsPerYear int) int {
	for _, r := range t.Rules {
		if r.Matches(visits, visitsPerYear) {
			return r.Percent
		}
	}
	return t.Fallback
}

// Validate rejects percentages outside 0..100 and inverted bounds.
func (t TierTable) Validate() error {
	check := func(p int) error {
		if p < 0 || p > 100 {
			return fmt.Errorf("%w: tier percent %d out of range", ErrInvalidAmount, p)
		}
		return nil
	}
	for i, r := range t.Rules {
		if err := check(r.Percent); err != nil {
			return err
		}
		if r.MaxVisitsPerYear > 0 && r.MaxVisitsPerYear <= r.MinVisitsPerYear {
			return fmt.Errorf("%w: tier rule %d has empty visits-per-year range", ErrInvalidAmount, i)
		}
	}
	return check(t.Fallback)
}

// SQLCase renders the table as a CASE expression over the visits and
// visits_per_year columns. placeholder maps the 1-based argument index to
// the driver's bind syntax.
func (t TierTable) SQLCase(placeholder func(n int) string) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	bind := func(v int) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	b.WriteString("CASE")
	for _, r := range t.Rules {
		var conds []string
		if r.MinVisits > 0 {
			conds = append(conds, "visits >= "+bind(r.MinVisits))
		}
		if r.MinVisitsPerYear > 0 {
			conds = append(conds, "visits_per_year >= "+bind(r.MinVisitsPerYear))
		}
		if r.MaxVisitsPerYear > 0 {
			conds = append(conds, "visits_per_year < "+bind(r.MaxVisitsPerYear))
		}
		if len(conds) == 0 {
			conds = append(conds, "1 = 1")
		}
		b.WriteString(" WHEN ")
		b.WriteString(strings.Join(conds, " AND "))
		b.WriteString(" THEN ")
		b.WriteString(bind(r.Percent))
	}
	b.WriteString(" ELSE ")
	b.WriteString(bind(t.Fallback))
	b.WriteString(" END")
	return b.String(), args
}
