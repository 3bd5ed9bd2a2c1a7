package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTierTable(t *testing.T) {
	table := DefaultTierTable()
	require.NoError(t, table.Validate())

	tests := []struct {
		visits, perYear int
		want            int
	}{
		{85, 25, 10},
		{80, 20, 10},
		{85, 10, 7},
		{80, 19, 7},
		{79, 79, 7},
		{60, 0, 7},
		{59, 59, 5},
		{30, 0, 5},
		{29, 29, 3},
		{0, 0, 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.visits, tt.perYear), func(t *testing.T) {
			assert.Equal(t, tt.want, table.PercentFor(tt.visits, tt.perYear))
		})
	}
}

func TestTierTable_FirstMatchWins(t *testing.T) {
	table := TierTable{
		Rules: []TierRule{
			{MinVisits: 10, Percent: 4},
			{MinVisits: 20, Percent: 9}, // shadowed by the rule above
		},
		Fallback: 1,
	}
	assert.Equal(t, 4, table.PercentFor(25, 0))
	assert.Equal(t, 1, table.PercentFor(5, 0))
}

func TestTierTable_Validate(t *testing.T) {
	assert.ErrorIs(t, TierTable{Fallback: -1}.Validate(), ErrInvalidAmount)
	assert.ErrorIs(t, TierTable{Rules: []TierRule{{Percent: 101}}}.Validate(), ErrInvalidAmount)
	assert.ErrorIs(t, TierTable{Rules: []TierRule{{MinVisitsPerYear: 5, MaxVisitsPerYear: 5}}}.Validate(), ErrInvalidAmount)
}

func TestTierTable_SQLCase(t *testing.T) {
	expr, args := DefaultTierTable().SQLCase(func(int) string { return "?" })

	assert.Equal(t,
		"CASE WHEN visits >= ? AND visits_per_year >= ? THEN ?"+
			" WHEN visits >= ? AND visits_per_year < ? THEN ?"+
			" WHEN visits >= ? THEN ?"+
			" WHEN visits >= ? THEN ?"+
			" ELSE ? END",
		expr)
	assert.Equal(t, []any{80, 20, 10, 80, 20, 7, 60, 7, 30, 5, 3}, args)
}

func TestTierTable_SQLCaseNumberedPlaceholders(t *testing.T) {
	table := TierTable{Rules: []TierRule{{Percent: 2}}, Fallback: 1}
	expr, args := table.SQLCase(func(n int) string { return fmt.Sprintf("$%d::int", n) })

	assert.Equal(t, "CASE WHEN 1 = 1 THEN $1::int ELSE $2::int END", expr)
	assert.Equal(t, []any{2, 1}, args)
}
