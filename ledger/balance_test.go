package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

func entry(id EntryID, amount int64, days int) CreditEntry {
	return CreditEntry{ID: id, Amount: amount, ExpireDate: now.AddDate(0, 0, days)}
}

func TestConsume(t *testing.T) {
	tests := []struct {
		name      string
		entries   []CreditEntry
		requested int64
		want      []entryUpdate
		taken     int64
	}{
		{
			name:      "first entry covers request",
			entries:   []CreditEntry{entry(1, 5, 1), entry(2, 5, 2)},
			requested: 3,
			want:      []entryUpdate{{ID: 1, Amount: 2}},
			taken:     3,
		},
		{
			name:      "exact fit stops at zero",
			entries:   []CreditEntry{entry(1, 5, 1), entry(2, 5, 2)},
			requested: 5,
			want:      []entryUpdate{{ID: 1, Amount: 0}},
			taken:     5,
		},
		{
			name:      "spills into second entry",
			entries:   []CreditEntry{entry(2, 50, 5), entry(1, 100, 10)},
			requested: 120,
			want:      []entryUpdate{{ID: 2, Amount: 0}, {ID: 1, Amount: 30}},
			taken:     120,
		},
		{
			name:      "insufficient balance drains everything",
			entries:   []CreditEntry{entry(1, 20, 1), entry(2, 30, 2)},
			requested: 80,
			want:      []entryUpdate{{ID: 1, Amount: 0}, {ID: 2, Amount: 0}},
			taken:     50,
		},
		{
			name:      "no entries",
			requested: 10,
			taken:     0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, taken := consume(tt.entries, tt.requested)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.taken, taken)
			assert.LessOrEqual(t, taken, tt.requested)
		})
	}
}

func TestSummarizeBalance(t *testing.T) {
	entries := []CreditEntry{
		entry(1, 10, 30),
		entry(2, 15, 7),
		entry(3, 5, 7),
		entry(4, 0, 3),   // exhausted
		entry(5, 99, -1), // expired
	}
	b := SummarizeBalance(entries, now)

	assert.Equal(t, int64(30), b.TotalPoints)
	if assert.NotNil(t, b.NearestExpiration) {
		assert.Equal(t, now.AddDate(0, 0, 7), *b.NearestExpiration)
	}
	assert.Equal(t, int64(20), b.ExpiringAtNearest)
}

func TestSummarizeBalance_Empty(t *testing.T) {
	assert.Equal(t, Balance{}, SummarizeBalance(nil, now))
	assert.Equal(t, Balance{}, SummarizeBalance([]CreditEntry{entry(1, 0, 5)}, now))
}

func TestCreditEntry_Liveness(t *testing.T) {
	atNow := CreditEntry{Amount: 5, ExpireDate: now}
	assert.False(t, atNow.Live(now), "expiring now is no longer redeemable")
	assert.False(t, atNow.Collectable(now), "but cleanup waits until it is in the past")

	assert.True(t, entry(1, 0, 10).Collectable(now))
	assert.True(t, entry(1, 5, -1).Collectable(now))
	assert.True(t, entry(1, 5, 1).Live(now))
}

func TestCashback(t *testing.T) {
	assert.Equal(t, int64(45), Cashback(1500, 3))
	assert.Equal(t, int64(0), Cashback(0, 10))
	assert.Equal(t, int64(69), Cashback(999, 7))
	assert.Equal(t, int64(922337203685477580), Cashback(9223372036854775807, 10), "no overflow on large purchases")
}
