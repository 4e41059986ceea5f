package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFromFlags(t *testing.T) {
	cases := []struct {
		flags string
		want  Priority
	}{
		{"A", PriorityA},
		{"A|B|burst", PriorityA},
		{"B|cumulative", PriorityB},
		{"B|C|sampled", PriorityB},
		{"C|sampled", PriorityC},
		{"burst", PriorityNone},
		{"", PriorityNone},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, PriorityFromFlags(c.flags), "flags %q", c.flags)
	}
}

func TestAlwaysAnalyzed(t *testing.T) {
	assert.True(t, PriorityA.AlwaysAnalyzed())
	assert.True(t, PriorityB.AlwaysAnalyzed())
	assert.False(t, PriorityC.AlwaysAnalyzed())
	assert.False(t, PriorityNone.AlwaysAnalyzed())
}

func TestDecideHighPriorityOverrunsBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBudgetStore(1.0)
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	c := NewController(store, clock)

	dec, err := c.Decide(ctx, PriorityA, 5.0)
	require.NoError(t, err)
	assert.True(t, dec.Analyze, "A candidates are always analyzed")
	assert.True(t, dec.OverBudget, "overrun must be visible for logging")
	assert.Equal(t, "forced_by_priority_over_budget", dec.Reason())

	dec, err = c.Decide(ctx, PriorityC, 5.0)
	require.NoError(t, err)
	assert.False(t, dec.Analyze, "C candidates are budget-gated")
	assert.False(t, dec.OverBudget)
	assert.Equal(t, "budget_exceeded", dec.Reason())
}

func TestDecideConsumesPool(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBudgetStore(1.0)
	c := NewController(store, func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	dec, err := c.Decide(ctx, PriorityC, 0.6)
	require.NoError(t, err)
	require.True(t, dec.Analyze)
	assert.InDelta(t, 0.4, dec.Remaining, 1e-9)

	dec, err = c.Decide(ctx, PriorityC, 0.6)
	require.NoError(t, err)
	assert.False(t, dec.Analyze, "second reservation exceeds the remaining pool")
	assert.InDelta(t, 0.4, dec.Remaining, 1e-9, "rejected reservation leaves the balance unchanged")
}

func TestBudgetResetsAtUTCMidnight(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBudgetStore(1.0)

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)

	allowed, _, err := store.Reserve(ctx, UTCDay(day1), 1.0)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, remaining, err := store.Reserve(ctx, UTCDay(day2), 1.0)
	require.NoError(t, err)
	assert.True(t, allowed, "a new UTC day starts with a full pool")
	assert.Zero(t, remaining)
}

func TestUTCDayUsesUTC(t *testing.T) {
	loc := time.FixedZone("JST", 9*3600)
	// 08:30 JST on March 2nd is still March 1st in UTC.
	at := time.Date(2026, 3, 2, 8, 30, 0, 0, loc)
	assert.Equal(t, "2026-03-01", UTCDay(at))
}

func TestEstimateCost(t *testing.T) {
	got := EstimateCost(1000, 500, 0.001, 0.002, 1.2)
	assert.InDelta(t, (1000*0.001+500*0.002)*1.2, got, 1e-9)
}
