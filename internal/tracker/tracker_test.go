package tracker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/money"
)

func snap(id string, counts map[money.Cents]int) money.InventorySnapshot {
	entries := make([]money.DenominationEntry, 0, len(counts))
	for v, n := range counts {
		entries = append(entries, money.DenominationEntry{
			Value: v, CountryCode: "EUR", StoredInRecycler: n, Recyclable: true, Route: money.RouteRecycler,
		})
	}
	return money.NewSnapshot(id, time.Now(), entries)
}

func TestUpdate_NewDenominationCredited(t *testing.T) {
	tr := New(zap.NewNop())
	require.NoError(t, tr.SetBaseline("bill", snap("bill", map[money.Cents]int{500: 2})))

	delta, err := tr.Update("bill", snap("bill", map[money.Cents]int{500: 2, 100: 3}))
	require.NoError(t, err)
	assert.Equal(t, money.Cents(300), delta)
	assert.Equal(t, money.Cents(300), tr.TotalCents())
}

func TestUpdate_RegressionIsClamped(t *testing.T) {
	tr := New(zap.NewNop())
	require.NoError(t, tr.SetBaseline("coin", snap("coin", map[money.Cents]int{100: 5, 200: 5})))

	// one 200 gone, two 100 added: the missing coin must not eat the credit
	delta, err := tr.Update("coin", snap("coin", map[money.Cents]int{100: 7, 200: 4}))
	require.NoError(t, err)
	assert.Equal(t, money.Cents(200), delta)
}

func TestUpdate_HighWaterMark(t *testing.T) {
	tr := New(zap.NewNop())
	require.NoError(t, tr.SetBaseline("bill", snap("bill", map[money.Cents]int{500: 1})))

	d1, _ := tr.Update("bill", snap("bill", map[money.Cents]int{500: 3}))
	assert.Equal(t, money.Cents(1000), d1)

	d2, _ := tr.Update("bill", snap("bill", map[money.Cents]int{500: 2}))
	assert.Equal(t, money.Cents(1000), d2, "lower intermediate snapshot reduced the delta")

	d3, _ := tr.Update("bill", snap("bill", map[money.Cents]int{500: 4}))
	assert.Equal(t, money.Cents(1500), d3)
}

func TestUpdate_NoBaseline(t *testing.T) {
	tr := New(zap.NewNop())
	_, err := tr.Update("ghost", snap("ghost", nil))
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestGuards_WhileActive(t *testing.T) {
	tr := New(zap.NewNop())
	require.NoError(t, tr.SetBaseline("bill", snap("bill", map[money.Cents]int{500: 1})))
	tr.SetActive(true)

	assert.ErrorIs(t, tr.Reset(), ErrResetWhileActive)
	assert.ErrorIs(t, tr.SetBaseline("bill", snap("bill", nil)), ErrBaselineLocked)

	tr.SetActive(false)
	assert.NoError(t, tr.Reset())
}

func TestReset_KeepsBaseline(t *testing.T) {
	tr := New(zap.NewNop())
	require.NoError(t, tr.SetBaseline("bill", snap("bill", map[money.Cents]int{500: 1})))
	tr.Update("bill", snap("bill", map[money.Cents]int{500: 2}))

	require.NoError(t, tr.Reset())
	assert.Equal(t, money.Cents(0), tr.TotalCents())

	delta, err := tr.Update("bill", snap("bill", map[money.Cents]int{500: 2}))
	require.NoError(t, err)
	assert.Equal(t, money.Cents(500), delta, "next update must measure against the prior baseline")
}

func TestRemoveDevice(t *testing.T) {
	tr := New(zap.NewNop())
	require.NoError(t, tr.SetBaseline("bill", snap("bill", map[money.Cents]int{500: 1})))
	require.NoError(t, tr.SetBaseline("coin", snap("coin", map[money.Cents]int{100: 1})))
	tr.Update("bill", snap("bill", map[money.Cents]int{500: 2}))
	tr.Update("coin", snap("coin", map[money.Cents]int{100: 4}))

	tr.RemoveDevice("bill")
	assert.Equal(t, money.Cents(300), tr.TotalCents())
	_, ok := tr.Baseline("bill")
	assert.False(t, ok)

	amounts := tr.Amounts()
	require.Len(t, amounts, 1)
	assert.Equal(t, Amount{DeviceID: "coin", Baseline: 100, Current: 400, Delta: 300}, amounts[0])
}

// Random walks over two devices: deltas never decrease and always add up to the total.
func TestProperty_MonotonicAndSummed(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := []money.Cents{100, 200, 500, 1000, 2000}

	for run := 0; run < 200; run++ {
		tr := New(zap.NewNop())
		counts := map[string]map[money.Cents]int{"bill": {}, "coin": {}}
		for id, c := range counts {
			for _, v := range values {
				c[v] = rng.Intn(5)
			}
			require.NoError(t, tr.SetBaseline(id, snap(id, c)))
		}
		tr.SetActive(true)

		last := map[string]money.Cents{}
		for step := 0; step < 30; step++ {
			id := "bill"
			if rng.Intn(2) == 0 {
				id = "coin"
			}
			c := counts[id]
			v := values[rng.Intn(len(values))]
			c[v] += rng.Intn(5) - 2
			if c[v] < 0 {
				c[v] = 0
			}

			d, err := tr.Update(id, snap(id, c))
			require.NoError(t, err)
			require.GreaterOrEqual(t, d, last[id], "run %d step %d", run, step)
			last[id] = d
			require.Equal(t, last["bill"]+last["coin"], tr.TotalCents())
		}
	}
}
