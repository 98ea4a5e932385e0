package refund

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/money"
)

// fakeMachine keeps payout stock per device and pays it out on Dispense.
type fakeMachine struct {
	mu        sync.Mutex
	stock     map[string]map[money.Cents]int
	failValue map[money.Cents]devicesvc.Status
	readFail  map[string]bool
	log       []string
}

func newMachine() *fakeMachine {
	return &fakeMachine{
		stock:     map[string]map[money.Cents]int{},
		failValue: map[money.Cents]devicesvc.Status{},
		readFail:  map[string]bool{},
	}
}

func (m *fakeMachine) Assignment(_ context.Context, id string) (money.InventorySnapshot, devicesvc.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readFail[id] {
		return money.InventorySnapshot{}, devicesvc.Outcome{Status: devicesvc.StatusFatal, Op: "GetCurrencyAssignment"}
	}
	var entries []money.DenominationEntry
	ch := 0
	for v, n := range m.stock[id] {
		ch++
		entries = append(entries, money.DenominationEntry{
			Value: v, CountryCode: "EUR", Channel: ch, StoredInRecycler: n, Recyclable: true, Route: money.RouteRecycler,
		})
	}
	return money.NewSnapshot(id, time.Now(), entries), devicesvc.Outcome{Status: devicesvc.StatusOK}
}

func (m *fakeMachine) Dispense(_ context.Context, id string, v money.Cents, _ string) devicesvc.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, "dispense:"+id)
	if st, ok := m.failValue[v]; ok {
		return devicesvc.Outcome{Status: st, Op: "DispenseValue"}
	}
	if m.stock[id][v] == 0 {
		return devicesvc.Outcome{Status: devicesvc.StatusInvalid, Op: "DispenseValue"}
	}
	m.stock[id][v]--
	return devicesvc.Outcome{Status: devicesvc.StatusOK, Op: "DispenseValue"}
}

func (m *fakeMachine) Disable(_ context.Context, id string) devicesvc.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, "disable:"+id)
	return devicesvc.Outcome{Status: devicesvc.StatusOK, Op: "DisableAcceptor"}
}

var (
	bill = &money.DeviceHandle{DeviceID: "bill", Role: money.RoleBill, Currency: "EUR"}
	coin = &money.DeviceHandle{DeviceID: "coin", Role: money.RoleCoin, Currency: "EUR"}
)

func TestRefund_BillsThenCoins(t *testing.T) {
	m := newMachine()
	m.stock["bill"] = map[money.Cents]int{500: 1, 1000: 2}
	m.stock["coin"] = map[money.Cents]int{100: 5, 200: 3, 50: 2}
	e := NewEngine(m, m, zap.NewNop())

	res := e.Refund(context.Background(), 2850, bill, coin)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, money.Cents(0), res.Remaining)
	assert.Equal(t, []Line{
		{DeviceID: "bill", Value: 1000, CountryCode: "EUR", Count: 2, Amount: 2000},
		{DeviceID: "bill", Value: 500, CountryCode: "EUR", Count: 1, Amount: 500},
		{DeviceID: "coin", Value: 200, CountryCode: "EUR", Count: 1, Amount: 200},
		{DeviceID: "coin", Value: 100, CountryCode: "EUR", Count: 1, Amount: 100},
		{DeviceID: "coin", Value: 50, CountryCode: "EUR", Count: 1, Amount: 50},
	}, res.Breakdown)

	// acceptors are disabled before anything is paid out
	require.GreaterOrEqual(t, len(m.log), 2)
	assert.ElementsMatch(t, []string{"disable:bill", "disable:coin"}, m.log[:2])
}

func TestRefund_NonPositiveShortCircuits(t *testing.T) {
	m := newMachine()
	e := NewEngine(m, m, zap.NewNop())
	for _, amt := range []money.Cents{0, -100} {
		res := e.Refund(context.Background(), amt, bill, coin)
		assert.True(t, res.Success)
		assert.Empty(t, res.Breakdown)
	}
	assert.Empty(t, m.log, "no device calls for a zero refund")
}

func TestRefund_DeviceWithoutStockSkipped(t *testing.T) {
	m := newMachine()
	m.stock["bill"] = map[money.Cents]int{1000: 3}
	m.stock["coin"] = map[money.Cents]int{100: 5}
	e := NewEngine(m, m, zap.NewNop())

	res := e.Refund(context.Background(), 300, bill, coin)
	require.True(t, res.Success)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Breakdown, 1)
	assert.Equal(t, "coin", res.Breakdown[0].DeviceID)
}

func TestRefund_Shortfall(t *testing.T) {
	m := newMachine()
	m.stock["coin"] = map[money.Cents]int{200: 2}
	e := NewEngine(m, m, zap.NewNop())

	res := e.Refund(context.Background(), 500, nil, coin)
	assert.False(t, res.Success)
	assert.Equal(t, money.Cents(100), res.Remaining)
	assert.Equal(t, money.Cents(400), res.Dispensed())
}

func TestRefund_DispenseFailureFallsThrough(t *testing.T) {
	m := newMachine()
	m.stock["bill"] = map[money.Cents]int{500: 2}
	m.stock["coin"] = map[money.Cents]int{100: 10}
	m.failValue[500] = devicesvc.StatusBusy
	e := NewEngine(m, m, zap.NewNop())

	res := e.Refund(context.Background(), 700, bill, coin)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.Errors, "the failed bill dispense is reported")
	assert.Equal(t, []Line{{DeviceID: "coin", Value: 100, CountryCode: "EUR", Count: 7, Amount: 700}}, res.Breakdown)
}

func TestRefund_InventoryReadFailure(t *testing.T) {
	m := newMachine()
	m.readFail["bill"] = true
	m.stock["coin"] = map[money.Cents]int{100: 2}
	e := NewEngine(m, m, zap.NewNop())

	res := e.Refund(context.Background(), 500, bill, coin)
	assert.False(t, res.Success)
	assert.Equal(t, money.Cents(300), res.Remaining)
	assert.NotEmpty(t, res.Errors)
}

func TestPayOut_DoesNotDisable(t *testing.T) {
	m := newMachine()
	m.stock["coin"] = map[money.Cents]int{100: 2}
	e := NewEngine(m, m, zap.NewNop())

	res := e.PayOut(context.Background(), 200, coin)
	require.True(t, res.Success)
	for _, call := range m.log {
		assert.NotEqual(t, "disable:coin", call)
	}
}

func TestProperty_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	billValues := []money.Cents{500, 1000, 2000}
	coinValues := []money.Cents{10, 20, 50, 100, 200}

	for run := 0; run < 300; run++ {
		m := newMachine()
		m.stock["bill"] = map[money.Cents]int{}
		m.stock["coin"] = map[money.Cents]int{}
		for _, v := range billValues {
			m.stock["bill"][v] = rng.Intn(4)
		}
		for _, v := range coinValues {
			m.stock["coin"][v] = rng.Intn(6)
		}
		if rng.Intn(5) == 0 {
			m.failValue[coinValues[rng.Intn(len(coinValues))]] = devicesvc.StatusFatal
		}
		amount := money.Cents(rng.Intn(600)) * 10

		res := NewEngine(m, m, zap.NewNop()).Refund(context.Background(), amount, bill, coin)
		require.Equal(t, amount, res.Dispensed()+res.Remaining, "run %d", run)
		require.GreaterOrEqual(t, res.Remaining, money.Cents(0))
		require.Equal(t, res.Remaining == 0, res.Success)
	}
}
