package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0gfoundation/cashdesk/internal/money"
)

// fakeService answers hardware-control calls by operation name.
type fakeService struct {
	mu    sync.Mutex
	hits  map[string]int
	reply map[string][]string // per op, successive bodies; "!409" sets a status
}

func newFakeService(t *testing.T, reply map[string][]string) (*fakeService, string) {
	t.Helper()
	f := &fakeService{hits: map[string]int{}, reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		f.mu.Lock()
		n := f.hits[op]
		f.hits[op]++
		bodies := f.reply[op]
		f.mu.Unlock()

		if len(bodies) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := bodies[len(bodies)-1]
		if n < len(bodies) {
			body = bodies[n]
		}
		if strings.HasPrefix(body, "!") {
			code := http.StatusConflict
			if body == "!500" {
				code = http.StatusInternalServerError
			}
			w.WriteHeader(code)
			return
		}
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[op]
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--api-url", url, "--api-key", "k"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

const assignmentBody = `[
 {"value":100,"countryCode":"EUR","channel":1,"stored":2,"isRecyclable":true,"acceptRoute":"PAYOUT"},
 {"value":500,"countryCode":"EUR","channel":2,"stored":0,"isRecyclable":true,"acceptRoute":"PAYOUT"},
 {"value":1000,"countryCode":"EUR","channel":3,"stored":0,"storedInCashbox":4,"isRecyclable":false,"acceptRoute":"CASHBOX"}
]`

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"status", "levels", "assignment", "dispense", "route", "counters", "unsafe"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestRequiresAPIURL(t *testing.T) {
	t.Setenv("DEVICE_API_URL", "")
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"status", "-d", "dev1"})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestInvalidFormat(t *testing.T) {
	_, url := newFakeService(t, nil)
	_, err := run(t, url, "--format", "yaml", "status", "-d", "dev1")
	assert.ErrorContains(t, err, "invalid format")
}

func TestStatus(t *testing.T) {
	_, url := newFakeService(t, map[string][]string{
		"GetDeviceStatus": {`[{"stateAsString":"STARTED"},{"stateAsString":"IDLE"}]`},
	})
	out, err := run(t, url, "status", "-d", "dev1")
	require.NoError(t, err)
	assert.Equal(t, "dev1: IDLE\n", out)

	_, err = run(t, url, "status")
	assert.ErrorContains(t, err, "--device")
}

func TestAssignment_JSON(t *testing.T) {
	_, url := newFakeService(t, map[string][]string{"GetCurrencyAssignment": {assignmentBody}})

	out, err := run(t, url, "--format", "json", "assignment", "-d", "dev1")
	require.NoError(t, err)
	var entries []money.DenominationEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, money.Cents(100), entries[0].Value)
	assert.Equal(t, 2, entries[0].StoredInRecycler)
	assert.Equal(t, money.RouteCashbox, entries[2].Route)
}

func TestLevels_Text(t *testing.T) {
	_, url := newFakeService(t, map[string][]string{
		"GetAllLevels": {`[{"value":200,"stored":3,"countryCode":"EUR"},{"value":500,"stored":1,"countryCode":"EUR"}]`},
	})
	out, err := run(t, url, "levels", "-d", "coin1")
	require.NoError(t, err)
	assert.Contains(t, out, "2.00")
	assert.Contains(t, out, "11.00", "total of 3×2.00 and 1×5.00")
}

func TestDispense_RetriesBusy(t *testing.T) {
	f, url := newFakeService(t, map[string][]string{"DispenseValue": {"!409", "true"}})

	out, err := run(t, url, "dispense", "200", "-d", "coin1")
	require.NoError(t, err)
	assert.Contains(t, out, "dispensed 2.00 EUR")
	assert.Equal(t, 2, f.count("DispenseValue"))
}

func TestDispense_Fatal(t *testing.T) {
	f, url := newFakeService(t, map[string][]string{"DispenseValue": {"!500"}})

	_, err := run(t, url, "dispense", "200", "-d", "coin1")
	assert.Error(t, err)
	assert.Equal(t, 1, f.count("DispenseValue"), "fatal outcomes are not retried")
}

func TestRoute(t *testing.T) {
	f, url := newFakeService(t, map[string][]string{"SetDenominationRoute": {"true"}})

	out, err := run(t, url, "route", "500", "recycler", "-d", "bill1")
	require.NoError(t, err)
	assert.Contains(t, out, "recycler")
	assert.Equal(t, 1, f.count("SetDenominationRoute"))

	_, err = run(t, url, "route", "500", "drawer", "-d", "bill1")
	assert.ErrorContains(t, err, "invalid route")
}

func TestCounters(t *testing.T) {
	f, url := newFakeService(t, map[string][]string{"GetCounters": {`{"dispensed":12,"accepted":40}`}})

	out, err := run(t, url, "counters", "-d", "bill1")
	require.NoError(t, err)
	assert.Contains(t, out, "advisory")
	assert.Contains(t, out, "accepted")

	_, err = run(t, url, "counters", "-d", "coin1", "--role", "coin")
	assert.Error(t, err)
	assert.Equal(t, 1, f.count("GetCounters"), "forbidden role must not reach the service")

	_, err = run(t, url, "counters", "-d", "coin1", "--role", "coin", "--counters", "allowed")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("GetCounters"))
}

func TestUnsafe(t *testing.T) {
	_, url := newFakeService(t, map[string][]string{"GetCurrencyAssignment": {assignmentBody}})

	out, err := run(t, url, "--format", "json", "unsafe", "500", "dev1")
	require.NoError(t, err)
	var report struct {
		Stock  money.Cents   `json:"stock_cents"`
		Unsafe []money.Cents `json:"unsafe"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, money.Cents(200), report.Stock, "only recycler stock pays change")
	assert.Equal(t, []money.Cents{1000}, report.Unsafe)

	out, err = run(t, url, "unsafe", "100", "-d", "dev1")
	require.NoError(t, err)
	assert.Contains(t, out, "unsafe for 1.00")
}

func TestParseCents(t *testing.T) {
	v, err := parseCents("1250")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(1250), v)

	for _, bad := range []string{"0", "-5", "12.50", "x"} {
		_, err := parseCents(bad)
		assert.Error(t, err, bad)
	}
}
