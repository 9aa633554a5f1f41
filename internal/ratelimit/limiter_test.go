package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaynet/internal/jsoncodec"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(opts Options) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(opts)
	l.now = clock.Now
	return l, clock
}

func TestLimiterFixedWindow(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Options{Duration: time.Minute, MaxRequests: 3})
	start := clock.Now()

	tests := []struct {
		advance   time.Duration
		remaining int
	}{
		{0, 2},
		{10 * time.Second, 1},
		{10 * time.Second, 0},
		{10 * time.Second, -1},
	}

	for _, tt := range tests {
		clock.Advance(tt.advance)
		res := l.CheckLimit()
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, tt.remaining, res.Remaining)
		assert.Equal(t, start.Add(time.Minute).UnixMilli(), res.ResetMs)
	}

	// past the reset instant the next check opens a fresh window
	clock.Advance(31 * time.Second)
	res := l.CheckLimit()
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), res.ResetMs)
}

func TestLimiterRolloverAtExactReset(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Options{Duration: time.Second, MaxRequests: 1})

	assert.Equal(t, 0, l.CheckLimit().Remaining)
	clock.Advance(time.Second)
	assert.Equal(t, 0, l.CheckLimit().Remaining, "a request at the reset instant belongs to the new window")
}

func TestLimiterResetUnits(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Options{Duration: 1500 * time.Millisecond, MaxRequests: 10})
	res := l.CheckLimit()

	assert.InDelta(t, float64(res.ResetMs)/1000, res.Reset, 1e-9)
}

func TestDefaultState(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	res := DefaultState(Options{Duration: time.Minute, MaxRequests: 1000}, now)

	assert.Equal(t, Result{
		Limit:     1000,
		Remaining: 1000,
		Reset:     1_700_000_060,
		ResetMs:   1_700_000_060_000,
	}, res)
}

func TestLimiterConcurrentChecks(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Options{Duration: time.Minute, MaxRequests: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.CheckLimit()
		}()
	}
	wg.Wait()

	assert.Equal(t, 899, l.CheckLimit().Remaining)
}

func TestLimiterIdle(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Options{Duration: time.Minute, MaxRequests: 5})
	assert.True(t, l.Idle(), "a fresh limiter holds no window")

	l.CheckLimit()
	assert.False(t, l.Idle())

	clock.Advance(time.Minute)
	assert.True(t, l.Idle())
}

func TestLimiterServeHTTP(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Options{Duration: time.Minute, MaxRequests: 5})

	tests := []struct {
		name       string
		method     string
		wantStatus int
	}{
		{"post counts a request", http.MethodPost, http.StatusOK},
		{"get is rejected", http.MethodGet, http.StatusMethodNotAllowed},
		{"put is rejected", http.MethodPut, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		l.ServeHTTP(rec, httptest.NewRequest(tt.method, "/check", nil))
		assert.Equal(t, tt.wantStatus, rec.Code, tt.name)

		if tt.wantStatus == http.StatusOK {
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var res Result
			require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, 4, res.Remaining)
			assert.Equal(t, 5, res.Limit)
		} else {
			assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
		}
	}
}

func TestLimiterServeHTTPCount(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Options{Duration: time.Minute, MaxRequests: 10})

	tests := []struct {
		target        string
		wantStatus    int
		wantRemaining int
	}{
		{"/check?n=4", http.StatusOK, 6},
		{"/check", http.StatusOK, 5},
		{"/check?n=0", http.StatusBadRequest, 0},
		{"/check?n=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		l.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.target, nil))
		require.Equal(t, tt.wantStatus, rec.Code, tt.target)

		if tt.wantStatus == http.StatusOK {
			var res Result
			require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, tt.wantRemaining, res.Remaining, tt.target)
		}
	}
}
