// Package ratelimit implements the fixed-window request counter that backs
// per-IP limits, and the caching client brokers use to consult it.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/luciancaetano/relaynet/internal/jsoncodec"
)

// Options configures a window.
type Options struct {
	Duration    time.Duration
	MaxRequests int
}

// Result is the window state returned by a check. Reset is in seconds,
// ResetMs in milliseconds since the Unix epoch.
type Result struct {
	Limit     int     `json:"limit"`
	Remaining int     `json:"remaining"`
	Reset     float64 `json:"reset"`
	ResetMs   int64   `json:"resetMs"`
}

// DefaultState is the full allowance for a window starting now.
func DefaultState(opts Options, now time.Time) Result {
	return newResult(opts.MaxRequests, opts.MaxRequests, now.Add(opts.Duration))
}

func newResult(limit, remaining int, reset time.Time) Result {
	ms := reset.UnixMilli()
	return Result{
		Limit:     limit,
		Remaining: remaining,
		Reset:     float64(ms) / 1000,
		ResetMs:   ms,
	}
}

// Limiter counts requests in a fixed window that rolls over lazily on the
// first check after it expires. Every check counts as a request.
type Limiter struct {
	opts Options
	now  func() time.Time

	mu           sync.Mutex
	requestTimes []time.Time
	resetTime    time.Time
}

func NewLimiter(opts Options) *Limiter {
	return &Limiter{opts: opts, now: time.Now}
}

// CheckLimit records a request and returns the updated window state.
// Remaining goes negative once the limit is exceeded.
func (l *Limiter) CheckLimit() Result {
	return l.CheckLimitN(1)
}

// CheckLimitN records n requests at once.
func (l *Limiter) CheckLimitN(n int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.resetTime.IsZero() || !now.Before(l.resetTime) {
		l.resetTime = now.Add(l.opts.Duration)
	}
	windowStart := l.resetTime.Add(-l.opts.Duration)

	for i := 0; i < n; i++ {
		l.requestTimes = append(l.requestTimes, now)
	}
	kept := l.requestTimes[:0]
	for _, t := range l.requestTimes {
		if !t.Before(windowStart) && t.Before(l.resetTime) {
			kept = append(kept, t)
		}
	}
	l.requestTimes = kept

	return newResult(l.opts.MaxRequests, l.opts.MaxRequests-len(kept), l.resetTime)
}

// ServeHTTP answers POST with the JSON result of a check. The optional n
// query parameter counts several requests in one call.
func (l *Limiter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	n := 1
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = v
	}

	res := l.CheckLimitN(n)
	w.Header().Set("Content-Type", "application/json")
	_ = jsoncodec.Encode(w, res)
}

// Idle reports whether the current window has expired, meaning the limiter
// holds no state worth keeping.
func (l *Limiter) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetTime.IsZero() || !l.now().Before(l.resetTime)
}
