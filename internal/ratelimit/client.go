package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet/internal/jsoncodec"
)

var (
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
	ErrNoStubFactory      = errors.New("ratelimit: NewStub is required")
)

// Stub is a handle to a remote limiter. *http.Client satisfies it.
type Stub interface {
	Do(req *http.Request) (*http.Response, error)
}

type ClientConfig struct {
	Options
	// NewStub returns a fresh handle to the limiter. It is called once up
	// front and again whenever a call through the current stub fails.
	NewStub func() Stub
	// Endpoint is the check URL. Stubs that route by identity ignore the host.
	Endpoint string
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Client answers from its last known limiter state and refreshes that state
// asynchronously on every check. Until the first remote answer arrives it
// reports a full allowance. Checks made while a remote call is in flight
// are counted and sent together in the next call.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	mu      sync.Mutex
	state   *Result
	err     error
	pending int
	running bool

	// owned by the refresh goroutine
	stub Stub

	wg sync.WaitGroup
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.NewStub == nil {
		return nil, ErrNoStubFactory
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://limiter/check"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "ratelimit").Logger(),
		stub:   cfg.NewStub(),
	}, nil
}

// CheckLimit returns the cached window state, or a full allowance before the
// first remote answer, and queues a remote check. Once a remote check has
// failed twice in a row the failure is returned here instead.
func (c *Client) CheckLimit() (Result, error) {
	c.mu.Lock()
	state, err := c.state, c.err
	if err == nil {
		c.pending++
		if !c.running {
			c.running = true
			c.wg.Add(1)
			go c.refresh()
		}
	}
	c.mu.Unlock()

	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrLimiterUnavailable, err)
	}

	if state != nil {
		return *state, nil
	}
	return DefaultState(c.cfg.Options, time.Now()), nil
}

// Wait blocks until all queued remote checks have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// refresh drains pending checks until none are left. At most one refresh
// goroutine runs per client.
func (c *Client) refresh() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		n := c.pending
		c.pending = 0
		if n == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		res, err := c.call(c.stub, n)
		if err != nil {
			c.logger.Debug().Err(err).Msg("limiter call failed, refreshing stub")
			c.stub = c.cfg.NewStub()
			res, err = c.call(c.stub, n)
		}

		c.mu.Lock()
		if err != nil {
			c.logger.Warn().Err(err).Msg("limiter unavailable")
			c.err = err
			c.pending = 0
			c.running = false
			c.mu.Unlock()
			return
		}
		c.state = &res
		c.err = nil
		c.mu.Unlock()
	}
}

func (c *Client) call(stub Stub, n int) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.Endpoint
	if n > 1 {
		u, err := url.Parse(endpoint)
		if err != nil {
			return Result{}, err
		}
		q := u.Query()
		q.Set("n", strconv.Itoa(n))
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(nil))
	if err != nil {
		return Result{}, err
	}

	resp, err := stub.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("limiter returned status %d", resp.StatusCode)
	}

	var res Result
	if err := jsoncodec.Decode(resp.Body, &res); err != nil {
		return Result{}, fmt.Errorf("decode limiter response: %w", err)
	}
	return res, nil
}
