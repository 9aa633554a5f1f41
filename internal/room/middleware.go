package room

import (
	"context"
	"errors"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/broker"
	"github.com/luciancaetano/relaynet/internal/ratelimit"
)

var ErrRateLimited = errors.New(relaynet.ErrRateLimited)

// maxCloseReason is the largest close reason a control frame can carry.
const maxCloseReason = 123

// Checker reports the caller's current rate-limit window.
type Checker interface {
	CheckLimit() (ratelimit.Result, error)
}

// RateLimitMiddleware rejects messages once the sender's window is used
// up. A limiter failure closes the connection with 1011.
func RateLimitMiddleware(limiter Checker) broker.Middleware {
	return func(ctx context.Context, h broker.Helpers, next func()) error {
		res, err := limiter.CheckLimit()
		if err != nil {
			h.Logger.Warn().Err(err).Msg("rate limiter failed, closing session")
			_ = h.Session.Close(relaynet.CloseInternalError, truncate(err.Error(), maxCloseReason))
			return nil
		}
		if res.Remaining <= 0 {
			return ErrRateLimited
		}
		next()
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
