package dbclient

import (
	"context"
	"time"

	"github.com/asyncdb/client-go/internal/clock"
)

// tokenRateLimiter paces outbound sends to a fixed rate: a buffered
// channel refilled by a ticker, the same ticker-driven idiom the
// scheduler package uses for its own keepalive tick. No third-party
// rate-limiting library appears anywhere in the retrieved pack, so this
// is a small stdlib-only implementation rather than an adopted
// dependency.
type tokenRateLimiter struct {
	tokens chan struct{}
}

func newTokenRateLimiter(ctx context.Context, clk clock.Clock, perSecond int) *tokenRateLimiter {
	rl := &tokenRateLimiter{tokens: make(chan struct{}, perSecond)}
	interval := time.Second / time.Duration(perSecond)
	go rl.refill(ctx, clk, interval)
	return rl
}

func (rl *tokenRateLimiter) refill(ctx context.Context, clk clock.Clock, interval time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until a token is available or ctx is done, satisfying
// sendqueue.RateLimiter.
func (rl *tokenRateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
