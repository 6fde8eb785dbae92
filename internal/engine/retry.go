package engine

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Bounds on server-requested delayed retries.
const (
	// maxServerRetries caps how many busy-retry cycles one command may
	// burn before degrading to a plain temporary failure.
	maxServerRetries = 3

	// maxServerRetryDelay caps how long the server can make us wait. A
	// Retry-After beyond this is treated as "come back via backoff".
	maxServerRetryDelay = 10 * time.Minute
)

// serverRetryPolicy permits a bounded number of server-requested delayed
// relaunches per command, honoring the server's Retry-After as a lower
// bound.
type serverRetryPolicy struct {
	mu       sync.Mutex
	attempts int
}

// Permit implements protocol.RetryPolicy.
func (p *serverRetryPolicy) Permit(
	retryAfter fn.Option[time.Duration],
) (time.Duration, bool) {
	delay := retryAfter.UnwrapOr(0)
	if delay <= 0 || delay > maxServerRetryDelay {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.attempts > maxServerRetries {
		return 0, false
	}

	return delay, true
}
