package leader

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle bounds user-visible notices to one per recipient per cooldown
// window. It lives in Redis rather than process memory so an old and a new
// instance overlapping during a deploy share the same cooldown state.
type Throttle struct {
	client   *redis.Client
	cooldown time.Duration
}

// NewThrottle builds a throttle with the given per-recipient cooldown.
func NewThrottle(client *redis.Client, cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Throttle{client: client, cooldown: cooldown}
}

// Allow reports whether a notice may be sent to the recipient now. The SET NX
// with expiry is the whole protocol: first caller in a window wins.
func (t *Throttle) Allow(ctx context.Context, recipient string) (bool, error) {
	return t.client.SetNX(ctx, "notice:"+recipient, 1, t.cooldown).Result()
}
