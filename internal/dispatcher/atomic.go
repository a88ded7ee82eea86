package dispatcher

import (
	"math"
	"sync/atomic"

	"github.com/runZeroInc/portsweep/internal/ratelimit"
)

// atomicBool is the shared atomic flag Stop() flips and the generator/
// probe tasks observe at their next suspension point, per §5's
// cancellation model.
type atomicBool struct {
	v int32
}

func (b *atomicBool) store(val bool) {
	var i int32
	if val {
		i = 1
	}
	atomic.StoreInt32(&b.v, i)
}

func (b *atomicBool) load() bool {
	return atomic.LoadInt32(&b.v) != 0
}

// newRateLimiterFromConfig builds the dispatcher's ratelimit.Limiter from
// a dispatcher Config. Burst capacity is sized to the rate itself (the
// spec's "capacity R"), not the concurrency ceiling, so a round with high
// concurrency but a low rate limit can't burst far past the configured
// rate at t=0.
func newRateLimiterFromConfig(cfg Config) *ratelimit.Limiter {
	capacity := int(math.Ceil(cfg.RateLimit))
	return ratelimit.New(cfg.RateLimit, capacity)
}
