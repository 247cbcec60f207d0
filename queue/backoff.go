package queue

import (
	"math/rand"
	"time"

	"github.com/mjl-mta/relaylib/message"
)

// BackoffFunc decides the delay before the next delivery attempt of env,
// given the attempt number that just failed transiently (1 for the first
// retry). Returning ok=false tells the engine to treat the message as
// permanently failed (spec.md §4.5: "if it returns 'no more', treat as
// permanent").
type BackoffFunc func(env *message.Envelope, attempt int) (d time.Duration, ok bool)

// DefaultBackoff reimplements the teacher's exponential schedule from
// queue/queue.go's deliver (base ~7m30s with +-5s jitter, doubling each
// attempt), giving up once attempt exceeds maxAttempts.
func DefaultBackoff(maxAttempts int) BackoffFunc {
	return func(env *message.Envelope, attempt int) (time.Duration, bool) {
		if maxAttempts > 0 && attempt > maxAttempts {
			return 0, false
		}
		base := time.Duration(7*60+30+rand.Intn(10)-5) * time.Second
		for i := 1; i < attempt; i++ {
			base *= 2
		}
		return base, true
	}
}
