package state

import "time"

const (
	reconnectBaseDelay   = 5 * time.Second
	reconnectMaxAttempts = 10
)

// backoff tracks consecutive connection failures for one stream. The delay
// grows linearly with the attempt count; once maxAttempts is reached next
// reports false and the stream stays down until the process restarts.
type backoff struct {
	base        time.Duration
	maxAttempts int
	attempts    int
}

func newBackoff() *backoff {
	return &backoff{base: reconnectBaseDelay, maxAttempts: reconnectMaxAttempts}
}

// next records a failure and returns the delay before the following attempt.
// The second return is false when the attempt budget is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	b.attempts++
	if b.attempts > b.maxAttempts {
		return 0, false
	}
	return time.Duration(b.attempts) * b.base, true
}

// reset clears the failure count after a successful connection.
func (b *backoff) reset() {
	b.attempts = 0
}
