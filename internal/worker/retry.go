package worker

// DefaultMaxRetries is the number of failed submissions after which an action
// is dropped from the queue.
const DefaultMaxRetries = 3

// RetryPolicy bounds how many times an action is submitted. There is no
// backoff: a failed action is retried on the next drain.
type RetryPolicy struct {
	MaxRetries int
}

// Exhausted reports whether an action with retryCount failed attempts must be
// dropped.
func (r RetryPolicy) Exhausted(retryCount int) bool {
	max := r.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return retryCount >= max
}
