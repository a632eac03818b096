package subscriptions

import "time"

// Config holds the subscription engine's tunables.
type Config struct {
	// GapTimeout is how long a gap is tolerated in the pending queue before
	// the subscriber promotes the subscription to resync.
	GapTimeout time.Duration
	// MaxPending bounds the pending queue; exceeding it rejects the callback
	// (back-pressure).
	MaxPending int
	// MaxRetries bounds optimistic-locking retries on the callback state
	// write.
	MaxRetries int
	// RetryBackoffBase is the base delay for the exponential backoff between
	// retries (doubled per attempt).
	RetryBackoffBase time.Duration
	// SyncCallbacks forces synchronous, blocking delivery of outbound
	// callbacks (serverless/FaaS mode). When false, delivery is attempted
	// via the configured Dispatcher.
	SyncCallbacks bool
	// ResyncCacheTTL bounds how long a peer's resync-capability is trusted
	// before being treated as stale.
	ResyncCacheTTL time.Duration
}

// DefaultConfig returns the default tuning figures.
func DefaultConfig() Config {
	return Config{
		GapTimeout:       5 * time.Second,
		MaxPending:       100,
		MaxRetries:       3,
		RetryBackoffBase: 500 * time.Millisecond,
		SyncCallbacks:    false,
		ResyncCacheTTL:   10 * time.Minute,
	}
}
