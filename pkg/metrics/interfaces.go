package metrics

// Metrics collects connection lifecycle counters. Implementations must be
// safe for concurrent use; callers treat every method as best-effort.
type Metrics interface {
	IncrementAttempt()
	IncrementDisconnect()
	IncrementHeartbeatTimeout()
	IncrementExhausted()
	GetStats() map[string]interface{}
}
