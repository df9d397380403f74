package ubersdr

import (
	"sync"
	"time"
)

const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMaxDelay    = 60 * time.Second
)

// ReconnectPolicy computes the backoff delay between reconnect attempts
// and decides whether another attempt is permitted. Attempts are reset
// only when the connection is confirmed healthy by a status frame, not
// on transport open: a server that accepts the socket and immediately
// kicks the client must not be able to keep the counter at zero.
type ReconnectPolicy struct {
	lock        sync.Mutex
	attempts    int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewReconnectPolicy returns a policy with the standard UberSDR backoff:
// 1s, 2s, 4s, ... capped at 60s, for at most 10 attempts.
func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		maxAttempts: defaultMaxReconnectAttempts,
		baseDelay:   defaultReconnectBaseDelay,
		maxDelay:    defaultReconnectMaxDelay,
	}
}

// NewReconnectPolicyWith returns a policy with explicit parameters.
func NewReconnectPolicyWith(maxAttempts int, baseDelay, maxDelay time.Duration) *ReconnectPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = defaultReconnectBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ReconnectPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// NextDelay records another attempt and returns the delay to wait
// before it: min(2^(attempts-1) * base, cap).
func (policy *ReconnectPolicy) NextDelay() time.Duration {
	policy.lock.Lock()
	defer policy.lock.Unlock()

	policy.attempts++

	delay := policy.baseDelay << uint(policy.attempts-1)
	if delay > policy.maxDelay || delay <= 0 {
		delay = policy.maxDelay
	}
	return delay
}

// CanRetry reports whether another attempt is still permitted.
func (policy *ReconnectPolicy) CanRetry() bool {
	policy.lock.Lock()
	defer policy.lock.Unlock()
	return policy.attempts < policy.maxAttempts
}

// Reset zeroes the attempt counter. Invoked by the connection manager
// on the first authoritative status frame after a connection opens.
func (policy *ReconnectPolicy) Reset() {
	policy.lock.Lock()
	policy.attempts = 0
	policy.lock.Unlock()
}

// Attempts returns the attempts recorded so far.
func (policy *ReconnectPolicy) Attempts() int {
	policy.lock.Lock()
	defer policy.lock.Unlock()
	return policy.attempts
}
