package distributed

import "time"

// Policy controls how workers claim continuations and retry failed ones.
type Policy struct {
	// MaxAttempts bounds deliveries of one continuation before it is
	// dead-lettered. FunctionAttempts overrides it per continuation name.
	MaxAttempts      int
	FunctionAttempts map[string]int

	RetryBase      time.Duration
	RetryCap       time.Duration
	IdleWait       time.Duration
	ClaimBlock     time.Duration
	HeartbeatEvery time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		RetryBase:      500 * time.Millisecond,
		RetryCap:       10 * time.Second,
		IdleWait:       200 * time.Millisecond,
		ClaimBlock:     2 * time.Second,
		HeartbeatEvery: 5 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.RetryBase <= 0 {
		p.RetryBase = def.RetryBase
	}
	if p.RetryCap <= 0 {
		p.RetryCap = def.RetryCap
	}
	p.RetryCap = max(p.RetryCap, p.RetryBase)
	if p.IdleWait <= 0 {
		p.IdleWait = def.IdleWait
	}
	p.ClaimBlock = max(p.ClaimBlock, 0)
	if p.HeartbeatEvery <= 0 {
		p.HeartbeatEvery = def.HeartbeatEvery
	}
	return p
}

// AttemptsFor returns the delivery budget for a continuation name.
func (p Policy) AttemptsFor(function string) int {
	if n := p.FunctionAttempts[function]; n > 0 {
		return n
	}
	return p.normalized().MaxAttempts
}

// RetryDelay is the wait before redelivering a continuation whose attempt
// failed: RetryBase doubled per prior failure, capped at RetryCap.
func (p Policy) RetryDelay(failedAttempt int) time.Duration {
	p = p.normalized()
	delay := p.RetryBase
	for i := 1; i < failedAttempt && delay < p.RetryCap; i++ {
		delay *= 2
	}
	return min(delay, p.RetryCap)
}
