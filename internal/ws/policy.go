package ws

import "time"

const DefaultReconnectDelay = 5 * time.Second

// ReconnectPolicy decides how long to wait before each reconnect attempt and
// when to stop trying. Attempts are counted from 1.
type ReconnectPolicy struct {
	Delay      time.Duration
	MaxDelay   time.Duration // zero means uncapped
	Multiplier float64       // values <= 1 give a fixed delay
	// MaxAttempts bounds consecutive failed reconnects. Zero retries forever.
	MaxAttempts int
}

// DefaultReconnectPolicy retries every five seconds, forever.
func DefaultReconnectPolicy() ReconnectPolicy {
	return FixedDelay(DefaultReconnectDelay)
}

func FixedDelay(d time.Duration) ReconnectPolicy {
	return ReconnectPolicy{Delay: d, Multiplier: 1}
}

func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
