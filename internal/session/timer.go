package session

import "time"

const (
	// DefaultMaxDuration caps every session.
	DefaultMaxDuration = 15 * time.Minute

	// DefaultWarningWindow is the final stretch during which the warning
	// flag is raised.
	DefaultWarningWindow = 60 * time.Second
)

// countdownStep is the amount each tick removes.
const countdownStep = time.Second

// Countdown is the session timer. Each [Countdown.Tick] removes one second.
// Not safe for concurrent use.
type Countdown struct {
	remaining time.Duration
	warning   time.Duration
	expired   bool
}

// NewCountdown returns a countdown from total with the given warning window.
// Non-positive values select the defaults.
func NewCountdown(total, warning time.Duration) *Countdown {
	if total <= 0 {
		total = DefaultMaxDuration
	}
	if warning <= 0 {
		warning = DefaultWarningWindow
	}
	return &Countdown{remaining: total, warning: warning}
}

// Tick advances the countdown by one second. It returns true exactly once:
// on the tick that reaches zero.
func (c *Countdown) Tick() bool {
	if c.expired {
		return false
	}
	c.remaining = max(0, c.remaining-countdownStep)
	if c.remaining == 0 {
		c.expired = true
		return true
	}
	return false
}

// Remaining returns the time left.
func (c *Countdown) Remaining() time.Duration { return c.remaining }

// Warning reports whether the countdown is inside the warning window.
func (c *Countdown) Warning() bool {
	return !c.expired && c.remaining <= c.warning
}

// Expired reports whether the countdown reached zero.
func (c *Countdown) Expired() bool { return c.expired }
