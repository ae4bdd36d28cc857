package syncer

import "time"

// Config holds coordinator tuning.
type Config struct {
	Interval    time.Duration // periodic drain when nothing else triggers one
	BaseDelay   time.Duration // first retry delay
	MaxDelay    time.Duration // retry delay cap
	MaxAttempts int           // failures tolerated before an operation is dead-lettered
	FanOut      int           // independent chains dispatched concurrently
}

// DefaultConfig returns the production defaults: 1s doubling to 60s, eight
// retries, four concurrent chains and a 30s tick.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 8,
		FanOut:      4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(def.MaxDelay, c.BaseDelay)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.FanOut <= 0 {
		c.FanOut = def.FanOut
	}
	return c
}

func (c Config) backoff() Backoff {
	return Backoff{Base: c.BaseDelay, Max: c.MaxDelay, MaxAttempts: c.MaxAttempts}
}
