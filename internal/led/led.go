// Package led blinks a status LED faster as throttle rises and holds it on
// once the controller has faulted.
package led

import (
	"fmt"
	"time"

	"flightcore/internal/gpio"
)

type Config struct {
	TickHz     int
	SlowPeriod time.Duration // blink period at 0% throttle
	FastPeriod time.Duration // blink period at 100% throttle
}

func DefaultConfig(tickHz int) Config {
	return Config{TickHz: tickHz, SlowPeriod: time.Second, FastPeriod: 100 * time.Millisecond}
}

func (c Config) Validate() error {
	if c.TickHz <= 0 {
		return fmt.Errorf("led: tick rate %d must be > 0", c.TickHz)
	}
	if c.FastPeriod <= 0 || c.SlowPeriod < c.FastPeriod {
		return fmt.Errorf("led: periods must satisfy 0 < fast (%s) <= slow (%s)", c.FastPeriod, c.SlowPeriod)
	}
	return nil
}

// PeriodTicks returns the blink period in ticks for a throttle percentage,
// interpolated linearly between SlowPeriod and FastPeriod. The result is at
// least two ticks so the LED can toggle.
func (c Config) PeriodTicks(throttle int) uint64 {
	throttle = max(0, min(100, throttle))
	span := c.SlowPeriod - c.FastPeriod
	period := c.SlowPeriod - span*time.Duration(throttle)/100
	ticks := uint64(period) * uint64(c.TickHz) / uint64(time.Second)
	return max(ticks, 2)
}

type Blinker struct {
	out gpio.Output
	cfg Config

	on         bool
	solid      bool
	lastToggle uint64
}

func New(out gpio.Output, cfg Config) (*Blinker, error) {
	if out == nil {
		return nil, fmt.Errorf("led: output is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Blinker{out: out, cfg: cfg}, nil
}

// Update toggles the LED once half the current blink period has elapsed
// since the last toggle.
func (b *Blinker) Update(now uint64, throttle int) error {
	if b.solid {
		return nil
	}
	half := b.cfg.PeriodTicks(throttle) / 2
	if now-b.lastToggle < half {
		return nil
	}
	b.lastToggle = now
	return b.set(!b.on)
}

// Solid turns the LED on permanently; later Updates are ignored.
func (b *Blinker) Solid() error {
	b.solid = true
	return b.set(true)
}

func (b *Blinker) On() bool { return b.on }

func (b *Blinker) Close() error {
	return b.out.Close()
}

func (b *Blinker) set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := b.out.SetValue(v); err != nil {
		return fmt.Errorf("led: %w", err)
	}
	b.on = on
	return nil
}
