// Package pwm provides the PWM outputs behind the ESC driver: Linux sysfs
// channels and an in-memory simulation.
package pwm

import (
	"errors"
	"fmt"
	"time"
)

var ErrChannel = errors.New("pwm: channel out of range")

// Output drives a fixed set of PWM channels sharing one period. Duty is a
// fraction of the period in [0, 1]; 0 stops pulses entirely.
type Output interface {
	Channels() int
	SetPeriod(period time.Duration) error
	SetDuty(channel int, fraction float64) error
	Close() error
}

func checkChannel(ch, n int) error {
	if ch < 0 || ch >= n {
		return fmt.Errorf("%w: %d of %d", ErrChannel, ch, n)
	}
	return nil
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
