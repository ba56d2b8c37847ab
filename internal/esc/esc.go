// Package esc turns throttle percentages into ESC pulse widths on a
// pwm.Output.
package esc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"flightcore/internal/pwm"
)

var (
	ErrUnknownChannel = errors.New("esc: unknown channel")
	ErrKilled         = errors.New("esc: outputs killed")
)

// Protocol selects the ESC pulse timing. In every protocol the pulse spans
// half to all of the period, so the duty mapping is protocol independent.
type Protocol int

const (
	Standard   Protocol = iota // 500 Hz, 1000-2000 us pulses
	OneShot125                 // 4 kHz, 125-250 us pulses
	OneShot42                  // 12 kHz, 41.7-83.3 us pulses
)

func (p Protocol) String() string {
	switch p {
	case Standard:
		return "standard"
	case OneShot125:
		return "oneshot125"
	case OneShot42:
		return "oneshot42"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Period is the PWM period for the protocol.
func (p Protocol) Period() time.Duration {
	switch p {
	case OneShot125:
		return 250 * time.Microsecond
	case OneShot42:
		return 83333 * time.Nanosecond
	default:
		return 2000 * time.Microsecond
	}
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "pwm":
		return Standard, nil
	case "oneshot125":
		return OneShot125, nil
	case "oneshot42":
		return OneShot42, nil
	}
	return 0, fmt.Errorf("esc: unknown protocol %q", s)
}

// DutyFraction maps a throttle percentage in [0,100] to a duty fraction:
// 0% -> 0.5, 100% -> 1.0.
func DutyFraction(percent int) float64 {
	return 0.5 + 0.5*float64(percent)/100
}

type Config struct {
	Protocol Protocol
	// MaxStepPercent caps the change of the applied throttle per Tick.
	// 0 disables the limit.
	MaxStepPercent int
}

// Driver owns the motor outputs. It is not safe for concurrent use; the
// control loop is its only caller.
type Driver struct {
	out     pwm.Output
	cfg     Config
	target  []int
	applied []int
	duty    []float64
	killed  bool

	outOfRange     uint32
	unknownChannel uint32

	log *log.Entry
}

// New sets the protocol period and drives every channel at 0% throttle so
// the ESCs can arm.
func New(out pwm.Output, cfg Config) (*Driver, error) {
	if out == nil {
		return nil, fmt.Errorf("esc: output is nil")
	}
	if cfg.MaxStepPercent < 0 {
		return nil, fmt.Errorf("esc: max step %d must be >= 0", cfg.MaxStepPercent)
	}
	n := out.Channels()
	d := &Driver{
		out:     out,
		cfg:     cfg,
		target:  make([]int, n),
		applied: make([]int, n),
		duty:    make([]float64, n),
		log:     log.WithField("component", "esc"),
	}
	if err := out.SetPeriod(cfg.Protocol.Period()); err != nil {
		return nil, fmt.Errorf("esc: set period: %w", err)
	}
	for ch := 0; ch < n; ch++ {
		if err := d.write(ch, DutyFraction(0)); err != nil {
			return nil, err
		}
	}
	d.log.WithFields(log.Fields{"channels": n, "protocol": cfg.Protocol}).Info("outputs armed at 0%")
	return d, nil
}

func (d *Driver) Channels() int { return len(d.target) }

// SetThrottle clamps percent to [0,100] and makes it the channel's target.
// A clamped value is still applied and reported as out of range. Without a
// rate limit the new duty is written immediately.
func (d *Driver) SetThrottle(ch, percent int) error {
	if d.killed {
		return ErrKilled
	}
	if ch < 0 || ch >= len(d.target) {
		d.unknownChannel++
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	if percent < 0 || percent > 100 {
		d.outOfRange++
		d.log.WithFields(log.Fields{"channel": ch, "percent": percent}).Debug("throttle clamped")
		percent = max(0, min(100, percent))
	}
	d.target[ch] = percent
	if d.cfg.MaxStepPercent == 0 {
		return d.applyChannel(ch, percent)
	}
	return nil
}

// Tick moves each applied throttle toward its target by at most
// MaxStepPercent.
func (d *Driver) Tick() error {
	if d.killed || d.cfg.MaxStepPercent == 0 {
		return nil
	}
	var errs []error
	for ch, want := range d.target {
		cur := d.applied[ch]
		if cur == want {
			continue
		}
		step := want - cur
		step = max(-d.cfg.MaxStepPercent, min(d.cfg.MaxStepPercent, step))
		if err := d.applyChannel(ch, cur+step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResetAll drives every channel to 0% at once, ignoring the rate limit.
func (d *Driver) ResetAll() error {
	if d.killed {
		return ErrKilled
	}
	var errs []error
	for ch := range d.target {
		d.target[ch] = 0
		if err := d.applyChannel(ch, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Kill stops pulses on every output and rejects all later commands. It keeps
// going past output errors so as many motors as possible stop.
func (d *Driver) Kill() error {
	first := !d.killed
	d.killed = true
	var errs []error
	for ch := range d.target {
		d.target[ch] = 0
		d.applied[ch] = 0
		if err := d.write(ch, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if first {
		d.log.Warn("outputs killed")
	}
	return errors.Join(errs...)
}

func (d *Driver) Killed() bool { return d.killed }

// Throttle returns the applied throttle of ch in percent.
func (d *Driver) Throttle(ch int) (int, error) {
	if ch < 0 || ch >= len(d.applied) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return d.applied[ch], nil
}

// Duty returns the last duty fraction written to ch.
func (d *Driver) Duty(ch int) (float64, error) {
	if ch < 0 || ch >= len(d.duty) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return d.duty[ch], nil
}

// Throttles copies the applied throttles into dst.
func (d *Driver) Throttles(dst []int) []int {
	return append(dst[:0], d.applied...)
}

// MaxThrottle is the highest applied throttle across channels.
func (d *Driver) MaxThrottle() int {
	m := 0
	for _, v := range d.applied {
		m = max(m, v)
	}
	return m
}

// Counters returns the out-of-range and unknown-channel fault counts.
func (d *Driver) Counters() (outOfRange, unknownChannel uint32) {
	return d.outOfRange, d.unknownChannel
}

func (d *Driver) applyChannel(ch, percent int) error {
	if err := d.write(ch, DutyFraction(percent)); err != nil {
		return err
	}
	d.applied[ch] = percent
	return nil
}

func (d *Driver) write(ch int, duty float64) error {
	if err := d.out.SetDuty(ch, duty); err != nil {
		return fmt.Errorf("esc: channel %d: %w", ch, err)
	}
	d.duty[ch] = duty
	return nil
}
