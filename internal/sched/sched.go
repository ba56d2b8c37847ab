// Package sched decides which sensor is read on each tick.
//
// Every channel has a fixed period in ticks. A due channel is read once,
// stamped with the tick and emitted as a SensorFrame; its next-due tick then
// advances by whole periods, so sampling never drifts toward the tick at
// which it happened to run.
package sched

import (
	"errors"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"flightcore/internal/msg"
)

var ErrTimeWentBackwards = errors.New("sched: time went backwards")

// Reader reads one sensor. *mpu9250.Device satisfies it.
type Reader interface {
	Read(kind msg.Kind) (msg.Vector, error)
}

type ChannelConfig struct {
	Kind   msg.Kind
	Period uint64 // ticks
}

type Config struct {
	Channels []ChannelConfig
	// Priority is the read order when several channels are due on the same
	// tick. Empty means fastest first, ties in the order gyro, accel, mag.
	Priority []msg.Kind
}

// Stats are the per-channel counters.
type Stats struct {
	Frames      uint64
	Faults      uint64
	Consecutive uint64 // faults since the last successful read
	Overruns    uint64 // samples skipped because the channel fell behind
}

type channel struct {
	kind    msg.Kind
	period  uint64
	nextDue uint64
	stats   Stats
}

// tieOrder ranks kinds with equal periods.
var tieOrder = map[msg.Kind]int{msg.Gyro: 0, msg.Accel: 1, msg.Mag: 2}

type Scheduler struct {
	r       Reader
	chans   []channel
	last    uint64
	started bool
	log     *log.Entry
}

func New(r Reader, cfg Config) (*Scheduler, error) {
	if r == nil {
		return nil, fmt.Errorf("sched: reader is nil")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("sched: no channels")
	}
	s := &Scheduler{r: r, log: log.WithField("component", "sched")}
	seen := map[msg.Kind]bool{}
	for _, c := range cfg.Channels {
		if c.Period == 0 {
			return nil, fmt.Errorf("sched: %s period must be > 0", c.Kind)
		}
		if seen[c.Kind] {
			return nil, fmt.Errorf("sched: duplicate channel %s", c.Kind)
		}
		seen[c.Kind] = true
		s.chans = append(s.chans, channel{kind: c.Kind, period: c.Period})
	}

	if len(cfg.Priority) == 0 {
		slices.SortStableFunc(s.chans, func(a, b channel) int {
			if a.period != b.period {
				if a.period < b.period {
					return -1
				}
				return 1
			}
			return tieOrder[a.kind] - tieOrder[b.kind]
		})
		return s, nil
	}

	if len(cfg.Priority) != len(s.chans) {
		return nil, fmt.Errorf("sched: priority lists %d kinds, %d channels configured", len(cfg.Priority), len(s.chans))
	}
	rank := map[msg.Kind]int{}
	for i, k := range cfg.Priority {
		if !seen[k] {
			return nil, fmt.Errorf("sched: priority names unconfigured channel %s", k)
		}
		if _, dup := rank[k]; dup {
			return nil, fmt.Errorf("sched: priority names %s twice", k)
		}
		rank[k] = i
	}
	slices.SortStableFunc(s.chans, func(a, b channel) int { return rank[a.kind] - rank[b.kind] })
	return s, nil
}

// Order returns the kinds in the order they are read on a shared tick.
func (s *Scheduler) Order() []msg.Kind {
	out := make([]msg.Kind, len(s.chans))
	for i, c := range s.chans {
		out[i] = c.kind
	}
	return out
}

// Tick reads every channel due at now and appends the resulting frames to
// out. The first call anchors every channel at now. A failed read skips that
// channel's frame and counts a fault; it is not returned as an error.
func (s *Scheduler) Tick(now uint64, out []msg.SensorFrame) ([]msg.SensorFrame, error) {
	if !s.started {
		for i := range s.chans {
			s.chans[i].nextDue = now
		}
		s.started = true
	} else if now < s.last {
		return out, fmt.Errorf("%w: %d after %d", ErrTimeWentBackwards, now, s.last)
	}
	s.last = now

	for i := range s.chans {
		c := &s.chans[i]
		if now < c.nextDue {
			continue
		}
		if behind := (now - c.nextDue) / c.period; behind > 0 {
			c.stats.Overruns += behind
			c.nextDue += behind * c.period
		}
		c.nextDue += c.period

		v, err := s.r.Read(c.kind)
		if err != nil {
			c.stats.Faults++
			c.stats.Consecutive++
			s.log.WithFields(log.Fields{"channel": c.kind, "tick": now, "consecutive": c.stats.Consecutive}).WithError(err).Debug("sensor read failed")
			continue
		}
		c.stats.Frames++
		c.stats.Consecutive = 0
		out = append(out, msg.SensorFrame{Kind: c.kind, Vector: v, Timestamp: uint32(now)})
	}
	return out, nil
}

// Stats returns the counters of kind's channel.
func (s *Scheduler) Stats(kind msg.Kind) (Stats, bool) {
	for _, c := range s.chans {
		if c.kind == kind {
			return c.stats, true
		}
	}
	return Stats{}, false
}

// MaxConsecutiveFaults returns the channel with the longest current run of
// failed reads.
func (s *Scheduler) MaxConsecutiveFaults() (msg.Kind, uint64) {
	var kind msg.Kind
	var n uint64
	for _, c := range s.chans {
		if c.stats.Consecutive > n {
			kind, n = c.kind, c.stats.Consecutive
		}
	}
	return kind, n
}
