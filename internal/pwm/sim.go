package pwm

import (
	"fmt"
	"sync"
	"time"
)

// Sim is an in-memory Output that records the last duty per channel.
type Sim struct {
	mu     sync.Mutex
	period time.Duration
	duty   []float64
	writes []int
	closed bool
}

func NewSim(channels int) *Sim {
	return &Sim{duty: make([]float64, channels), writes: make([]int, channels)}
}

func (s *Sim) Channels() int { return len(s.duty) }

func (s *Sim) SetPeriod(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("pwm: invalid period %s", period)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.period = period
	return nil
}

func (s *Sim) SetDuty(ch int, fraction float64) error {
	if err := checkChannel(ch, len(s.duty)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pwm: closed")
	}
	s.duty[ch] = clampFraction(fraction)
	s.writes[ch]++
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.duty {
		s.duty[i] = 0
	}
	s.closed = true
	return nil
}

// Duty returns the last duty written to ch.
func (s *Sim) Duty(ch int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duty[ch]
}

// PulseWidth returns the high time of ch for the current period.
func (s *Sim) PulseWidth(ch int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(float64(s.period) * s.duty[ch])
}

func (s *Sim) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Writes returns how many times ch was written.
func (s *Sim) Writes(ch int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[ch]
}
