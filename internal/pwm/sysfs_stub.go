//go:build !linux

package pwm

import (
	"fmt"
	"time"
)

type Channel struct {
	Chip  int
	Index int
}

type Sysfs struct{}

func OpenSysfs(channels []Channel) (*Sysfs, error) {
	return nil, fmt.Errorf("pwm: sysfs unsupported on this platform")
}

func (s *Sysfs) Channels() int                        { return 0 }
func (s *Sysfs) SetPeriod(period time.Duration) error { return fmt.Errorf("pwm: sysfs unsupported") }
func (s *Sysfs) SetDuty(channel int, f float64) error { return fmt.Errorf("pwm: sysfs unsupported") }
func (s *Sysfs) Close() error                         { return nil }
