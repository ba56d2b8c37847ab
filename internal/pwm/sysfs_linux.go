//go:build linux

package pwm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Sysfs drives hardware PWM channels through /sys/class/pwm, one channel per
// motor. All channels share the period set with SetPeriod.
//
// On a Raspberry Pi the channels appear once a pwm overlay (e.g.
// dtoverlay=pwm-2chan) is enabled.
type Sysfs struct {
	chans    []*sysfsChannel
	periodNS uint64
}

// Channel selects one sysfs PWM channel. Chip < 0 picks the first pwmchip
// that has enough channels.
type Channel struct {
	Chip  int
	Index int
}

type sysfsChannel struct {
	chipPath string // /sys/class/pwm/pwmchipN
	pwmPath  string // /sys/class/pwm/pwmchipN/pwmM
	index    int
	enabled  bool
}

var sysfsBase = "/sys/class/pwm"

// OpenSysfs exports every channel and leaves it disabled until the first
// SetPeriod.
func OpenSysfs(channels []Channel) (*Sysfs, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("pwm: no channels configured")
	}
	s := &Sysfs{}
	for _, c := range channels {
		chipPath := filepath.Join(sysfsBase, fmt.Sprintf("pwmchip%d", c.Chip))
		if c.Chip < 0 {
			var err error
			chipPath, err = findPWMChip(c.Index)
			if err != nil {
				return nil, err
			}
		}
		ch := &sysfsChannel{
			chipPath: chipPath,
			index:    c.Index,
			pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", c.Index)),
		}
		if err := ch.ensureExported(); err != nil {
			return nil, err
		}
		_ = ch.writeBool("enable", false)
		s.chans = append(s.chans, ch)
	}
	return s, nil
}

func findPWMChip(index int) (string, error) {
	entries, err := os.ReadDir(sysfsBase)
	if err != nil {
		return "", fmt.Errorf("pwm: read %s: %w", sysfsBase, err)
	}
	// In sysfs, pwmchipN entries are commonly symlinks, not directories.
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pwmchip") {
			continue
		}
		chip := filepath.Join(sysfsBase, name)
		n, rerr := readInt(filepath.Join(chip, "npwm"))
		if rerr != nil || n <= index {
			continue
		}
		return chip, nil
	}
	return "", fmt.Errorf("pwm: no sysfs pwmchip with channel %d (is a pwm overlay enabled?)", index)
}

func (s *Sysfs) Channels() int { return len(s.chans) }

// SetPeriod disables each channel, zeroes its duty so the new period is
// accepted, writes the period and re-enables it.
func (s *Sysfs) SetPeriod(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("pwm: invalid period %s", period)
	}
	ns := uint64(period.Nanoseconds())
	for _, ch := range s.chans {
		_ = ch.writeBool("enable", false)
		ch.enabled = false
		if err := ch.writeUint("duty_cycle", 0); err != nil {
			return err
		}
		if err := ch.writeUint("period", ns); err != nil {
			return err
		}
		if err := ch.writeBool("enable", true); err != nil {
			return err
		}
		ch.enabled = true
	}
	s.periodNS = ns
	return nil
}

func (s *Sysfs) SetDuty(channel int, fraction float64) error {
	if err := checkChannel(channel, len(s.chans)); err != nil {
		return err
	}
	if s.periodNS == 0 {
		return fmt.Errorf("pwm: period not set")
	}
	ch := s.chans[channel]
	duty := uint64(math.Round(float64(s.periodNS) * clampFraction(fraction)))
	if duty > s.periodNS {
		duty = s.periodNS
	}
	if err := ch.writeUint("duty_cycle", duty); err != nil {
		return err
	}
	if !ch.enabled {
		if err := ch.writeBool("enable", true); err != nil {
			return err
		}
		ch.enabled = true
	}
	return nil
}

// Close stops pulses on every channel and disables it.
func (s *Sysfs) Close() error {
	var errs []error
	for _, ch := range s.chans {
		if err := ch.writeUint("duty_cycle", 0); err != nil {
			errs = append(errs, err)
		}
		if err := ch.writeBool("enable", false); err != nil {
			errs = append(errs, err)
		}
		ch.enabled = false
	}
	return errors.Join(errs...)
}

func (c *sysfsChannel) ensureExported() error {
	if _, err := os.Stat(c.pwmPath); err == nil {
		return nil
	}
	exportPath := filepath.Join(c.chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(c.index)); err != nil {
		// Already exported by someone else.
		if _, statErr := os.Stat(c.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("pwm: export %s: %w", c.pwmPath, err)
	}

	// Wait briefly for the sysfs node to appear.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(c.pwmPath); err != nil {
		return fmt.Errorf("pwm: %s not created after export: %w", c.pwmPath, err)
	}
	return nil
}

func (c *sysfsChannel) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(c.pwmPath, name), strconv.FormatUint(v, 10))
}

func (c *sysfsChannel) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(c.pwmPath, name), val)
}

// writeSysfs opens with O_WRONLY only: some sysfs attributes reject
// O_TRUNC/O_CREATE. Right after an export udev may still be fixing
// permissions, so EACCES/ENOENT are retried for a short window.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			return err
		}
		_, werr := f.WriteString(value)
		cerr := f.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		lastErr := errors.Join(werr, cerr)
		if time.Now().Before(deadline) && isRetryableSysfsErr(lastErr) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return lastErr
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.Atoi(s)
}
