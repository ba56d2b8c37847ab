// Package gpio locates and requests GPIO character-device lines by name.
package gpio

import "fmt"

// LineName maps a BCM pin number to the line name the Raspberry Pi kernels
// expose ("GPIO17").
func LineName(pin int) (string, error) {
	if pin <= 0 {
		return "", fmt.Errorf("gpio: invalid pin %d", pin)
	}
	return fmt.Sprintf("GPIO%d", pin), nil
}

// Output is a single digital output line.
type Output interface {
	SetValue(v int) error
	Close() error
}
