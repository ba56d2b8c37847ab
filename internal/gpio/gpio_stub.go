//go:build !linux

package gpio

import "fmt"

func OpenOutput(pin int) (Output, error) {
	return nil, fmt.Errorf("gpio: unsupported on this platform")
}

type Edge struct{}

func WatchRising(pin int, fn func()) (*Edge, error) {
	return nil, fmt.Errorf("gpio: unsupported on this platform")
}

func (e *Edge) Close() error { return nil }
