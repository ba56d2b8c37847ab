// Package spi talks to register-addressed peripherals through the Linux
// spidev interface.
package spi

import "fmt"

const (
	readBit = 0x80

	// MaxTransfer is the largest register burst in one transfer.
	MaxTransfer = 32
)

func checkLen(n int) error {
	if n > MaxTransfer {
		return fmt.Errorf("spi transfer of %d bytes exceeds %d", n, MaxTransfer)
	}
	return nil
}
