//go:build !linux

package spi

import "fmt"

type Dev struct{}

func Open(path string, speedHz uint32, mode uint8) (*Dev, error) {
	return nil, fmt.Errorf("spi: unsupported OS (need linux)")
}

func (d *Dev) Path() string                          { return "" }
func (d *Dev) Close() error                          { return nil }
func (d *Dev) ReadReg(reg byte, dst []byte) error    { return fmt.Errorf("spi: unsupported OS") }
func (d *Dev) WriteReg(reg byte, data ...byte) error { return fmt.Errorf("spi: unsupported OS") }
