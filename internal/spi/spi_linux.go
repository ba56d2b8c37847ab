//go:build linux

package spi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctls, _IOW('k', nr, size).
const (
	iocWrMode        = 0x40016B01
	iocWrBitsPerWord = 0x40016B03
	iocWrMaxSpeedHz  = 0x40046B04
	iocMessage1      = 0x40206B00 // SPI_IOC_MESSAGE(1)
)

// spi_ioc_transfer
type transfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Dev is an opened /dev/spidevB.C speaking the MPU9250 register protocol: the
// first byte is the register address with bit 7 set for reads. It implements
// bus.Device.
type Dev struct {
	f       *os.File
	path    string
	speedHz uint32
	tx      [1 + MaxTransfer]byte
	rx      [1 + MaxTransfer]byte
}

func Open(path string, speedHz uint32, mode uint8) (*Dev, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	d := &Dev{f: f, path: path, speedHz: speedHz}
	bits := uint8(8)
	if err := d.ioctl(iocWrMode, unsafe.Pointer(&mode)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi set mode: %w", err)
	}
	if err := d.ioctl(iocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi set bits per word: %w", err)
	}
	if err := d.ioctl(iocWrMaxSpeedHz, unsafe.Pointer(&speedHz)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi set speed: %w", err)
	}
	return d, nil
}

func (d *Dev) Path() string { return d.path }

func (d *Dev) Close() error {
	if d == nil || d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *Dev) ReadReg(reg byte, dst []byte) error {
	if err := checkLen(len(dst)); err != nil {
		return err
	}
	n := len(dst) + 1
	d.tx[0] = reg | readBit
	clear(d.tx[1:n])
	if err := d.transfer(n); err != nil {
		return err
	}
	copy(dst, d.rx[1:n])
	return nil
}

func (d *Dev) WriteReg(reg byte, data ...byte) error {
	if err := checkLen(len(data)); err != nil {
		return err
	}
	d.tx[0] = reg &^ readBit
	n := 1 + copy(d.tx[1:], data)
	return d.transfer(n)
}

func (d *Dev) transfer(n int) error {
	if d == nil || d.f == nil {
		return errors.New("spi device is closed")
	}
	tr := transfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&d.tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&d.rx[0]))),
		len:         uint32(n),
		speedHz:     d.speedHz,
		bitsPerWord: 8,
	}
	if err := d.ioctl(iocMessage1, unsafe.Pointer(&tr)); err != nil {
		return fmt.Errorf("spi %s: %w", d.path, err)
	}
	return nil
}

func (d *Dev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
