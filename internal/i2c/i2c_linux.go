//go:build linux

package i2c

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux I2C backed by /dev/i2c-*.
//
// Register reads use I2C_RDWR so the register pointer write and the data read
// happen in one combined transfer (repeated start), which the MPU9250 and
// AK8963 require.

const (
	i2cMrd  = 0x0001
	i2cRdwr = 0x0707

	// Largest register write payload. Burst writes on the IMU are a handful
	// of bytes at most.
	maxWrite = 32
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type rdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is an opened I2C bus (e.g., /dev/i2c-1).
//
// Several Dev handles may share a Bus. Bus itself is not safe for concurrent
// transfers; wrap its devices with one bus.Arbiter.
type Bus struct {
	f    *os.File
	path string
}

func Open(path string) (*Bus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Bus{f: f, path: path}, nil
}

func (b *Bus) Path() string { return b.path }

func (b *Bus) Close() error {
	if b == nil || b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

func (b *Bus) Dev(addr uint16) *Dev {
	if b == nil {
		return nil
	}
	return &Dev{bus: b, addr: addr}
}

// Dev is a device at a 7-bit I2C address. It implements bus.Device.
type Dev struct {
	bus  *Bus
	addr uint16
	wbuf [1 + maxWrite]byte
}

func (d *Dev) Addr() uint16 { return d.addr }

func (d *Dev) ReadReg(reg byte, dst []byte) error {
	d.wbuf[0] = reg
	return d.tx(d.wbuf[:1], dst)
}

func (d *Dev) ReadRegU8(reg byte) (byte, error) {
	var b [1]byte
	if err := d.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dev) WriteReg(reg byte, data ...byte) error {
	if len(data) > maxWrite {
		return fmt.Errorf("i2c write of %d bytes exceeds %d", len(data), maxWrite)
	}
	d.wbuf[0] = reg
	n := copy(d.wbuf[1:], data)
	return d.tx(d.wbuf[:1+n], nil)
}

func (d *Dev) tx(w, r []byte) error {
	if d == nil || d.bus == nil || d.bus.f == nil {
		return errors.New("i2c device is nil")
	}
	if d.addr == 0 || d.addr > 0x7F {
		return fmt.Errorf("invalid i2c addr 0x%X", d.addr)
	}

	var msgs [2]i2cMsg
	n := 0
	if len(w) > 0 {
		msgs[n] = i2cMsg{addr: d.addr, flags: 0, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))}
		n++
	}
	if len(r) > 0 {
		msgs[n] = i2cMsg{addr: d.addr, flags: i2cMrd, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))}
		n++
	}
	if n == 0 {
		return nil
	}

	data := rdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(n)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.bus.f.Fd(), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return fmt.Errorf("i2c 0x%02X: %w", d.addr, errno)
	}
	return nil
}
