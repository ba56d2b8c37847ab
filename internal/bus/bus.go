// Package bus defines the register-level device interface shared by the I2C
// and SPI backends and the simulated sensor, plus the wrappers that enforce
// single-transaction access and bounded retries.
package bus

import (
	"errors"
	"fmt"
)

// Device is a register-addressed peripheral on a shared bus.
type Device interface {
	// ReadReg reads len(dst) bytes starting at reg.
	ReadReg(reg byte, dst []byte) error
	// WriteReg writes data starting at reg.
	WriteReg(reg byte, data ...byte) error
}

// ReadRegU8 reads a single register.
func ReadRegU8(d Device, reg byte) (byte, error) {
	var b [1]byte
	if err := d.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

type Dir uint8

const (
	Read Dir = iota
	Write
)

func (d Dir) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Transaction describes one register access. It is built per call and used
// for arbitration, error reporting and simulated bus traces.
type Transaction struct {
	Register byte
	Count    int
	Dir      Dir
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s reg=0x%02X n=%d", t.Dir, t.Register, t.Count)
}

var (
	// ErrFault marks a transaction that failed after its retries.
	ErrFault = errors.New("bus fault")
	// ErrBusy is returned when a transaction is started while another one is
	// still in flight on the same bus.
	ErrBusy = errors.New("bus busy")
)

// FaultError reports a failed transaction. errors.Is(err, ErrFault) holds.
type FaultError struct {
	Tx       Transaction
	Attempts int
	Err      error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("bus fault: %s after %d attempt(s): %v", e.Tx, e.Attempts, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

func (e *FaultError) Is(target error) bool { return target == ErrFault }
