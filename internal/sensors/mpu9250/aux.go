package mpu9250

import (
	"errors"
	"fmt"

	"flightcore/internal/bus"
)

const auxPolls = 10_000

var (
	ErrAuxNack            = errors.New("aux i2c nack")
	ErrAuxLostArbitration = errors.New("aux i2c lost arbitration")
	ErrAuxTimeout         = errors.New("aux i2c timeout")
)

// aux is a bus.Device for a slave on the MPU's auxiliary I2C bus. Every byte
// is a single SLV4 transfer: program address, register and data, set
// SLV4_EN, then poll I2C_MST_STATUS until SLV4_DONE.
type aux struct {
	mpu   bus.Device
	addr  byte
	polls int
}

func newAux(mpu bus.Device, addr byte, polls int) *aux {
	return &aux{mpu: mpu, addr: addr, polls: polls}
}

func (a *aux) ReadReg(reg byte, dst []byte) error {
	for i := range dst {
		r := reg + byte(i)
		if err := a.start(a.addr|I2CSlvRead, r, nil); err != nil {
			return err
		}
		if err := a.wait(r); err != nil {
			return err
		}
		v, err := bus.ReadRegU8(a.mpu, RegI2CSlv4DI)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (a *aux) WriteReg(reg byte, data ...byte) error {
	for i := range data {
		r := reg + byte(i)
		if err := a.start(a.addr, r, &data[i]); err != nil {
			return err
		}
		if err := a.wait(r); err != nil {
			return err
		}
	}
	return nil
}

func (a *aux) start(addr, reg byte, out *byte) error {
	if err := a.mpu.WriteReg(RegI2CSlv4Addr, addr); err != nil {
		return err
	}
	if err := a.mpu.WriteReg(RegI2CSlv4Reg, reg); err != nil {
		return err
	}
	if out != nil {
		if err := a.mpu.WriteReg(RegI2CSlv4DO, *out); err != nil {
			return err
		}
	}
	return a.mpu.WriteReg(RegI2CSlv4Ctrl, I2CSlv4En)
}

func (a *aux) wait(reg byte) error {
	for i := 0; i < a.polls; i++ {
		st, err := bus.ReadRegU8(a.mpu, RegI2CMstStatus)
		if err != nil {
			return err
		}
		switch {
		case st&MstStatusSlv4Done != 0:
			return nil
		case st&MstStatusSlv4Nack != 0:
			return fmt.Errorf("0x%02X reg 0x%02X: %w", a.addr, reg, ErrAuxNack)
		case st&MstStatusLostArb != 0:
			return fmt.Errorf("0x%02X reg 0x%02X: %w", a.addr, reg, ErrAuxLostArbitration)
		}
	}
	return fmt.Errorf("0x%02X reg 0x%02X after %d polls: %w", a.addr, reg, a.polls, ErrAuxTimeout)
}
