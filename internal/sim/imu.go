// Package sim provides simulated hardware: a register-level MPU9250/AK8963
// model with fault injection, a deterministic motion profile and YAML
// scenario scripts that drive both.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"flightcore/internal/bus"
	"flightcore/internal/msg"
	"flightcore/internal/sensors/mpu9250"
)

// ErrInjected is returned by a transaction that hit an injected fault.
var ErrInjected = errors.New("sim: injected bus fault")

// ErrNack is returned when the AK8963 is addressed while it is not reachable
// on the host bus (bypass disabled).
var ErrNack = errors.New("sim: nack")

// Target selects which simulated chip a fault applies to.
type Target uint8

const (
	TargetMPU Target = iota
	TargetAK8963
)

type fault struct {
	target Target
	reg    byte
	left   int // <0: forever
}

// IMU models an MPU9250 with an on-die AK8963. The MPU view serves I2C and
// SPI alike; the AK8963 view is only reachable while bypass is enabled, and
// via the MPU's SLV4 master otherwise.
//
// When Motion is set, data registers are regenerated from Motion at Clock()
// on every read; otherwise they hold the values last given to Set.
type IMU struct {
	mu sync.Mutex

	mpu [128]byte
	ak  [32]byte
	asa [3]byte

	vals   [3]msg.Vector
	faults []fault
	reads  [2]uint64

	Motion *Motion
	Clock  func() time.Duration
}

func NewIMU() *IMU {
	s := &IMU{asa: [3]byte{128, 128, 128}}
	s.resetMPU()
	s.resetAK()
	return s
}

func (s *IMU) resetMPU() {
	s.mpu = [128]byte{}
	s.mpu[mpu9250.RegWhoAmI] = 0x71
	s.mpu[mpu9250.RegPwrMgmt1] = 0x01
}

func (s *IMU) resetAK() {
	s.ak = [32]byte{}
	s.ak[mpu9250.RegAKWIA] = mpu9250.AK8963WhoAmI
}

// SetWhoAmI overrides the identity register of one chip.
func (s *IMU) SetWhoAmI(t Target, v byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == TargetMPU {
		s.mpu[mpu9250.RegWhoAmI] = v
	} else {
		s.ak[mpu9250.RegAKWIA] = v
	}
}

// SetASA sets the AK8963 fuse ROM sensitivity adjustment values.
func (s *IMU) SetASA(x, y, z byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asa = [3]byte{x, y, z}
}

// Set holds a physical reading (g, deg/s, µT in the accel/gyro frame) for
// kind until the next Set.
func (s *IMU) Set(kind msg.Kind, v msg.Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[kind] = v
}

// InjectFault makes the next n transactions that start at reg on target
// fail. n < 0 fails them forever; n == 0 clears matching faults.
func (s *IMU) InjectFault(t Target, reg byte, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.faults[:0]
	for _, f := range s.faults {
		if f.target != t || f.reg != reg {
			kept = append(kept, f)
		}
	}
	s.faults = kept
	if n != 0 {
		s.faults = append(s.faults, fault{target: t, reg: reg, left: n})
	}
}

// FaultSensor injects n read faults on the data registers of kind.
func (s *IMU) FaultSensor(kind msg.Kind, n int) {
	t, reg := dataRegister(kind)
	s.InjectFault(t, reg, n)
}

func dataRegister(kind msg.Kind) (Target, byte) {
	switch kind {
	case msg.Accel:
		return TargetMPU, mpu9250.RegAccelXoutH
	case msg.Gyro:
		return TargetMPU, mpu9250.RegGyroXoutH
	default:
		return TargetAK8963, mpu9250.RegAKHXL
	}
}

// Reads returns the number of read transactions served by target.
func (s *IMU) Reads(t Target) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[t]
}

func (s *IMU) takeFault(t Target, reg byte) bool {
	for i := range s.faults {
		f := &s.faults[i]
		if f.target != t || f.reg != reg {
			continue
		}
		if f.left > 0 {
			f.left--
			if f.left == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		return true
	}
	return false
}

// MPU returns the MPU9250 register interface.
func (s *IMU) MPU() bus.Device { return mpuView{s} }

// AK8963 returns the magnetometer as seen directly on the host I2C bus.
func (s *IMU) AK8963() bus.Device { return akView{s} }

type mpuView struct{ s *IMU }

func (v mpuView) ReadReg(reg byte, dst []byte) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFault(TargetMPU, reg) {
		return fmt.Errorf("mpu reg 0x%02X: %w", reg, ErrInjected)
	}
	s.reads[TargetMPU]++
	if reg == mpu9250.RegAccelXoutH || reg == mpu9250.RegGyroXoutH {
		s.refresh()
	}
	for i := range dst {
		r := int(reg) + i
		if r >= len(s.mpu) {
			return fmt.Errorf("mpu reg 0x%02X out of range", r)
		}
		dst[i] = s.mpu[r]
	}
	// I2C_MST_STATUS clears on read.
	if reg == mpu9250.RegI2CMstStatus {
		s.mpu[reg] = 0
	}
	return nil
}

func (v mpuView) WriteReg(reg byte, data ...byte) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFault(TargetMPU, reg) {
		return fmt.Errorf("mpu reg 0x%02X: %w", reg, ErrInjected)
	}
	for i, b := range data {
		r := int(reg) + i
		if r >= len(s.mpu) {
			return fmt.Errorf("mpu reg 0x%02X out of range", r)
		}
		s.writeMPU(byte(r), b)
	}
	return nil
}

func (s *IMU) writeMPU(reg, b byte) {
	switch reg {
	case mpu9250.RegPwrMgmt1:
		if b&mpu9250.PwrMgmt1Reset != 0 {
			who := s.mpu[mpu9250.RegWhoAmI]
			s.resetMPU()
			s.mpu[mpu9250.RegWhoAmI] = who
			return
		}
	case mpu9250.RegWhoAmI:
		return
	case mpu9250.RegI2CSlv4Ctrl:
		s.mpu[reg] = b
		if b&mpu9250.I2CSlv4En != 0 {
			s.slv4()
		}
		return
	}
	s.mpu[reg] = b
}

// slv4 runs one auxiliary-bus transfer and latches the result into
// I2C_MST_STATUS.
func (s *IMU) slv4() {
	s.mpu[mpu9250.RegI2CSlv4Ctrl] &^= mpu9250.I2CSlv4En
	if s.mpu[mpu9250.RegUserCtrl]&mpu9250.UserCtrlI2CMstEn == 0 {
		return
	}
	addr := s.mpu[mpu9250.RegI2CSlv4Addr]
	reg := s.mpu[mpu9250.RegI2CSlv4Reg]
	if addr&0x7F != mpu9250.AddrAK8963 || s.takeFault(TargetAK8963, reg) {
		s.mpu[mpu9250.RegI2CMstStatus] |= mpu9250.MstStatusSlv4Nack
		return
	}
	if addr&mpu9250.I2CSlvRead != 0 {
		var b [1]byte
		s.readAK(reg, b[:])
		s.mpu[mpu9250.RegI2CSlv4DI] = b[0]
	} else {
		s.writeAK(reg, s.mpu[mpu9250.RegI2CSlv4DO])
	}
	s.mpu[mpu9250.RegI2CMstStatus] |= mpu9250.MstStatusSlv4Done
}

type akView struct{ s *IMU }

func (v akView) ReadReg(reg byte, dst []byte) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mpu[mpu9250.RegIntPinCfg]&mpu9250.IntPinCfgBypass == 0 {
		return ErrNack
	}
	if s.takeFault(TargetAK8963, reg) {
		return fmt.Errorf("ak8963 reg 0x%02X: %w", reg, ErrInjected)
	}
	s.readAK(reg, dst)
	return nil
}

func (v akView) WriteReg(reg byte, data ...byte) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mpu[mpu9250.RegIntPinCfg]&mpu9250.IntPinCfgBypass == 0 {
		return ErrNack
	}
	if s.takeFault(TargetAK8963, reg) {
		return fmt.Errorf("ak8963 reg 0x%02X: %w", reg, ErrInjected)
	}
	for i, b := range data {
		s.writeAK(reg+byte(i), b)
	}
	return nil
}

func (s *IMU) readAK(reg byte, dst []byte) {
	s.reads[TargetAK8963]++
	if reg == mpu9250.RegAKHXL {
		s.refresh()
	}
	for i := range dst {
		r := int(reg) + i
		switch {
		case r >= mpu9250.RegAKASAX && r < mpu9250.RegAKASAX+3:
			if s.ak[mpu9250.RegAKCNTL1]&0x0F == mpu9250.AKCNTL1FuseROM {
				dst[i] = s.asa[r-mpu9250.RegAKASAX]
			} else {
				dst[i] = 0
			}
		case r < len(s.ak):
			dst[i] = s.ak[r]
		default:
			dst[i] = 0
		}
	}
}

func (s *IMU) writeAK(reg, b byte) {
	switch reg {
	case mpu9250.RegAKCNTL2:
		if b&mpu9250.AKCNTL2SoftReset != 0 {
			who := s.ak[mpu9250.RegAKWIA]
			s.resetAK()
			s.ak[mpu9250.RegAKWIA] = who
		}
		return
	case mpu9250.RegAKWIA:
		return
	}
	if int(reg) < len(s.ak) {
		s.ak[reg] = b
	}
}

// refresh encodes the current physical values into the data registers using
// the ranges the driver configured.
func (s *IMU) refresh() {
	if s.Motion != nil {
		var now time.Duration
		if s.Clock != nil {
			now = s.Clock()
		}
		s.vals[msg.Accel], s.vals[msg.Gyro], s.vals[msg.Mag] = s.Motion.At(now)
	}

	afs := float32(int(2) << (s.mpu[mpu9250.RegAccelConfig] >> 3 & 0x3))
	gfs := float32(int(250) << (s.mpu[mpu9250.RegGyroConfig] >> 3 & 0x3))
	putBE(s.mpu[mpu9250.RegAccelXoutH:], s.vals[msg.Accel], afs/32768)
	putBE(s.mpu[mpu9250.RegGyroXoutH:], s.vals[msg.Gyro], gfs/32768)

	res := mpu9250.MagResolution(s.ak[mpu9250.RegAKCNTL1]&mpu9250.AKCNTL1Bit16 != 0)
	m := s.vals[msg.Mag]
	// Undo the driver's axis realignment: x and y swapped, z inverted.
	raw := msg.Vector{m[1], m[0], -m[2]}
	for i := range raw {
		lsb := res * mpu9250.Sensitivity(s.asa[i])
		binary.LittleEndian.PutUint16(s.ak[int(mpu9250.RegAKHXL)+2*i:], uint16(toRaw(raw[i], lsb)))
	}
	s.ak[mpu9250.RegAKST1] = 0x01
	s.ak[mpu9250.RegAKST2] = s.ak[mpu9250.RegAKCNTL1] & mpu9250.AKCNTL1Bit16
}

func putBE(dst []byte, v msg.Vector, lsb float32) {
	for i := range v {
		binary.BigEndian.PutUint16(dst[2*i:], uint16(toRaw(v[i], lsb)))
	}
}

func toRaw(v, lsb float32) int16 {
	r := math.Round(float64(v / lsb))
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}
