// Package mpu9250 drives an InvenSense MPU9250 and its on-die AK8963
// magnetometer over a bus.Device.
//
// Two wirings are supported. Over I2C the MPU's auxiliary bus is put in
// bypass mode and the AK8963 is addressed directly at 0x0C. Over SPI the MPU
// is the only device on the host bus, so the AK8963 is reached through the
// MPU's own I2C master (see aux.go).
package mpu9250

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"flightcore/internal/bus"
	"flightcore/internal/msg"
)

var sleep = time.Sleep

// Config selects ranges and filtering. Offsets are subtracted after scaling.
type Config struct {
	GyroFullScaleDPS  int // 250, 500, 1000 or 2000
	AccelFullScaleG   int // 2, 4, 8 or 16
	DLPF              uint8
	SampleRateDivider uint8
	Mag16Bit          bool
	// DataReadyInterrupt raises the INT pin on every new sample so a GPIO
	// edge can pace the control loop.
	DataReadyInterrupt bool

	AccelOffset msg.Vector
	GyroOffset  msg.Vector
	MagOffset   msg.Vector
}

func DefaultConfig() Config {
	return Config{
		GyroFullScaleDPS: 2000,
		AccelFullScaleG:  16,
		DLPF:             1,
		Mag16Bit:         true,
	}
}

func gyroFSBits(dps int) (byte, bool) {
	switch dps {
	case 250:
		return 0, true
	case 500:
		return 1, true
	case 1000:
		return 2, true
	case 2000:
		return 3, true
	}
	return 0, false
}

func accelFSBits(g int) (byte, bool) {
	switch g {
	case 2:
		return 0, true
	case 4:
		return 1, true
	case 8:
		return 2, true
	case 16:
		return 3, true
	}
	return 0, false
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, ok := gyroFSBits(c.GyroFullScaleDPS); !ok {
		return fmt.Errorf("gyro full scale %d dps not in {250,500,1000,2000}", c.GyroFullScaleDPS)
	}
	if _, ok := accelFSBits(c.AccelFullScaleG); !ok {
		return fmt.Errorf("accel full scale %d g not in {2,4,8,16}", c.AccelFullScaleG)
	}
	if c.DLPF > 7 {
		return fmt.Errorf("dlpf %d out of range 0..7", c.DLPF)
	}
	return nil
}

// WhoAmIError reports an unexpected device identity.
type WhoAmIError struct {
	Device string
	Got    byte
	Want   []byte
}

func (e *WhoAmIError) Error() string {
	return fmt.Sprintf("%s: whoami=0x%02X want one of % X", e.Device, e.Got, e.Want)
}

// Device is an initialized MPU9250 + AK8963 pair. It is not safe for
// concurrent use.
type Device struct {
	mpu bus.Device
	mag bus.Device

	accelRes float32
	gyroRes  float32
	magRes   float32
	magSens  msg.Vector

	cfg Config
	buf [7]byte
}

// NewI2C initializes the MPU at mpu and the AK8963 at mag, both on the same
// I2C bus.
func NewI2C(mpu, mag bus.Device, cfg Config) (*Device, error) {
	if mpu == nil || mag == nil {
		return nil, fmt.Errorf("mpu9250: dev is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mpu9250: %w", err)
	}
	d := &Device{mpu: mpu, mag: mag, cfg: cfg}

	if err := d.mpu.WriteReg(RegPwrMgmt1, PwrMgmt1Reset); err != nil {
		return nil, fmt.Errorf("mpu9250: reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// I2C master off, bypass on: the AK8963 appears on the host bus.
	if err := d.mpu.WriteReg(RegUserCtrl, 0x00); err != nil {
		return nil, fmt.Errorf("mpu9250: user ctrl failed: %w", err)
	}
	if err := d.mpu.WriteReg(RegIntPinCfg, IntPinCfgBypass); err != nil {
		return nil, fmt.Errorf("mpu9250: bypass enable failed: %w", err)
	}

	if err := d.mag.WriteReg(RegAKCNTL1, AKCNTL1PowerDown); err != nil {
		return nil, fmt.Errorf("ak8963: power down failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.mag.WriteReg(RegAKCNTL2, AKCNTL2SoftReset); err != nil {
		return nil, fmt.Errorf("ak8963: soft reset failed: %w", err)
	}

	if err := d.finishInit(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewSPI initializes an MPU on a SPI bus. The AK8963 is driven through the
// MPU's I2C master with at most auxPolls status polls per byte.
func NewSPI(mpu bus.Device, cfg Config) (*Device, error) {
	if mpu == nil {
		return nil, fmt.Errorf("mpu9250: dev is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mpu9250: %w", err)
	}
	d := &Device{mpu: mpu, mag: newAux(mpu, AddrAK8963, auxPolls), cfg: cfg}

	// Bring up the I2C master so the AK8963 can be powered down before the
	// MPU reset.
	if err := d.enableMaster(UserCtrlI2CMstEn); err != nil {
		return nil, err
	}
	if err := d.mag.WriteReg(RegAKCNTL1, AKCNTL1PowerDown); err != nil {
		return nil, fmt.Errorf("ak8963: power down failed: %w", err)
	}
	if err := d.mpu.WriteReg(RegPwrMgmt1, PwrMgmt1Reset); err != nil {
		return nil, fmt.Errorf("mpu9250: reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// The reset cleared USER_CTRL. Disable the I2C slave interface so SPI
	// traffic is not mistaken for I2C.
	if err := d.enableMaster(UserCtrlI2CMstEn | UserCtrlI2CIfDis); err != nil {
		return nil, err
	}
	if err := d.mag.WriteReg(RegAKCNTL2, AKCNTL2SoftReset); err != nil {
		return nil, fmt.Errorf("ak8963: soft reset failed: %w", err)
	}

	if err := d.finishInit(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) enableMaster(userCtrl byte) error {
	if err := d.mpu.WriteReg(RegUserCtrl, userCtrl); err != nil {
		return fmt.Errorf("mpu9250: user ctrl failed: %w", err)
	}
	if err := d.mpu.WriteReg(RegI2CMstCtrl, I2CMstClk400kHz); err != nil {
		return fmt.Errorf("mpu9250: i2c master clock failed: %w", err)
	}
	return nil
}

// finishInit runs the steps shared by both wirings: clock selection,
// identity checks, magnetometer sensitivity and the user configuration.
func (d *Device) finishInit() error {
	if err := d.mpu.WriteReg(RegPwrMgmt1, PwrMgmt1ClkAuto); err != nil {
		return fmt.Errorf("mpu9250: clock select failed: %w", err)
	}

	who, err := bus.ReadRegU8(d.mpu, RegWhoAmI)
	if err != nil {
		return fmt.Errorf("mpu9250: whoami read failed: %w", err)
	}
	if !slices.Contains(ValidWhoAmI, who) {
		return &WhoAmIError{Device: "mpu9250", Got: who, Want: ValidWhoAmI}
	}
	who, err = bus.ReadRegU8(d.mag, RegAKWIA)
	if err != nil {
		return fmt.Errorf("ak8963: whoami read failed: %w", err)
	}
	if who != AK8963WhoAmI {
		return &WhoAmIError{Device: "ak8963", Got: who, Want: []byte{AK8963WhoAmI}}
	}

	if err := d.readSensitivity(); err != nil {
		return err
	}
	return d.apply()
}

// readSensitivity reads the AK8963 fuse ROM adjustment values.
func (d *Device) readSensitivity() error {
	cntl1, err := bus.ReadRegU8(d.mag, RegAKCNTL1)
	if err != nil {
		return fmt.Errorf("ak8963: cntl1 read failed: %w", err)
	}
	if err := d.mag.WriteReg(RegAKCNTL1, AKCNTL1FuseROM); err != nil {
		return fmt.Errorf("ak8963: fuse rom access failed: %w", err)
	}
	sleep(50 * time.Millisecond)

	var asa [3]byte
	if err := d.mag.ReadReg(RegAKASAX, asa[:]); err != nil {
		return fmt.Errorf("ak8963: asa read failed: %w", err)
	}
	for i, a := range asa {
		d.magSens[i] = Sensitivity(a)
	}

	if err := d.mag.WriteReg(RegAKCNTL1, cntl1); err != nil {
		return fmt.Errorf("ak8963: cntl1 restore failed: %w", err)
	}
	sleep(20 * time.Millisecond)
	return nil
}

// Sensitivity converts an AK8963 ASA fuse value to a scale factor.
func Sensitivity(asa byte) float32 {
	return (float32(asa)-128)/256 + 1
}

func (d *Device) apply() error {
	gfs, _ := gyroFSBits(d.cfg.GyroFullScaleDPS)
	afs, _ := accelFSBits(d.cfg.AccelFullScaleG)

	writes := []struct {
		reg  byte
		val  byte
		what string
	}{
		{RegSmplrtDiv, d.cfg.SampleRateDivider, "sample rate divider"},
		{RegConfig, d.cfg.DLPF, "gyro dlpf"},
		{RegGyroConfig, gfs << 3, "gyro config"},
		{RegAccelConfig, afs << 3, "accel config"},
		{RegAccelConfig2, d.cfg.DLPF, "accel dlpf"},
	}
	for _, w := range writes {
		if err := d.mpu.WriteReg(w.reg, w.val); err != nil {
			return fmt.Errorf("mpu9250: %s failed: %w", w.what, err)
		}
	}
	if d.cfg.DataReadyInterrupt {
		if err := d.mpu.WriteReg(RegIntEnable, IntEnableRawRdy); err != nil {
			return fmt.Errorf("mpu9250: interrupt enable failed: %w", err)
		}
	}

	cntl1 := byte(AKCNTL1Continuous2)
	if d.cfg.Mag16Bit {
		cntl1 |= AKCNTL1Bit16
	}
	if err := d.mag.WriteReg(RegAKCNTL1, cntl1); err != nil {
		return fmt.Errorf("ak8963: mode set failed: %w", err)
	}

	d.accelRes = float32(d.cfg.AccelFullScaleG) / 32768
	d.gyroRes = float32(d.cfg.GyroFullScaleDPS) / 32768
	d.magRes = MagResolution(d.cfg.Mag16Bit)
	return nil
}

// MagResolution is the AK8963 LSB size for the selected output width.
func MagResolution(bit16 bool) float32 {
	if bit16 {
		return 10 * 4912.0 / 32760
	}
	return 10 * 4912.0 / 8190
}

// MagSensitivity returns the per-axis ASA factors read at init.
func (d *Device) MagSensitivity() msg.Vector { return d.magSens }

// Read dispatches to the reader for kind.
func (d *Device) Read(kind msg.Kind) (msg.Vector, error) {
	switch kind {
	case msg.Accel:
		return d.ReadAccel()
	case msg.Gyro:
		return d.ReadGyro()
	case msg.Mag:
		return d.ReadMag()
	default:
		return msg.Vector{}, fmt.Errorf("mpu9250: unknown sensor kind %s", kind)
	}
}

// ReadAccel returns acceleration in g.
func (d *Device) ReadAccel() (msg.Vector, error) {
	raw := d.buf[:6]
	if err := d.mpu.ReadReg(RegAccelXoutH, raw); err != nil {
		return msg.Vector{}, fmt.Errorf("mpu9250: read accel failed: %w", err)
	}
	return scaleBE(raw, d.accelRes, d.cfg.AccelOffset), nil
}

// ReadGyro returns angular rate in deg/s.
func (d *Device) ReadGyro() (msg.Vector, error) {
	raw := d.buf[:6]
	if err := d.mpu.ReadReg(RegGyroXoutH, raw); err != nil {
		return msg.Vector{}, fmt.Errorf("mpu9250: read gyro failed: %w", err)
	}
	return scaleBE(raw, d.gyroRes, d.cfg.GyroOffset), nil
}

// ReadMag returns the magnetic field aligned to the accel/gyro axes. The read
// covers ST2 so the AK8963 releases its data latch.
func (d *Device) ReadMag() (msg.Vector, error) {
	raw := d.buf[:7]
	if err := d.mag.ReadReg(RegAKHXL, raw); err != nil {
		return msg.Vector{}, fmt.Errorf("ak8963: read mag failed: %w", err)
	}
	var v msg.Vector
	for i := range v {
		r := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		v[i] = float32(r) * d.magRes * d.magSens[i]
	}
	// AK8963 axes: x and y swapped, z inverted relative to the MPU.
	v = msg.Vector{v[1], v[0], -v[2]}
	for i := range v {
		v[i] -= d.cfg.MagOffset[i]
	}
	return v, nil
}

func scaleBE(raw []byte, res float32, offset msg.Vector) msg.Vector {
	var v msg.Vector
	for i := range v {
		r := int16(binary.BigEndian.Uint16(raw[2*i:]))
		v[i] = float32(r)*res - offset[i]
	}
	return v
}
