package mpu9250

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDev struct {
	name   string
	regs   map[byte][]byte
	log    *[]writeOp
	errFor map[byte]error
}

type writeOp struct {
	dev string
	reg byte
	val byte
}

func (f *fakeDev) ReadReg(reg byte, dst []byte) error {
	if err := f.errFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		b = append(b, make([]byte, len(dst)-len(b))...)
	}
	copy(dst, b)
	return nil
}

func (f *fakeDev) WriteReg(reg byte, data ...byte) error {
	if err := f.errFor[reg]; err != nil {
		return err
	}
	for i, v := range data {
		*f.log = append(*f.log, writeOp{dev: f.name, reg: reg + byte(i), val: v})
	}
	return nil
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func newFakes() (*fakeDev, *fakeDev, *[]writeOp) {
	log := &[]writeOp{}
	mpu := &fakeDev{name: "mpu", log: log, regs: map[byte][]byte{RegWhoAmI: {0x71}}}
	mag := &fakeDev{name: "ak", log: log, regs: map[byte][]byte{
		RegAKWIA:  {AK8963WhoAmI},
		RegAKASAX: {0x80, 0xA0, 0x60},
	}}
	return mpu, mag, log
}

func TestNewI2C_InitSequence(t *testing.T) {
	noSleep(t)
	mpu, mag, log := newFakes()

	cfg := DefaultConfig()
	cfg.SampleRateDivider = 4
	d, err := NewI2C(mpu, mag, cfg)
	require.NoError(t, err)

	want := []writeOp{
		{"mpu", RegPwrMgmt1, PwrMgmt1Reset},
		{"mpu", RegUserCtrl, 0x00},
		{"mpu", RegIntPinCfg, IntPinCfgBypass},
		{"ak", RegAKCNTL1, AKCNTL1PowerDown},
		{"ak", RegAKCNTL2, AKCNTL2SoftReset},
		{"mpu", RegPwrMgmt1, PwrMgmt1ClkAuto},
		{"ak", RegAKCNTL1, AKCNTL1FuseROM},
		{"ak", RegAKCNTL1, 0x00},
		{"mpu", RegSmplrtDiv, 4},
		{"mpu", RegConfig, 1},
		{"mpu", RegGyroConfig, 3 << 3},
		{"mpu", RegAccelConfig, 3 << 3},
		{"mpu", RegAccelConfig2, 1},
		{"ak", RegAKCNTL1, AKCNTL1Continuous2 | AKCNTL1Bit16},
	}
	require.Equal(t, want, *log)

	sens := d.MagSensitivity()
	require.InDelta(t, 1.0, sens[0], 1e-6)
	require.InDelta(t, 1.125, sens[1], 1e-6)
	require.InDelta(t, 0.875, sens[2], 1e-6)
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	noSleep(t)

	mpu, mag, _ := newFakes()
	mpu.regs[RegWhoAmI] = []byte{0x68}
	_, err := NewI2C(mpu, mag, DefaultConfig())
	var we *WhoAmIError
	require.True(t, errors.As(err, &we))
	require.Equal(t, "mpu9250", we.Device)
	require.Equal(t, byte(0x68), we.Got)

	mpu, mag, _ = newFakes()
	mag.regs[RegAKWIA] = []byte{0x00}
	_, err = NewI2C(mpu, mag, DefaultConfig())
	require.True(t, errors.As(err, &we))
	require.Equal(t, "ak8963", we.Device)
}

func TestNew_AcceptsMPUFamily(t *testing.T) {
	noSleep(t)
	for _, who := range ValidWhoAmI {
		mpu, mag, _ := newFakes()
		mpu.regs[RegWhoAmI] = []byte{who}
		_, err := NewI2C(mpu, mag, DefaultConfig())
		require.NoError(t, err, "whoami 0x%02X", who)
	}
}

func TestNew_BusErrorWrapped(t *testing.T) {
	noSleep(t)
	boom := errors.New("boom")
	mpu, mag, _ := newFakes()
	mpu.errFor = map[byte]error{RegPwrMgmt1: boom}
	_, err := NewI2C(mpu, mag, DefaultConfig())
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "mpu9250: reset failed")
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{name: "gyro", mod: func(c *Config) { c.GyroFullScaleDPS = 300 }, want: "gyro full scale 300 dps not in {250,500,1000,2000}"},
		{name: "accel", mod: func(c *Config) { c.AccelFullScaleG = 3 }, want: "accel full scale 3 g not in {2,4,8,16}"},
		{name: "dlpf", mod: func(c *Config) { c.DLPF = 8 }, want: "dlpf 8 out of range 0..7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mod(&c)
			require.EqualError(t, c.Validate(), tc.want)
		})
	}
	require.NoError(t, DefaultConfig().Validate())
}

func TestReadAccelGyro_Scaling(t *testing.T) {
	noSleep(t)
	mpu, mag, _ := newFakes()
	cfg := DefaultConfig()
	cfg.AccelFullScaleG = 2
	cfg.GyroFullScaleDPS = 250
	cfg.GyroOffset[2] = 1
	d, err := NewI2C(mpu, mag, cfg)
	require.NoError(t, err)

	// 16384 LSB = 1 g at ±2 g; big-endian.
	mpu.regs[RegAccelXoutH] = []byte{0x40, 0x00, 0xC0, 0x00, 0x00, 0x00}
	a, err := d.ReadAccel()
	require.NoError(t, err)
	require.InDelta(t, 1.0, a[0], 1e-6)
	require.InDelta(t, -1.0, a[1], 1e-6)
	require.InDelta(t, 0.0, a[2], 1e-6)

	// 131.072 LSB per deg/s at ±250 dps.
	mpu.regs[RegGyroXoutH] = []byte{0x00, 0x83, 0x00, 0x00, 0x00, 0x00}
	g, err := d.ReadGyro()
	require.NoError(t, err)
	require.InDelta(t, 131.0*250/32768, g[0], 1e-6)
	require.InDelta(t, -1.0, g[2], 1e-6)
}

func TestReadMag_AxisAlignment(t *testing.T) {
	noSleep(t)
	mpu, mag, _ := newFakes()
	d, err := NewI2C(mpu, mag, DefaultConfig())
	require.NoError(t, err)

	// Little-endian x=100, y=200, z=300, then ST2.
	mag.regs[RegAKHXL] = []byte{100, 0, 200, 0, 0x2C, 0x01, 0x10}
	v, err := d.ReadMag()
	require.NoError(t, err)

	res := MagResolution(true)
	sens := d.MagSensitivity()
	require.InDelta(t, 200*res*sens[1], v[0], 1e-4)
	require.InDelta(t, 100*res*sens[0], v[1], 1e-4)
	require.InDelta(t, -300*res*sens[2], v[2], 1e-4)
}

func TestSensitivity(t *testing.T) {
	require.Equal(t, float32(1), Sensitivity(128))
	require.Equal(t, float32(0.5), Sensitivity(0))
	require.InDelta(t, 1.49609375, Sensitivity(255), 1e-7)
}

func TestMagResolution(t *testing.T) {
	require.InDelta(t, 1.4993894, MagResolution(true), 1e-6)
	require.InDelta(t, 5.9975580, MagResolution(false), 1e-6)
}
