package mpu9250

// MPU9250 register map (subset used by the driver and the simulator).
const (
	AddrMPU9250 = 0x68
	AddrAK8963  = 0x0C

	RegSmplrtDiv    = 0x19
	RegConfig       = 0x1A
	RegGyroConfig   = 0x1B
	RegAccelConfig  = 0x1C
	RegAccelConfig2 = 0x1D
	RegI2CMstCtrl   = 0x24
	RegI2CSlv4Addr  = 0x31
	RegI2CSlv4Reg   = 0x32
	RegI2CSlv4DO    = 0x33
	RegI2CSlv4Ctrl  = 0x34
	RegI2CSlv4DI    = 0x35
	RegI2CMstStatus = 0x36
	RegIntPinCfg    = 0x37
	RegIntEnable    = 0x38
	RegAccelXoutH   = 0x3B
	RegGyroXoutH    = 0x43
	RegUserCtrl     = 0x6A
	RegPwrMgmt1     = 0x6B
	RegWhoAmI       = 0x75

	PwrMgmt1Reset    = 0x80
	PwrMgmt1ClkAuto  = 0x01
	UserCtrlI2CMstEn = 0x20
	UserCtrlI2CIfDis = 0x10
	IntPinCfgBypass  = 0x02
	IntEnableRawRdy  = 0x01
	I2CMstClk400kHz  = 0x0D
	I2CSlvRead       = 0x80 // SLV4_ADDR read flag
	I2CSlv4En        = 0x80

	MstStatusSlv4Done = 0x40
	MstStatusLostArb  = 0x20
	MstStatusSlv4Nack = 0x10
)

// AK8963 register map.
const (
	RegAKWIA   = 0x00
	RegAKST1   = 0x02
	RegAKHXL   = 0x03
	RegAKST2   = 0x09
	RegAKCNTL1 = 0x0A
	RegAKCNTL2 = 0x0B
	RegAKASAX  = 0x10

	AKCNTL1PowerDown   = 0x00
	AKCNTL1Continuous2 = 0x06
	AKCNTL1FuseROM     = 0x0F
	AKCNTL1Bit16       = 0x10
	AKCNTL2SoftReset   = 0x01
	AKST2Overflow      = 0x08
)

// ValidWhoAmI lists the WHO_AM_I values of MPU9250-family parts.
var ValidWhoAmI = []byte{0x71, 0x73, 0x70}

// AK8963WhoAmI is the AK8963 device ID.
const AK8963WhoAmI = 0x48
