package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"flightcore/internal/msg"
)

const (
	DefaultPath   = "./flightcore.yaml"
	MaxMotors     = 8
	defaultTickHz = 1000
)

type Config struct {
	Debug    bool           `yaml:"debug"`
	Tick     TickConfig     `yaml:"tick"`
	Sensor   SensorConfig   `yaml:"sensor"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Serial   SerialConfig   `yaml:"serial"`
	Actuator ActuatorConfig `yaml:"actuator"`
	Failsafe FailsafeConfig `yaml:"failsafe"`
	Faults   FaultsConfig   `yaml:"faults"`
	Status   StatusConfig   `yaml:"status"`
	LED      LEDConfig      `yaml:"led"`
	Sim      SimConfig      `yaml:"sim"`
}

type TickConfig struct {
	RateHz int `yaml:"rate_hz"`
	// Source is "timer" or "gpio" (IMU data-ready line on GPIOPin).
	Source  string `yaml:"source"`
	GPIOPin int    `yaml:"gpio_pin"`
	Queue   int    `yaml:"queue"`
}

type SensorConfig struct {
	Bus        string `yaml:"bus"` // i2c or spi
	I2CBus     int    `yaml:"i2c_bus"`
	MPUAddr    int    `yaml:"mpu_addr"`
	MagAddr    int    `yaml:"mag_addr"`
	SPIDevice  string `yaml:"spi_device"`
	SPISpeedHz int    `yaml:"spi_speed_hz"`
	SPIMode    int    `yaml:"spi_mode"`
	Retries    int    `yaml:"retries"`

	GyroFullScaleDPS  int  `yaml:"gyro_full_scale_dps"`
	AccelFullScaleG   int  `yaml:"accel_full_scale_g"`
	DLPF              int  `yaml:"dlpf"`
	SampleRateDivider int  `yaml:"sample_rate_divider"`
	Mag14Bit          bool `yaml:"mag_14bit"`

	Calibration CalibrationConfig `yaml:"calibration"`
}

// CalibrationConfig holds fixed per-axis offsets subtracted after scaling.
type CalibrationConfig struct {
	Accel [3]float32 `yaml:"accel_offset,flow"`
	Gyro  [3]float32 `yaml:"gyro_offset,flow"`
	Mag   [3]float32 `yaml:"mag_offset,flow"`
}

// ScheduleConfig periods are in ticks.
type ScheduleConfig struct {
	AccelPeriod uint64   `yaml:"accel_period"`
	GyroPeriod  uint64   `yaml:"gyro_period"`
	MagPeriod   uint64   `yaml:"mag_period"`
	Priority    []string `yaml:"priority,omitempty,flow"`
}

type SerialConfig struct {
	Device  string `yaml:"device"`
	Baud    int    `yaml:"baud"`
	RxQueue int    `yaml:"rx_queue"`
	TxQueue int    `yaml:"tx_queue"`
	// Mirror is an optional UDP destination receiving a copy of every
	// outbound frame.
	Mirror string `yaml:"mirror"`
}

type ActuatorConfig struct {
	Backend        string       `yaml:"backend"` // sysfs or sim
	Motors         int          `yaml:"motors"`
	Protocol       string       `yaml:"protocol"`
	MaxStepPercent int          `yaml:"max_step_percent"`
	Channels       []PWMChannel `yaml:"channels"`
}

// PWMChannel selects /sys/class/pwm/pwmchip<Chip>/pwm<Channel>. Chip -1
// picks the first chip with enough channels.
type PWMChannel struct {
	Chip    int `yaml:"chip"`
	Channel int `yaml:"channel"`
}

type FailsafeConfig struct {
	Disable bool          `yaml:"disable"`
	Timeout time.Duration `yaml:"timeout"`
	Action  string        `yaml:"action"` // fault, hold or zero
}

type FaultsConfig struct {
	ConsecutiveLimit uint64 `yaml:"consecutive_limit"`
}

type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LEDConfig struct {
	Enable     bool          `yaml:"enable"`
	GPIOPin    int           `yaml:"gpio_pin"`
	SlowPeriod time.Duration `yaml:"slow_period"`
	FastPeriod time.Duration `yaml:"fast_period"`
}

type SimConfig struct {
	Enable   bool   `yaml:"enable"`
	Scenario string `yaml:"scenario"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

// Read parses the YAML file at path without applying defaults.
func Read(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path, fills defaults and validates.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Dump renders cfg as YAML.
func Dump(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// DefaultAndValidate fills zero values with defaults, then validates.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if cfg.Tick.RateHz == 0 {
		cfg.Tick.RateHz = defaultTickHz
	}
	if cfg.Tick.RateHz < 0 {
		return fmt.Errorf("tick.rate_hz must be > 0")
	}
	if cfg.Tick.Source == "" {
		cfg.Tick.Source = "timer"
	}
	switch cfg.Tick.Source {
	case "timer":
	case "gpio":
		if cfg.Tick.GPIOPin <= 0 {
			return fmt.Errorf("tick.gpio_pin is required when tick.source is 'gpio'")
		}
	default:
		return fmt.Errorf("tick.source must be 'timer' or 'gpio'")
	}
	if cfg.Tick.Queue <= 0 {
		cfg.Tick.Queue = 64
	}

	if err := defaultSensor(&cfg.Sensor); err != nil {
		return err
	}
	if err := defaultSchedule(&cfg.Schedule); err != nil {
		return err
	}

	if cfg.Serial.Device == "" && !cfg.Sim.Enable {
		cfg.Serial.Device = "/dev/ttyAMA0"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.Baud < 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}
	if cfg.Serial.RxQueue <= 0 {
		cfg.Serial.RxQueue = 4096
	}
	if cfg.Serial.TxQueue <= 0 {
		cfg.Serial.TxQueue = 4096
	}

	if err := defaultActuator(&cfg.Actuator, cfg.Sim.Enable); err != nil {
		return err
	}

	if cfg.Failsafe.Timeout == 0 {
		cfg.Failsafe.Timeout = 500 * time.Millisecond
	}
	if cfg.Failsafe.Timeout < 0 {
		return fmt.Errorf("failsafe.timeout must be >= 0")
	}
	if cfg.Failsafe.Action == "" {
		cfg.Failsafe.Action = "fault"
	}
	switch cfg.Failsafe.Action {
	case "fault", "hold", "zero":
	default:
		return fmt.Errorf("failsafe.action must be 'fault', 'hold' or 'zero'")
	}

	if cfg.Faults.ConsecutiveLimit == 0 {
		cfg.Faults.ConsecutiveLimit = 100
	}
	if cfg.Status.Interval == 0 {
		cfg.Status.Interval = time.Second
	}
	if cfg.Status.Interval < 0 {
		return fmt.Errorf("status.interval must be >= 0")
	}

	if cfg.LED.SlowPeriod == 0 {
		cfg.LED.SlowPeriod = time.Second
	}
	if cfg.LED.FastPeriod == 0 {
		cfg.LED.FastPeriod = 100 * time.Millisecond
	}
	if cfg.LED.FastPeriod < 0 || cfg.LED.SlowPeriod < cfg.LED.FastPeriod {
		return fmt.Errorf("led.fast_period must be > 0 and <= led.slow_period")
	}
	if cfg.LED.Enable && cfg.LED.GPIOPin <= 0 {
		return fmt.Errorf("led.gpio_pin is required when led.enable is true")
	}
	return nil
}

func defaultSensor(s *SensorConfig) error {
	if s.Bus == "" {
		s.Bus = "i2c"
	}
	switch s.Bus {
	case "i2c":
		if s.I2CBus == 0 {
			s.I2CBus = 1
		}
		if s.MPUAddr == 0 {
			s.MPUAddr = 0x68
		}
		if s.MagAddr == 0 {
			s.MagAddr = 0x0C
		}
		if s.MPUAddr < 0 || s.MPUAddr > 0x7F || s.MagAddr < 0 || s.MagAddr > 0x7F {
			return fmt.Errorf("sensor.mpu_addr and sensor.mag_addr must be 7-bit addresses")
		}
	case "spi":
		if s.SPIDevice == "" {
			s.SPIDevice = "/dev/spidev0.0"
		}
		if s.SPISpeedHz == 0 {
			s.SPISpeedHz = 1_000_000
		}
		if s.SPIMode < 0 || s.SPIMode > 3 {
			return fmt.Errorf("sensor.spi_mode must be 0..3")
		}
	default:
		return fmt.Errorf("sensor.bus must be 'i2c' or 'spi'")
	}
	if s.Retries == 0 {
		s.Retries = 3
	}
	if s.Retries < 0 {
		return fmt.Errorf("sensor.retries must be > 0")
	}
	if s.GyroFullScaleDPS == 0 {
		s.GyroFullScaleDPS = 2000
	}
	if s.AccelFullScaleG == 0 {
		s.AccelFullScaleG = 16
	}
	if s.DLPF == 0 {
		s.DLPF = 1
	}
	if s.DLPF < 0 || s.DLPF > 7 {
		return fmt.Errorf("sensor.dlpf must be 0..7")
	}
	if s.SampleRateDivider < 0 || s.SampleRateDivider > 255 {
		return fmt.Errorf("sensor.sample_rate_divider must be 0..255")
	}
	return nil
}

func defaultSchedule(s *ScheduleConfig) error {
	if s.GyroPeriod == 0 {
		s.GyroPeriod = 1
	}
	if s.AccelPeriod == 0 {
		s.AccelPeriod = 2
	}
	if s.MagPeriod == 0 {
		s.MagPeriod = 10
	}
	if len(s.Priority) == 0 {
		return nil
	}
	seen := map[msg.Kind]bool{}
	for _, name := range s.Priority {
		k, err := msg.ParseKind(name)
		if err != nil {
			return fmt.Errorf("schedule.priority: %w", err)
		}
		if seen[k] {
			return fmt.Errorf("schedule.priority lists %q twice", name)
		}
		seen[k] = true
	}
	if len(seen) != len(msg.Kinds) {
		return fmt.Errorf("schedule.priority must list accel, gyro and mag")
	}
	return nil
}

func defaultActuator(a *ActuatorConfig, sim bool) error {
	if a.Backend == "" {
		a.Backend = "sysfs"
		if sim {
			a.Backend = "sim"
		}
	}
	if a.Backend != "sysfs" && a.Backend != "sim" {
		return fmt.Errorf("actuator.backend must be 'sysfs' or 'sim'")
	}
	if a.Motors == 0 {
		a.Motors = 4
	}
	if a.Motors < 1 || a.Motors > MaxMotors {
		return fmt.Errorf("actuator.motors must be 1..%d", MaxMotors)
	}
	if a.Protocol == "" {
		a.Protocol = "standard"
	}
	switch a.Protocol {
	case "standard", "oneshot125", "oneshot42":
	default:
		return fmt.Errorf("actuator.protocol must be 'standard', 'oneshot125' or 'oneshot42'")
	}
	if a.MaxStepPercent < 0 || a.MaxStepPercent > 100 {
		return fmt.Errorf("actuator.max_step_percent must be 0..100")
	}
	if len(a.Channels) == 0 {
		for i := 0; i < a.Motors; i++ {
			a.Channels = append(a.Channels, PWMChannel{Chip: -1, Channel: i})
		}
	}
	if len(a.Channels) != a.Motors {
		return fmt.Errorf("actuator.channels must list one channel per motor")
	}
	return nil
}

// Ticks converts d to whole ticks at the configured rate. Any positive d is
// at least one tick.
func (c Config) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	t := uint64(d) * uint64(c.Tick.RateHz) / uint64(time.Second)
	return max(t, 1)
}

// TickPeriod is the interval between ticks.
func (c Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.Tick.RateHz)
}
