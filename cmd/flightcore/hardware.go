package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"flightcore/internal/bus"
	"flightcore/internal/config"
	"flightcore/internal/esc"
	"flightcore/internal/flight"
	"flightcore/internal/gpio"
	"flightcore/internal/i2c"
	"flightcore/internal/irq"
	"flightcore/internal/led"
	"flightcore/internal/link"
	"flightcore/internal/msg"
	"flightcore/internal/pwm"
	"flightcore/internal/sched"
	"flightcore/internal/sensors/mpu9250"
	"flightcore/internal/sim"
	"flightcore/internal/spi"
)

func flightConfig(cfg config.Config) (flight.Config, error) {
	sc := sched.Config{Channels: []sched.ChannelConfig{
		{Kind: msg.Accel, Period: cfg.Schedule.AccelPeriod},
		{Kind: msg.Gyro, Period: cfg.Schedule.GyroPeriod},
		{Kind: msg.Mag, Period: cfg.Schedule.MagPeriod},
	}}
	for _, name := range cfg.Schedule.Priority {
		k, err := msg.ParseKind(name)
		if err != nil {
			return flight.Config{}, err
		}
		sc.Priority = append(sc.Priority, k)
	}
	action, err := flight.ParseFailsafeAction(cfg.Failsafe.Action)
	if err != nil {
		return flight.Config{}, err
	}
	fc := flight.Config{
		Schedule:              sc,
		ConsecutiveFaultLimit: cfg.Faults.ConsecutiveLimit,
		FailsafeAction:        action,
		StatusInterval:        cfg.Ticks(cfg.Status.Interval),
	}
	if !cfg.Failsafe.Disable {
		fc.FailsafeTimeout = cfg.Ticks(cfg.Failsafe.Timeout)
	}
	return fc, nil
}

func sensorConfig(cfg config.Config) mpu9250.Config {
	s := cfg.Sensor
	return mpu9250.Config{
		GyroFullScaleDPS:   s.GyroFullScaleDPS,
		AccelFullScaleG:    s.AccelFullScaleG,
		DLPF:               uint8(s.DLPF),
		SampleRateDivider:  uint8(s.SampleRateDivider),
		Mag16Bit:           !s.Mag14Bit,
		DataReadyInterrupt: cfg.Tick.Source == "gpio",
		AccelOffset:        msg.Vector(s.Calibration.Accel),
		GyroOffset:         msg.Vector(s.Calibration.Gyro),
		MagOffset:          msg.Vector(s.Calibration.Mag),
	}
}

// hardware opens the real or simulated devices named by the config and
// owns them until Close.
type hardware struct {
	ctx context.Context
	cfg config.Config

	mu      sync.Mutex
	closers []io.Closer

	imu *sim.IMU
	pwm *pwm.Sim

	log *log.Entry
}

func newHardware(ctx context.Context, cfg config.Config) *hardware {
	return &hardware{ctx: ctx, cfg: cfg, log: log.WithField("component", "hardware")}
}

func (h *hardware) own(c io.Closer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, c)
}

func (h *hardware) flight() flight.Hardware {
	hw := flight.Hardware{
		Sensor:   h.openSensor,
		Link:     h.openLink,
		Actuator: h.openActuator,
	}
	if h.cfg.LED.Enable {
		hw.LED = h.openLED
	}
	return hw
}

func (h *hardware) openSensor() (sched.Reader, error) {
	arb := bus.NewArbiter()
	if h.cfg.Debug {
		trace := h.log.WithField("bus", h.cfg.Sensor.Bus)
		arb.Trace = func(tx bus.Transaction, err error) {
			if err != nil {
				trace.WithFields(log.Fields{"register": fmt.Sprintf("0x%02X", tx.Register), "count": tx.Count}).WithError(err).Trace("bus transaction failed")
			}
		}
	}
	attempts := h.cfg.Sensor.Retries
	dev := func(d bus.Device) bus.Device { return bus.WithRetry(arb.Wrap(d), attempts) }
	mcfg := sensorConfig(h.cfg)

	if h.cfg.Sim.Enable {
		imu, err := h.simIMU()
		if err != nil {
			return nil, err
		}
		return mpu9250.NewI2C(dev(imu.MPU()), dev(imu.AK8963()), mcfg)
	}

	switch h.cfg.Sensor.Bus {
	case "spi":
		d, err := spi.Open(h.cfg.Sensor.SPIDevice, uint32(h.cfg.Sensor.SPISpeedHz), uint8(h.cfg.Sensor.SPIMode))
		if err != nil {
			return nil, err
		}
		h.own(d)
		return mpu9250.NewSPI(dev(d), mcfg)
	default:
		b, err := i2c.Open(fmt.Sprintf("/dev/i2c-%d", h.cfg.Sensor.I2CBus))
		if err != nil {
			return nil, err
		}
		h.own(b)
		return mpu9250.NewI2C(dev(b.Dev(uint16(h.cfg.Sensor.MPUAddr))), dev(b.Dev(uint16(h.cfg.Sensor.MagAddr))), mcfg)
	}
}

// simIMU builds the simulated IMU, driven by the scenario file when one is
// configured.
func (h *hardware) simIMU() (*sim.IMU, error) {
	var scenario *sim.Scenario
	if path := h.cfg.Sim.Scenario; path != "" {
		script, err := sim.LoadScenarioScript(path)
		if err != nil {
			return nil, err
		}
		if scenario, err = sim.NewScenario(script); err != nil {
			return nil, err
		}
	}

	imu := sim.NewIMU()
	imu.Motion = scenario.Motion()
	if imu.Motion == nil {
		imu.Motion = sim.DefaultMotion()
	}
	start := time.Now()
	imu.Clock = func() time.Duration { return time.Since(start) }
	h.imu = imu

	if scenario != nil {
		go runScenario(h.ctx, scenario, imu, start)
	}
	h.log.WithField("scenario", h.cfg.Sim.Scenario).Info("simulated imu")
	return imu, nil
}

func runScenario(ctx context.Context, s *sim.Scenario, imu *sim.IMU, start time.Time) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for !s.Done() {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Apply(imu, time.Since(start)); n > 0 {
				log.WithFields(log.Fields{"component": "sim", "events": n}).Info("scenario faults applied")
			}
		}
	}
}

func (h *hardware) openLink() (flight.Transport, error) {
	var port io.ReadWriter
	if h.cfg.Serial.Device == "" {
		port = newNullPort()
	} else {
		p, err := link.OpenSerial(h.cfg.Serial.Device, h.cfg.Serial.Baud)
		if err != nil {
			return nil, err
		}
		port = p
	}

	opts := link.Options{RxQueue: h.cfg.Serial.RxQueue, TxQueue: h.cfg.Serial.TxQueue}
	if h.cfg.Serial.Mirror != "" {
		m, err := link.NewUDPMirror(h.cfg.Serial.Mirror)
		if err != nil {
			if c, ok := port.(io.Closer); ok {
				_ = c.Close()
			}
			return nil, err
		}
		h.own(m)
		opts.Mirror = m
	}

	l := link.New(port, opts)
	l.Start(h.ctx)
	h.own(l)
	h.log.WithFields(log.Fields{"device": h.cfg.Serial.Device, "baud": h.cfg.Serial.Baud, "mirror": h.cfg.Serial.Mirror}).Info("host link up")
	return l, nil
}

func (h *hardware) openActuator() (*esc.Driver, error) {
	var out pwm.Output
	switch h.cfg.Actuator.Backend {
	case "sim":
		h.pwm = pwm.NewSim(h.cfg.Actuator.Motors)
		out = h.pwm
	default:
		chans := make([]pwm.Channel, 0, len(h.cfg.Actuator.Channels))
		for _, c := range h.cfg.Actuator.Channels {
			chans = append(chans, pwm.Channel{Chip: c.Chip, Index: c.Channel})
		}
		s, err := pwm.OpenSysfs(chans)
		if err != nil {
			return nil, err
		}
		out = s
	}
	h.own(out)

	proto, err := esc.ParseProtocol(h.cfg.Actuator.Protocol)
	if err != nil {
		return nil, err
	}
	return esc.New(out, esc.Config{Protocol: proto, MaxStepPercent: h.cfg.Actuator.MaxStepPercent})
}

func (h *hardware) openLED() (*led.Blinker, error) {
	line, err := gpio.OpenOutput(h.cfg.LED.GPIOPin)
	if err != nil {
		return nil, err
	}
	b, err := led.New(line, led.Config{
		TickHz:     h.cfg.Tick.RateHz,
		SlowPeriod: h.cfg.LED.SlowPeriod,
		FastPeriod: h.cfg.LED.FastPeriod,
	})
	if err != nil {
		_ = line.Close()
		return nil, err
	}
	h.own(b)
	return b, nil
}

func (h *hardware) tickSource() irq.Source {
	if h.cfg.Tick.Source == "gpio" {
		return irq.NewEdge(h.cfg.Tick.GPIOPin)
	}
	return irq.NewTimer(h.cfg.TickPeriod())
}

// Close releases everything in reverse order of opening.
func (h *hardware) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// nullPort stands in for the serial line in simulation when no device is
// configured: reads block until Close, writes are discarded.
type nullPort struct {
	done chan struct{}
	once sync.Once
}

func newNullPort() *nullPort { return &nullPort{done: make(chan struct{})} }

func (p *nullPort) Read([]byte) (int, error) {
	<-p.done
	return 0, io.EOF
}

func (p *nullPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *nullPort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
