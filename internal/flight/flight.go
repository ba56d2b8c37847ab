// Package flight is the control loop: it boots the hardware, samples the
// IMU, streams frames to the host, applies motor commands and shuts the
// motors down when anything goes wrong.
//
// Everything here runs on one goroutine. Tick sources and the serial link
// reach it only through rings.
package flight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"flightcore/internal/esc"
	"flightcore/internal/irq"
	"flightcore/internal/led"
	"flightcore/internal/link"
	"flightcore/internal/msg"
	"flightcore/internal/sched"
)

type State int

const (
	Booting State = iota
	Running
	Faulted
)

func (s State) String() string {
	switch s {
	case Booting:
		return "booting"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FailsafeAction is what happens when the host stops sending commands.
type FailsafeAction int

const (
	FailsafeFault FailsafeAction = iota // enter Faulted
	FailsafeHold                        // keep the last throttles
	FailsafeZero                        // drop every throttle to 0% and keep running
)

func (a FailsafeAction) String() string {
	switch a {
	case FailsafeHold:
		return "hold"
	case FailsafeZero:
		return "zero"
	default:
		return "fault"
	}
}

func ParseFailsafeAction(s string) (FailsafeAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fault":
		return FailsafeFault, nil
	case "hold":
		return FailsafeHold, nil
	case "zero":
		return FailsafeZero, nil
	}
	return 0, fmt.Errorf("flight: unknown failsafe action %q", s)
}

type Config struct {
	Schedule sched.Config
	// ConsecutiveFaultLimit failed reads in a row on any channel fault the
	// controller. 0 disables the check.
	ConsecutiveFaultLimit uint64
	// FailsafeTimeout is the number of ticks without a motor command after
	// which FailsafeAction runs. The timer starts with the first command.
	// 0 disables it.
	FailsafeTimeout uint64
	FailsafeAction  FailsafeAction
	// StatusInterval is the StatusReport period in ticks. 0 disables
	// periodic reports; requested reports are still sent.
	StatusInterval uint64
}

// Transport is the host link as seen by the control loop. *link.Link
// satisfies it.
type Transport interface {
	Send(m msg.Message) error
	Poll(out []msg.Message) []msg.Message
	Stats() link.Stats
}

// Hardware holds the constructors Boot calls. LED is optional.
type Hardware struct {
	Sensor   func() (sched.Reader, error)
	Link     func() (Transport, error)
	Actuator func() (*esc.Driver, error)
	LED      func() (*led.Blinker, error)
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State     State
	Now       uint64
	Flags     msg.FaultFlags
	Counters  msg.FaultCounters
	Throttles []int
}

type Controller struct {
	cfg   Config
	state State
	now   uint64

	sched *sched.Scheduler
	link  Transport
	esc   *esc.Driver
	led   *led.Blinker

	frames []msg.SensorFrame
	inbox  []msg.Message

	flags           msg.FaultFlags // Faulted, Killed, Init
	hostBound       uint32         // host-bound variants received from the host
	actuatorTimeout uint32
	tickDropped     uint64

	armed       bool
	timedOut    bool
	lastCommand uint64
	lastStatus  uint64

	log *log.Entry
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg,
		frames: make([]msg.SensorFrame, 0, len(msg.Kinds)),
		inbox:  make([]msg.Message, 0, 32),
		log:    log.WithField("component", "flight"),
	}
}

func (c *Controller) State() State { return c.state }

// Boot opens the link first so init failures can still be reported, then
// the actuator and the sensor. Any error leaves the controller Faulted with
// the Init flag set.
func (c *Controller) Boot(hw Hardware) error {
	if c.state != Booting {
		return fmt.Errorf("flight: boot in state %s", c.state)
	}
	if err := c.boot(hw); err != nil {
		c.flags |= msg.FlagInit
		c.enterFaulted(fmt.Sprintf("init: %v", err))
		return err
	}
	c.state = Running
	c.log.WithField("order", c.sched.Order()).Info("controller running")
	return nil
}

func (c *Controller) boot(hw Hardware) error {
	if hw.Link == nil || hw.Actuator == nil || hw.Sensor == nil {
		return errors.New("flight: incomplete hardware")
	}
	var err error
	if c.link, err = hw.Link(); err != nil {
		return fmt.Errorf("flight: link: %w", err)
	}
	if c.esc, err = hw.Actuator(); err != nil {
		return fmt.Errorf("flight: actuator: %w", err)
	}
	sensor, err := hw.Sensor()
	if err != nil {
		return fmt.Errorf("flight: sensor: %w", err)
	}
	if c.sched, err = sched.New(sensor, c.cfg.Schedule); err != nil {
		return fmt.Errorf("flight: %w", err)
	}
	if hw.LED != nil {
		if c.led, err = hw.LED(); err != nil {
			// A missing status LED does not stop the motors.
			c.log.WithError(err).Warn("status led unavailable")
			c.led = nil
		}
	}
	return nil
}

// Step runs one control-loop iteration at tick now. A tick older than the
// previous one skips sampling only: inbound messages and fault checks still
// run at the last accepted tick, and sched.ErrTimeWentBackwards is returned.
func (c *Controller) Step(now uint64) error {
	switch c.state {
	case Booting:
		return errors.New("flight: step before boot")
	case Faulted:
		c.now = now
		c.stepFaulted(now)
		return nil
	}

	var err error
	c.frames, err = c.sched.Tick(now, c.frames[:0])
	if err != nil {
		// Sampling is skipped; the rest of the step runs at the last good
		// tick and err is reported once the step completes.
		now = c.now
	}
	c.now = now
	for _, f := range c.frames {
		c.send(msg.FrameMessage(f))
	}

	c.inbox = c.link.Poll(c.inbox[:0])
	for _, m := range c.inbox {
		c.handle(now, m)
		if c.state == Faulted {
			return err
		}
	}

	if err := c.esc.Tick(); err != nil {
		c.log.WithError(err).Warn("actuator update failed")
	}

	c.checkFaults(now)
	if c.state == Faulted {
		return err
	}

	if c.cfg.StatusInterval > 0 && now-c.lastStatus >= c.cfg.StatusInterval {
		c.sendStatus(now, false)
	}
	if c.led != nil {
		if err := c.led.Update(now, c.esc.MaxThrottle()); err != nil {
			c.log.WithError(err).Debug("led update failed")
		}
	}
	return err
}

func (c *Controller) handle(now uint64, m msg.Message) {
	switch m.Tag {
	case msg.TagSetThrottle:
		err := c.esc.SetThrottle(int(m.Command.Channel), int(m.Command.Percent))
		if err != nil {
			c.log.WithFields(log.Fields{"channel": m.Command.Channel, "percent": m.Command.Percent}).WithError(err).Debug("throttle command rejected")
			return
		}
		c.commandSeen(now)
	case msg.TagResetThrottle:
		if err := c.esc.ResetAll(); err != nil {
			c.log.WithError(err).Warn("throttle reset failed")
			return
		}
		c.commandSeen(now)
	case msg.TagKill:
		c.flags |= msg.FlagKilled
		c.enterFaulted("kill command")
	case msg.TagStatusRequest:
		c.sendStatus(now, true)
	default:
		c.hostBound++
		c.log.WithField("tag", m.Tag).Debug("ignored host-bound message from host")
	}
}

func (c *Controller) commandSeen(now uint64) {
	c.armed = true
	c.timedOut = false
	c.lastCommand = now
}

func (c *Controller) checkFaults(now uint64) {
	if limit := c.cfg.ConsecutiveFaultLimit; limit > 0 {
		if kind, n := c.sched.MaxConsecutiveFaults(); n >= limit {
			c.enterFaulted(fmt.Sprintf("%s: %d consecutive bus faults", kind, n))
			return
		}
	}

	if !c.armed || c.timedOut || c.cfg.FailsafeTimeout == 0 || now-c.lastCommand < c.cfg.FailsafeTimeout {
		return
	}
	c.timedOut = true
	c.actuatorTimeout++
	c.log.WithFields(log.Fields{"action": c.cfg.FailsafeAction, "idle_ticks": now - c.lastCommand}).Warn("command timeout")
	switch c.cfg.FailsafeAction {
	case FailsafeHold:
	case FailsafeZero:
		if err := c.esc.ResetAll(); err != nil {
			c.log.WithError(err).Error("failsafe reset failed")
		}
	default:
		c.enterFaulted("command timeout")
	}
}

// enterFaulted kills the outputs before anything else, then reports.
func (c *Controller) enterFaulted(reason string) {
	c.state = Faulted
	c.flags |= msg.FlagFaulted
	if c.esc != nil {
		if err := c.esc.Kill(); err != nil {
			c.log.WithError(err).Error("kill outputs failed")
		}
	}
	if c.led != nil {
		_ = c.led.Solid()
	}
	c.log.WithFields(log.Fields{"reason": reason, "tick": c.now}).Error("controller faulted")
	if c.link != nil {
		c.sendStatus(c.now, true)
	}
}

// stepFaulted answers status requests and keeps the periodic report going.
// Sampling and motor commands stay off.
func (c *Controller) stepFaulted(now uint64) {
	if c.link == nil {
		return
	}
	c.inbox = c.link.Poll(c.inbox[:0])
	for _, m := range c.inbox {
		if m.Tag == msg.TagStatusRequest {
			c.sendStatus(now, true)
		}
	}
	if c.cfg.StatusInterval > 0 && now-c.lastStatus >= c.cfg.StatusInterval {
		c.sendStatus(now, false)
	}
}

// sendStatus sends a StatusReport, followed by the counters when requested
// or once faulted.
func (c *Controller) sendStatus(now uint64, counters bool) {
	c.lastStatus = now
	c.send(msg.StatusMessage(c.Flags()))
	if counters || c.state == Faulted {
		c.send(msg.CountersMessage(c.Counters()))
	}
}

func (c *Controller) send(m msg.Message) {
	if err := c.link.Send(m); err != nil && !errors.Is(err, link.ErrQueueFull) {
		c.log.WithField("tag", m.Tag).WithError(err).Warn("send failed")
	}
}

// Counters gathers every fault counter in the system.
func (c *Controller) Counters() msg.FaultCounters {
	var fc msg.FaultCounters
	if c.sched != nil {
		for _, k := range msg.Kinds {
			if st, ok := c.sched.Stats(k); ok {
				fc.Bus[k] = uint32(st.Faults)
			}
		}
	}
	fc.Decode = c.hostBound
	fc.ActuatorTimeout = c.actuatorTimeout
	fc.Dropped = uint32(c.tickDropped)
	if c.link != nil {
		st := c.link.Stats()
		fc.Decode += uint32(st.DecodeFaults)
		fc.Dropped += uint32(st.Dropped + st.RxOverflow)
	}
	if c.esc != nil {
		fc.OutOfRange, fc.UnknownChannel = c.esc.Counters()
	}
	return fc
}

// Flags is the StatusReport bit set.
func (c *Controller) Flags() msg.FaultFlags {
	return c.flags | c.Counters().Flags()
}

func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{State: c.state, Now: c.now, Flags: c.Flags(), Counters: c.Counters()}
	if c.esc != nil {
		s.Throttles = c.esc.Throttles(nil)
	}
	return s
}

// Run steps the controller once per tick from q until ctx ends, then kills
// the outputs. Tick sequence numbers are the loop's time base.
func (c *Controller) Run(ctx context.Context, q *irq.Queue) error {
	if c.state == Booting {
		return errors.New("flight: run before boot")
	}
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-q.Wait():
		}
		for {
			t, ok := q.Pop()
			if !ok {
				break
			}
			if err := c.Step(t.Seq); err != nil {
				c.log.WithField("tick", t.Seq).WithError(err).Warn("step failed")
			}
		}
		if d := q.Dropped(); d != c.tickDropped {
			c.log.WithField("dropped", d).Debug("tick queue overflow")
			c.tickDropped = d
		}
	}
}

func (c *Controller) shutdown() {
	if c.esc == nil {
		return
	}
	if err := c.esc.Kill(); err != nil {
		c.log.WithError(err).Error("kill outputs failed")
	}
	c.log.WithField("state", c.state).Info("controller stopped")
}
