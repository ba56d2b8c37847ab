package flight

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flightcore/internal/bus"
	"flightcore/internal/esc"
	"flightcore/internal/irq"
	"flightcore/internal/link"
	"flightcore/internal/msg"
	"flightcore/internal/pwm"
	"flightcore/internal/sched"
	"flightcore/internal/sensors/mpu9250"
	"flightcore/internal/sim"
	"flightcore/internal/wire"
)

type fakeLink struct {
	in    []msg.Message
	sent  []msg.Message
	stats link.Stats
}

func (f *fakeLink) Send(m msg.Message) error {
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeLink) Poll(out []msg.Message) []msg.Message {
	out = append(out, f.in...)
	f.in = nil
	return out
}

func (f *fakeLink) Stats() link.Stats { return f.stats }

func (f *fakeLink) count(tag msg.Tag) int {
	n := 0
	for _, m := range f.sent {
		if m.Tag == tag {
			n++
		}
	}
	return n
}

func (f *fakeLink) last(tag msg.Tag) (msg.Message, bool) {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Tag == tag {
			return f.sent[i], true
		}
	}
	return msg.Message{}, false
}

type staticReader struct{}

func (staticReader) Read(kind msg.Kind) (msg.Vector, error) {
	return msg.Vector{0, 0, float32(kind)}, nil
}

func testConfig() Config {
	return Config{
		Schedule: sched.Config{Channels: []sched.ChannelConfig{
			{Kind: msg.Accel, Period: 2},
			{Kind: msg.Gyro, Period: 1},
			{Kind: msg.Mag, Period: 1},
		}},
		ConsecutiveFaultLimit: 100,
		StatusInterval:        50,
	}
}

type rig struct {
	c    *Controller
	link *fakeLink
	out  *pwm.Sim
}

func hardware(sensor func() (sched.Reader, error), lk Transport, out *pwm.Sim, escCfg esc.Config) Hardware {
	return Hardware{
		Sensor:   sensor,
		Link:     func() (Transport, error) { return lk, nil },
		Actuator: func() (*esc.Driver, error) { return esc.New(out, escCfg) },
	}
}

func newRig(t *testing.T, cfg Config, sensor func() (sched.Reader, error)) *rig {
	t.Helper()
	if sensor == nil {
		sensor = func() (sched.Reader, error) { return staticReader{}, nil }
	}
	r := &rig{c: New(cfg), link: &fakeLink{}, out: pwm.NewSim(4)}
	require.NoError(t, r.c.Boot(hardware(sensor, r.link, r.out, esc.Config{})))
	require.Equal(t, Running, r.c.State())
	return r
}

func (r *rig) steps(t *testing.T, from, to uint64) {
	t.Helper()
	for now := from; now <= to; now++ {
		require.NoError(t, r.c.Step(now))
	}
}

func simSensor(imu *sim.IMU) func() (sched.Reader, error) {
	return func() (sched.Reader, error) {
		arb := bus.NewArbiter()
		return mpu9250.NewI2C(
			bus.WithRetry(arb.Wrap(imu.MPU()), 3),
			bus.WithRetry(arb.Wrap(imu.AK8963()), 3),
			mpu9250.DefaultConfig(),
		)
	}
}

func TestStep_StreamsFramesInPriorityOrder(t *testing.T) {
	r := newRig(t, testConfig(), nil)

	require.NoError(t, r.c.Step(0))
	var tags []msg.Tag
	for _, m := range r.link.sent {
		tags = append(tags, m.Tag)
	}
	require.Equal(t, []msg.Tag{msg.TagGyroFrame, msg.TagMagFrame, msg.TagAccelFrame}, tags)

	r.steps(t, 1, 9)
	require.Equal(t, 10, r.link.count(msg.TagGyroFrame))
	require.Equal(t, 5, r.link.count(msg.TagAccelFrame))
	m, ok := r.link.last(msg.TagGyroFrame)
	require.True(t, ok)
	require.Equal(t, uint32(9), m.Frame.Timestamp)
}

func TestStep_SustainedMagFaultKillsOutputsWithinOneTick(t *testing.T) {
	imu := sim.NewIMU()
	r := newRig(t, testConfig(), simSensor(imu))

	r.link.in = []msg.Message{msg.SetThrottle(0, 50), msg.SetThrottle(3, 20)}
	require.NoError(t, r.c.Step(0))
	require.InDelta(t, 0.75, r.out.Duty(0), 1e-9)

	imu.FaultSensor(msg.Mag, -1)
	r.steps(t, 1, 99)
	require.Equal(t, Running, r.c.State())

	require.NoError(t, r.c.Step(100))
	require.Equal(t, Faulted, r.c.State())
	for ch := 0; ch < 4; ch++ {
		require.Equal(t, 0.0, r.out.Duty(ch), "channel %d", ch)
	}

	status, ok := r.link.last(msg.TagStatusReport)
	require.True(t, ok)
	require.True(t, status.Status.FaultFlags.Has(msg.FlagFaulted|msg.FlagMagBus))
	require.False(t, status.Status.FaultFlags.Has(msg.FlagAccelBus))
	counters, ok := r.link.last(msg.TagFaultCounters)
	require.True(t, ok)
	require.Equal(t, uint32(100), counters.Counters.Bus[msg.Mag])

	// No more sampling once faulted.
	frames := r.link.count(msg.TagGyroFrame)
	r.steps(t, 101, 120)
	require.Equal(t, frames, r.link.count(msg.TagGyroFrame))
}

func TestStep_CommandsThroughSerialLink(t *testing.T) {
	hostToDevR, hostToDevW := io.Pipe()
	devToHostR, devToHostW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, devToHostR) }()
	port := struct {
		io.Reader
		io.Writer
	}{hostToDevR, devToHostW}

	lk := link.New(port, link.Options{})
	lk.Start(context.Background())
	t.Cleanup(func() {
		_ = hostToDevW.Close()
		_ = devToHostW.Close()
		_ = lk.Close()
	})

	out := pwm.NewSim(4)
	c := New(testConfig())
	require.NoError(t, c.Boot(hardware(func() (sched.Reader, error) { return staticReader{}, nil }, lk, out, esc.Config{})))

	frame, err := wire.Append(nil, msg.SetThrottle(1, 72))
	require.NoError(t, err)
	go func() { _, _ = hostToDevW.Write(frame) }()

	deadline := time.Now().Add(2 * time.Second)
	for now := uint64(0); out.Duty(1) == 0.5; now++ {
		require.True(t, time.Now().Before(deadline), "command never applied")
		require.NoError(t, c.Step(now))
		time.Sleep(time.Millisecond)
	}
	require.InDelta(t, 0.5+0.5*0.72, out.Duty(1), 1e-9)
	require.Equal(t, 0.5, out.Duty(0))
	require.Equal(t, []int{0, 72, 0, 0}, c.Snapshot().Throttles)
}

func TestStep_KillCommand(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.link.in = []msg.Message{msg.SetThrottle(2, 90)}
	require.NoError(t, r.c.Step(0))

	r.link.in = []msg.Message{msg.Control(msg.TagKill), msg.SetThrottle(2, 10)}
	require.NoError(t, r.c.Step(1))
	require.Equal(t, Faulted, r.c.State())
	require.Equal(t, 0.0, r.out.Duty(2))
	require.True(t, r.c.Flags().Has(msg.FlagKilled|msg.FlagFaulted))

	// Commands are ignored, status requests are still answered.
	sent := len(r.link.sent)
	r.link.in = []msg.Message{msg.SetThrottle(2, 10), msg.Control(msg.TagStatusRequest)}
	require.NoError(t, r.c.Step(2))
	require.Equal(t, 0.0, r.out.Duty(2))
	require.Len(t, r.link.sent, sent+2)
	require.Equal(t, msg.TagStatusReport, r.link.sent[sent].Tag)
	require.Equal(t, msg.TagFaultCounters, r.link.sent[sent+1].Tag)
}

func TestStep_ResetThrottle(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.link.in = []msg.Message{msg.SetThrottle(0, 30), msg.SetThrottle(1, 60)}
	require.NoError(t, r.c.Step(0))
	r.link.in = []msg.Message{msg.Control(msg.TagResetThrottle)}
	require.NoError(t, r.c.Step(1))
	require.Equal(t, []int{0, 0, 0, 0}, r.c.Snapshot().Throttles)
	require.Equal(t, 0.5, r.out.Duty(1))
	require.Equal(t, Running, r.c.State())
}

func TestStep_StatusRequest(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.link.in = []msg.Message{msg.SetThrottle(0, 200), msg.SetThrottle(9, 10), msg.Control(msg.TagStatusRequest)}
	require.NoError(t, r.c.Step(0))

	status, ok := r.link.last(msg.TagStatusReport)
	require.True(t, ok)
	require.True(t, status.Status.FaultFlags.Has(msg.FlagOutOfRange|msg.FlagUnknownChannel))
	require.False(t, status.Status.FaultFlags.Has(msg.FlagFaulted))

	counters, ok := r.link.last(msg.TagFaultCounters)
	require.True(t, ok)
	require.Equal(t, uint32(1), counters.Counters.OutOfRange)
	require.Equal(t, uint32(1), counters.Counters.UnknownChannel)
	require.Equal(t, []int{100, 0, 0, 0}, r.c.Snapshot().Throttles)
}

func TestStep_HostBoundMessagesCountAsDecodeFaults(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.link.stats.DecodeFaults = 2
	r.link.in = []msg.Message{msg.StatusMessage(0), msg.FrameMessage(msg.SensorFrame{Kind: msg.Gyro})}
	require.NoError(t, r.c.Step(0))

	require.Equal(t, uint32(4), r.c.Counters().Decode)
	require.True(t, r.c.Flags().Has(msg.FlagDecode))
	require.Equal(t, Running, r.c.State())
}

func TestStep_PeriodicStatus(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.steps(t, 0, 149)
	require.Equal(t, 2, r.link.count(msg.TagStatusReport))
	require.Zero(t, r.link.count(msg.TagFaultCounters))
}

func TestStep_Failsafe(t *testing.T) {
	cases := []struct {
		action    FailsafeAction
		wantState State
		wantThr   int
		wantDuty  float64
	}{
		{FailsafeHold, Running, 40, 0.7},
		{FailsafeZero, Running, 0, 0.5},
		{FailsafeFault, Faulted, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.action.String(), func(t *testing.T) {
			cfg := testConfig()
			cfg.FailsafeTimeout = 10
			cfg.FailsafeAction = tc.action
			r := newRig(t, cfg, nil)

			// Not armed until the first command.
			r.steps(t, 0, 30)
			require.Zero(t, r.c.Counters().ActuatorTimeout)

			r.link.in = []msg.Message{msg.SetThrottle(0, 40)}
			r.steps(t, 31, 40)
			require.Zero(t, r.c.Counters().ActuatorTimeout)

			require.NoError(t, r.c.Step(41))
			require.Equal(t, tc.wantState, r.c.State())
			require.Equal(t, tc.wantThr, r.c.Snapshot().Throttles[0])
			require.InDelta(t, tc.wantDuty, r.out.Duty(0), 1e-9)
			require.Equal(t, uint32(1), r.c.Counters().ActuatorTimeout)
			require.True(t, r.c.Flags().Has(msg.FlagActuatorTimeout))

			// Counted once per silence.
			r.steps(t, 42, 80)
			require.Equal(t, uint32(1), r.c.Counters().ActuatorTimeout)
		})
	}
}

func TestFailsafe_NewCommandRearms(t *testing.T) {
	cfg := testConfig()
	cfg.FailsafeTimeout = 5
	cfg.FailsafeAction = FailsafeHold
	r := newRig(t, cfg, nil)

	r.link.in = []msg.Message{msg.SetThrottle(0, 10)}
	r.steps(t, 0, 5)
	require.Equal(t, uint32(1), r.c.Counters().ActuatorTimeout)

	r.link.in = []msg.Message{msg.SetThrottle(0, 20)}
	r.steps(t, 6, 11)
	require.Equal(t, uint32(2), r.c.Counters().ActuatorTimeout)
}

func TestFailsafe_IdleUntilFirstCommand(t *testing.T) {
	cfg := testConfig()
	cfg.FailsafeTimeout = 10
	cfg.FailsafeAction = FailsafeFault
	r := newRig(t, cfg, nil)

	// A status request is not a command and does not start the timer.
	r.link.in = []msg.Message{msg.Control(msg.TagStatusRequest)}
	r.steps(t, 0, 1000)

	require.Equal(t, Running, r.c.State())
	require.Zero(t, r.c.Counters().ActuatorTimeout)
	require.False(t, r.c.Flags().Has(msg.FlagActuatorTimeout))
	for ch := 0; ch < 4; ch++ {
		require.InDelta(t, 0.5, r.out.Duty(ch), 1e-9)
	}
}

func TestBoot_InitFailure(t *testing.T) {
	lk := &fakeLink{}
	out := pwm.NewSim(2)
	c := New(testConfig())
	errProbe := errors.New("whoami mismatch")
	err := c.Boot(hardware(func() (sched.Reader, error) { return nil, errProbe }, lk, out, esc.Config{}))
	require.ErrorIs(t, err, errProbe)
	require.Equal(t, Faulted, c.State())
	require.True(t, c.Flags().Has(msg.FlagInit|msg.FlagFaulted))
	require.Equal(t, 0.0, out.Duty(0))

	status, ok := lk.last(msg.TagStatusReport)
	require.True(t, ok)
	require.True(t, status.Status.FaultFlags.Has(msg.FlagInit))

	require.NoError(t, c.Step(1))
	require.Error(t, c.Boot(Hardware{}))
}

func TestBoot_LinkFailure(t *testing.T) {
	c := New(testConfig())
	err := c.Boot(Hardware{
		Sensor:   func() (sched.Reader, error) { return staticReader{}, nil },
		Link:     func() (Transport, error) { return nil, errors.New("no such port") },
		Actuator: func() (*esc.Driver, error) { return esc.New(pwm.NewSim(1), esc.Config{}) },
	})
	require.ErrorContains(t, err, "no such port")
	require.Equal(t, Faulted, c.State())
	require.NoError(t, c.Step(1))
}

func TestStep_TimeWentBackwards(t *testing.T) {
	cfg := testConfig()
	cfg.FailsafeTimeout = 5
	r := newRig(t, cfg, nil)
	require.NoError(t, r.c.Step(1))
	r.link.in = []msg.Message{msg.SetThrottle(0, 30)}
	require.NoError(t, r.c.Step(3))
	gyro := r.link.count(msg.TagGyroFrame)
	counters := r.link.count(msg.TagFaultCounters)

	r.link.in = []msg.Message{msg.SetThrottle(1, 60), msg.Control(msg.TagStatusRequest)}
	require.ErrorIs(t, r.c.Step(2), sched.ErrTimeWentBackwards)
	require.Equal(t, Running, r.c.State())

	// No samples, but the link is still served.
	require.Equal(t, gyro, r.link.count(msg.TagGyroFrame))
	require.Equal(t, counters+1, r.link.count(msg.TagFaultCounters))
	snap := r.c.Snapshot()
	require.Equal(t, []int{30, 60, 0, 0}, snap.Throttles)

	// The step ran at tick 3, so the fail-safe saw no idle gap.
	require.Equal(t, uint64(3), snap.Now)
	require.Zero(t, snap.Counters.ActuatorTimeout)

	require.NoError(t, r.c.Step(4))
	require.Equal(t, gyro+1, r.link.count(msg.TagGyroFrame))
}

func TestStep_BeforeBoot(t *testing.T) {
	c := New(testConfig())
	require.Error(t, c.Step(0))
	require.Error(t, c.Run(context.Background(), irq.NewQueue(1)))
}

func TestRun_StepsTicksAndKillsOnCancel(t *testing.T) {
	r := newRig(t, testConfig(), nil)
	r.link.in = []msg.Message{msg.SetThrottle(0, 25)}

	q := irq.NewQueue(16)
	for seq := uint64(1); seq <= 4; seq++ {
		q.Post(irq.Tick{Seq: seq})
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.c.Run(ctx, q) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, uint64(4), r.c.Snapshot().Now)
	require.Equal(t, 0.0, r.out.Duty(0))
}

func TestParseFailsafeAction(t *testing.T) {
	for in, want := range map[string]FailsafeAction{"": FailsafeFault, "fault": FailsafeFault, "Hold": FailsafeHold, "zero": FailsafeZero} {
		got, err := ParseFailsafeAction(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseFailsafeAction("land")
	require.Error(t, err)
}
