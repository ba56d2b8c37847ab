// Package msg defines the values exchanged between the sampling scheduler, the
// wire codec, the transport and the actuator driver.
package msg

import "fmt"

// Kind identifies one of the three inertial sub-sensors.
type Kind uint8

const (
	Accel Kind = iota
	Gyro
	Mag
)

// Kinds lists every sensor kind in tag order.
var Kinds = [...]Kind{Accel, Gyro, Mag}

func (k Kind) String() string {
	switch k {
	case Accel:
		return "accel"
	case Gyro:
		return "gyro"
	case Mag:
		return "mag"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "accel":
		return Accel, nil
	case "gyro":
		return Gyro, nil
	case "mag":
		return Mag, nil
	}
	return 0, fmt.Errorf("unknown sensor kind %q", s)
}

// Vector is a three-axis reading in physical units: g for the accelerometer,
// deg/s for the gyroscope and µT for the magnetometer.
type Vector [3]float32

func (v Vector) X() float32 { return v[0] }
func (v Vector) Y() float32 { return v[1] }
func (v Vector) Z() float32 { return v[2] }

func (v Vector) String() string {
	return fmt.Sprintf("(%g, %g, %g)", v[0], v[1], v[2])
}

// SensorFrame is one timestamped reading. Timestamp counts scheduler ticks
// since boot.
type SensorFrame struct {
	Kind      Kind
	Vector    Vector
	Timestamp uint32
}

// MotorCommand sets the throttle of one motor channel.
type MotorCommand struct {
	Channel uint8
	Percent uint8
}

// StatusReport carries the controller's fault flags.
type StatusReport struct {
	FaultFlags FaultFlags
}

// FaultCounters are the observable counters behind the fault flags.
type FaultCounters struct {
	Bus             [3]uint32 // indexed by Kind
	Decode          uint32
	OutOfRange      uint32
	ActuatorTimeout uint32
	UnknownChannel  uint32
	Dropped         uint32
}

// FaultFlags is a bit set reported in StatusReport.
type FaultFlags uint32

const (
	FlagFaulted FaultFlags = 1 << iota
	FlagAccelBus
	FlagGyroBus
	FlagMagBus
	FlagDecode
	FlagOutOfRange
	FlagActuatorTimeout
	FlagKilled
	FlagInit
	FlagQueueOverflow
	FlagUnknownChannel
)

// BusFlag returns the bus-fault flag for a sensor kind.
func BusFlag(k Kind) FaultFlags {
	return FlagAccelBus << k
}

func (f FaultFlags) Has(flag FaultFlags) bool { return f&flag == flag }

// Flags derives the sticky fault flags from the counters.
func (c FaultCounters) Flags() FaultFlags {
	var f FaultFlags
	for _, k := range Kinds {
		if c.Bus[k] > 0 {
			f |= BusFlag(k)
		}
	}
	if c.Decode > 0 {
		f |= FlagDecode
	}
	if c.OutOfRange > 0 {
		f |= FlagOutOfRange
	}
	if c.ActuatorTimeout > 0 {
		f |= FlagActuatorTimeout
	}
	if c.UnknownChannel > 0 {
		f |= FlagUnknownChannel
	}
	if c.Dropped > 0 {
		f |= FlagQueueOverflow
	}
	return f
}

// Tag identifies a Message variant on the wire.
type Tag uint8

const (
	TagAccelFrame    Tag = 0x01
	TagGyroFrame     Tag = 0x02
	TagMagFrame      Tag = 0x03
	TagSetThrottle   Tag = 0x10
	TagResetThrottle Tag = 0x11
	TagKill          Tag = 0x12
	TagStatusRequest Tag = 0x13
	TagStatusReport  Tag = 0x20
	TagFaultCounters Tag = 0x21
)

// FrameTag returns the tag carrying a sensor frame of kind k.
func FrameTag(k Kind) Tag {
	return TagAccelFrame + Tag(k)
}

// IsSensorFrame reports whether t carries a SensorFrame.
func (t Tag) IsSensorFrame() bool {
	return t >= TagAccelFrame && t <= TagMagFrame
}

func (t Tag) String() string {
	switch t {
	case TagAccelFrame:
		return "AccelFrame"
	case TagGyroFrame:
		return "GyroFrame"
	case TagMagFrame:
		return "MagFrame"
	case TagSetThrottle:
		return "SetThrottle"
	case TagResetThrottle:
		return "ResetThrottle"
	case TagKill:
		return "Kill"
	case TagStatusRequest:
		return "StatusRequest"
	case TagStatusReport:
		return "StatusReport"
	case TagFaultCounters:
		return "FaultCounters"
	default:
		return fmt.Sprintf("Tag(0x%02X)", uint8(t))
	}
}

// Message is the tagged union exchanged over the transport. Only the field
// selected by Tag is meaningful; the others stay zero so that two messages
// compare equal with == exactly when they carry the same value.
type Message struct {
	Tag      Tag
	Frame    SensorFrame
	Command  MotorCommand
	Status   StatusReport
	Counters FaultCounters
}

func FrameMessage(f SensorFrame) Message {
	return Message{Tag: FrameTag(f.Kind), Frame: f}
}

func SetThrottle(channel, percent uint8) Message {
	return Message{Tag: TagSetThrottle, Command: MotorCommand{Channel: channel, Percent: percent}}
}

func StatusMessage(flags FaultFlags) Message {
	return Message{Tag: TagStatusReport, Status: StatusReport{FaultFlags: flags}}
}

func CountersMessage(c FaultCounters) Message {
	return Message{Tag: TagFaultCounters, Counters: c}
}

// Control returns a payload-free message such as ResetThrottle or Kill.
func Control(tag Tag) Message {
	return Message{Tag: tag}
}

func (m Message) String() string {
	switch {
	case m.Tag.IsSensorFrame():
		return fmt.Sprintf("%s{%s t=%d}", m.Tag, m.Frame.Vector, m.Frame.Timestamp)
	case m.Tag == TagSetThrottle:
		return fmt.Sprintf("%s{channel=%d percent=%d}", m.Tag, m.Command.Channel, m.Command.Percent)
	case m.Tag == TagStatusReport:
		return fmt.Sprintf("%s{flags=0x%08X}", m.Tag, uint32(m.Status.FaultFlags))
	case m.Tag == TagFaultCounters:
		return fmt.Sprintf("%s%+v", m.Tag, m.Counters)
	default:
		return m.Tag.String()
	}
}
