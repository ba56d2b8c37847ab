// Package wire encodes and decodes msg.Message frames for the serial link.
//
// Frame layout, all integers little-endian:
//
//	[length u16][tag u8][payload][crc u16]
//
// length counts tag and payload. crc covers length, tag and payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"flightcore/internal/msg"
)

const (
	// HeaderLen is the size of the length prefix.
	HeaderLen = 2
	// ChecksumLen is the size of the trailing CRC.
	ChecksumLen = 2
	// Overhead is every byte of a frame that is not payload.
	Overhead = HeaderLen + 1 + ChecksumLen

	sensorPayload   = 16
	countersPayload = 32

	// MaxFrameLen is the largest frame of any tag.
	MaxFrameLen = Overhead + countersPayload
)

var (
	ErrDecode      = errors.New("wire: decode error")
	ErrShortBuffer = errors.New("wire: short buffer")
)

// DecodeError describes why a byte sequence is not a valid frame.
// errors.Is(err, ErrDecode) holds.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "wire: decode: " + e.Reason }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeErr(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// PayloadLen returns the payload size of tag.
func PayloadLen(tag msg.Tag) (int, bool) {
	switch tag {
	case msg.TagAccelFrame, msg.TagGyroFrame, msg.TagMagFrame:
		return sensorPayload, true
	case msg.TagSetThrottle:
		return 2, true
	case msg.TagResetThrottle, msg.TagKill, msg.TagStatusRequest:
		return 0, true
	case msg.TagStatusReport:
		return 4, true
	case msg.TagFaultCounters:
		return countersPayload, true
	}
	return 0, false
}

// FrameLen returns the exact encoded size of a frame carrying tag.
func FrameLen(tag msg.Tag) (int, bool) {
	n, ok := PayloadLen(tag)
	if !ok {
		return 0, false
	}
	return n + Overhead, true
}

// KnownLength reports whether a length header value belongs to some tag.
func KnownLength(length int) bool {
	switch length - 1 {
	case sensorPayload, 2, 0, 4, countersPayload:
		return true
	}
	return false
}

// Append encodes m and appends the frame to dst.
func Append(dst []byte, m msg.Message) ([]byte, error) {
	var buf [MaxFrameLen]byte
	n, err := Encode(buf[:], m)
	if err != nil {
		return dst, err
	}
	return append(dst, buf[:n]...), nil
}

// Encode writes the frame for m into dst and returns its length.
func Encode(dst []byte, m msg.Message) (int, error) {
	plen, ok := PayloadLen(m.Tag)
	if !ok {
		return 0, fmt.Errorf("wire: cannot encode tag %s", m.Tag)
	}
	if m.Tag.IsSensorFrame() && msg.FrameTag(m.Frame.Kind) != m.Tag {
		return 0, fmt.Errorf("wire: %s frame under tag %s", m.Frame.Kind, m.Tag)
	}
	n := plen + Overhead
	if len(dst) < n {
		return 0, ErrShortBuffer
	}

	binary.LittleEndian.PutUint16(dst[0:], uint16(plen+1))
	dst[2] = byte(m.Tag)
	p := dst[3 : 3+plen]
	switch {
	case m.Tag.IsSensorFrame():
		for i, v := range m.Frame.Vector {
			binary.LittleEndian.PutUint32(p[4*i:], math.Float32bits(v))
		}
		binary.LittleEndian.PutUint32(p[12:], m.Frame.Timestamp)
	case m.Tag == msg.TagSetThrottle:
		p[0] = m.Command.Channel
		p[1] = m.Command.Percent
	case m.Tag == msg.TagStatusReport:
		binary.LittleEndian.PutUint32(p, uint32(m.Status.FaultFlags))
	case m.Tag == msg.TagFaultCounters:
		putCounters(p, m.Counters)
	}
	binary.LittleEndian.PutUint16(dst[n-ChecksumLen:], checksum(dst[:n-ChecksumLen]))
	return n, nil
}

// Decode parses exactly one frame. Any validation failure returns a
// *DecodeError and the zero Message.
func Decode(b []byte) (msg.Message, error) {
	if len(b) < Overhead {
		return msg.Message{}, decodeErr("frame of %d bytes shorter than %d", len(b), Overhead)
	}
	length := int(binary.LittleEndian.Uint16(b))
	if HeaderLen+length+ChecksumLen != len(b) {
		return msg.Message{}, decodeErr("length %d does not match frame of %d bytes", length, len(b))
	}
	tag := msg.Tag(b[2])
	plen, ok := PayloadLen(tag)
	if !ok {
		return msg.Message{}, decodeErr("unknown tag 0x%02X", uint8(tag))
	}
	if plen != length-1 {
		return msg.Message{}, decodeErr("%s payload of %d bytes, want %d", tag, length-1, plen)
	}
	end := len(b) - ChecksumLen
	if got, want := binary.LittleEndian.Uint16(b[end:]), checksum(b[:end]); got != want {
		return msg.Message{}, decodeErr("crc 0x%04X, want 0x%04X", got, want)
	}

	p := b[3:end]
	m := msg.Message{Tag: tag}
	switch {
	case tag.IsSensorFrame():
		m.Frame.Kind = msg.Kind(tag - msg.TagAccelFrame)
		for i := range m.Frame.Vector {
			m.Frame.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[4*i:]))
		}
		m.Frame.Timestamp = binary.LittleEndian.Uint32(p[12:])
	case tag == msg.TagSetThrottle:
		m.Command = msg.MotorCommand{Channel: p[0], Percent: p[1]}
	case tag == msg.TagStatusReport:
		m.Status.FaultFlags = msg.FaultFlags(binary.LittleEndian.Uint32(p))
	case tag == msg.TagFaultCounters:
		m.Counters = getCounters(p)
	}
	return m, nil
}

func counterFields(c *msg.FaultCounters) [8]*uint32 {
	return [8]*uint32{
		&c.Bus[msg.Accel], &c.Bus[msg.Gyro], &c.Bus[msg.Mag],
		&c.Decode, &c.OutOfRange, &c.ActuatorTimeout, &c.UnknownChannel, &c.Dropped,
	}
}

func putCounters(p []byte, c msg.FaultCounters) {
	for i, f := range counterFields(&c) {
		binary.LittleEndian.PutUint32(p[4*i:], *f)
	}
}

func getCounters(p []byte) msg.FaultCounters {
	var c msg.FaultCounters
	for i, f := range counterFields(&c) {
		*f = binary.LittleEndian.Uint32(p[4*i:])
	}
	return c
}

// crcTable holds the CCITT polynomial 0x1021 shifted through each high byte.
var crcTable [256]uint16

func init() {
	for i := range crcTable {
		c := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if c&0x8000 != 0 {
				c = c<<1 ^ 0x1021
			} else {
				c <<= 1
			}
		}
		crcTable[i] = c
	}
}

// checksum is the GDL90 frame check: CRC-16, polynomial 0x1021, initial
// value 0, with each data byte folded in after the table lookup rather than
// before it as in CRC-16/XMODEM. The check value of "123456789" is 0xBEEF.
func checksum(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc = crcTable[crc>>8] ^ crc<<8 ^ uint16(v)
	}
	return crc
}
