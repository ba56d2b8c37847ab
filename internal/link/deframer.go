package link

import (
	"encoding/binary"

	"flightcore/internal/msg"
	"flightcore/internal/wire"
)

const deframerCap = 4 * wire.MaxFrameLen

// Deframer reassembles frames from an unreliable byte stream. At the head of
// its buffer it either waits for a plausible frame to complete, emits a frame
// that decodes, or discards exactly one byte and tries again. While waiting,
// a complete valid frame already buffered behind the head wins: the bytes
// before it are discarded as garbage.
//
// The zero value is ready to use. It is not safe for concurrent use.
type Deframer struct {
	buf [deframerCap]byte
	n   int

	resyncing    bool
	decodeFaults uint64
	discarded    uint64
}

// Feed consumes p and appends every message completed by it to out.
func (d *Deframer) Feed(p []byte, out []msg.Message) []msg.Message {
	for len(p) > 0 {
		c := copy(d.buf[d.n:], p)
		d.n += c
		p = p[c:]
		out = d.scan(out)
	}
	return out
}

func (d *Deframer) scan(out []msg.Message) []msg.Message {
	start := 0
	for d.n-start >= wire.HeaderLen {
		length := int(binary.LittleEndian.Uint16(d.buf[start:]))
		if !wire.KnownLength(length) {
			start = d.discard(start)
			continue
		}
		total := wire.HeaderLen + length + wire.ChecksumLen
		if d.n-start < total {
			next, ok := d.findFrame(start + 1)
			if !ok {
				break
			}
			for start < next {
				start = d.discard(start)
			}
			continue
		}
		m, err := wire.Decode(d.buf[start : start+total])
		if err != nil {
			start = d.discard(start)
			continue
		}
		out = append(out, m)
		start += total
		d.resyncing = false
	}
	d.n = copy(d.buf[:], d.buf[start:d.n])
	return out
}

// findFrame returns the offset of the first complete frame at or after from
// that decodes.
func (d *Deframer) findFrame(from int) (int, bool) {
	for p := from; d.n-p >= wire.HeaderLen; p++ {
		length := int(binary.LittleEndian.Uint16(d.buf[p:]))
		if !wire.KnownLength(length) {
			continue
		}
		total := wire.HeaderLen + length + wire.ChecksumLen
		if d.n-p < total {
			continue
		}
		if _, err := wire.Decode(d.buf[p : p+total]); err == nil {
			return p, true
		}
	}
	return 0, false
}

func (d *Deframer) discard(start int) int {
	if !d.resyncing {
		d.resyncing = true
		d.decodeFaults++
	}
	d.discarded++
	return start + 1
}

// DecodeFaults counts resynchronization episodes: a run of discarded bytes
// counts once.
func (d *Deframer) DecodeFaults() uint64 { return d.decodeFaults }

// Discarded counts bytes dropped while resynchronizing.
func (d *Deframer) Discarded() uint64 { return d.discarded }

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Deframer) Buffered() int { return d.n }
