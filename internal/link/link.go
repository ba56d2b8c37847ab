// Package link carries wire frames over a byte stream: a serial port in
// production, a pipe in tests.
//
// A reader goroutine posts received bytes into an inbound ring and a writer
// goroutine drains an outbound ring into the port. The control loop only
// touches the rings through Send and Poll, so neither call ever blocks on the
// port.
package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"flightcore/internal/msg"
	"flightcore/internal/ring"
	"flightcore/internal/wire"
)

var ErrQueueFull = errors.New("link: send queue full")

// Mirror receives a copy of every outbound byte chunk.
type Mirror interface {
	Send(p []byte) error
}

type Options struct {
	RxQueue   int // inbound ring, bytes
	TxQueue   int // outbound ring, bytes
	ReadChunk int
	Mirror    Mirror
}

func (o *Options) setDefaults() {
	if o.RxQueue <= 0 {
		o.RxQueue = 4096
	}
	if o.TxQueue <= 0 {
		o.TxQueue = 4096
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = 64
	}
}

// Stats are the link's observable counters.
type Stats struct {
	FramesIn     uint64
	FramesOut    uint64
	Dropped      uint64 // outbound frames refused with ErrQueueFull
	RxOverflow   uint64 // inbound bytes lost to a full ring
	DecodeFaults uint64
	Discarded    uint64
	MirrorErrors uint64
}

type Link struct {
	port   io.ReadWriter
	opts   Options
	rx     *ring.Bytes
	tx     *ring.Bytes
	txWake chan struct{}

	deframer  Deframer
	framesIn  uint64
	framesOut uint64
	dropped   uint64

	mirrorErrs atomic.Uint64
	readErr    atomic.Pointer[error]

	logger *log.Entry
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(port io.ReadWriter, opts Options) *Link {
	opts.setDefaults()
	return &Link{
		port:   port,
		opts:   opts,
		rx:     ring.NewBytes(opts.RxQueue),
		tx:     ring.NewBytes(opts.TxQueue),
		txWake: make(chan struct{}, 1),
		logger: log.WithField("component", "link"),
	}
}

// Start launches the reader and writer goroutines. They stop when ctx is
// cancelled or Close is called.
func (l *Link) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(2)
	go l.readLoop(ctx)
	go l.writeLoop(ctx)
}

// Close stops the goroutines and closes the port when it is an io.Closer.
func (l *Link) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if c, ok := l.port.(io.Closer); ok {
		err = c.Close()
	}
	l.wg.Wait()
	return err
}

// Send encodes m and queues the frame. A frame that does not fit entirely is
// dropped and counted; partial frames are never queued.
func (l *Link) Send(m msg.Message) error {
	var buf [wire.MaxFrameLen]byte
	n, err := wire.Encode(buf[:], m)
	if err != nil {
		return err
	}
	if l.tx.Free() < n {
		l.dropped++
		return ErrQueueFull
	}
	l.tx.Write(buf[:n])
	l.framesOut++
	select {
	case l.txWake <- struct{}{}:
	default:
	}
	return nil
}

// Poll feeds every received byte to the deframer and appends the decoded
// messages to out.
func (l *Link) Poll(out []msg.Message) []msg.Message {
	var chunk [256]byte
	before := len(out)
	for {
		n := l.rx.Read(chunk[:])
		if n == 0 {
			break
		}
		out = l.deframer.Feed(chunk[:n], out)
	}
	l.framesIn += uint64(len(out) - before)
	return out
}

// Err returns the error that stopped the reader, if any.
func (l *Link) Err() error {
	if p := l.readErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats must be called from the goroutine that calls Send and Poll.
func (l *Link) Stats() Stats {
	return Stats{
		FramesIn:     l.framesIn,
		FramesOut:    l.framesOut,
		Dropped:      l.dropped,
		RxOverflow:   l.rx.Dropped(),
		DecodeFaults: l.deframer.DecodeFaults(),
		Discarded:    l.deframer.Discarded(),
		MirrorErrors: l.mirrorErrs.Load(),
	}
}

func (l *Link) readLoop(ctx context.Context) {
	defer l.wg.Done()
	buf := make([]byte, l.opts.ReadChunk)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			if w := l.rx.Write(buf[:n]); w < n {
				l.logger.WithField("lost", n-w).Debug("rx ring full")
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.readErr.Store(&err)
			if !errors.Is(err, io.EOF) {
				l.logger.WithError(err).Error("serial read failed")
			}
			return
		}
	}
}

func (l *Link) writeLoop(ctx context.Context) {
	defer l.wg.Done()
	var chunk [256]byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.txWake:
		}
		for {
			n := l.tx.Read(chunk[:])
			if n == 0 {
				break
			}
			if _, err := l.port.Write(chunk[:n]); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.WithError(err).Warn("serial write failed")
			}
			if l.opts.Mirror != nil {
				if err := l.opts.Mirror.Send(chunk[:n]); err != nil {
					if l.mirrorErrs.Add(1) == 1 {
						l.logger.WithError(err).Warn("udp mirror send failed")
					}
				}
			}
		}
	}
}
