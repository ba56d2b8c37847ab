package link

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flightcore/internal/msg"
	"flightcore/internal/wire"
)

// pipePort is the device side of a simulated serial line.
type pipePort struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipePort) Close() error {
	for _, c := range p.closers {
		_ = c.Close()
	}
	return nil
}

// newPipeLink returns a started Link plus the host ends of the line.
func newPipeLink(t *testing.T, opts Options) (*Link, io.Writer, io.Reader) {
	t.Helper()
	hostToDevR, hostToDevW := io.Pipe()
	devToHostR, devToHostW := io.Pipe()
	port := &pipePort{
		Reader:  hostToDevR,
		Writer:  devToHostW,
		closers: []io.Closer{hostToDevR, devToHostW, devToHostR, hostToDevW},
	}
	l := New(port, opts)
	l.Start(context.Background())
	t.Cleanup(func() { _ = l.Close() })
	return l, hostToDevW, devToHostR
}

func TestLink_ReceivesFromHost(t *testing.T) {
	l, host, _ := newPipeLink(t, Options{})

	want := []msg.Message{msg.SetThrottle(1, 72), msg.Control(msg.TagStatusRequest)}
	b := encode(t, want...)
	go func() {
		// Split mid-frame to exercise reassembly.
		_, _ = host.Write(b[:4])
		_, _ = host.Write(b[4:])
	}()

	var got []msg.Message
	require.Eventually(t, func() bool {
		got = l.Poll(got)
		return len(got) == len(want)
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, want, got)
	require.Equal(t, uint64(2), l.Stats().FramesIn)
}

func TestLink_SendsToHost(t *testing.T) {
	l, _, host := newPipeLink(t, Options{})

	frame := msg.FrameMessage(msg.SensorFrame{Kind: msg.Mag, Vector: msg.Vector{1, 2, 3}, Timestamp: 9})
	require.NoError(t, l.Send(frame))
	require.NoError(t, l.Send(msg.StatusMessage(msg.FlagFaulted)))

	var d Deframer
	var got []msg.Message
	buf := make([]byte, 64)
	for len(got) < 2 {
		n, err := host.Read(buf)
		require.NoError(t, err)
		got = d.Feed(buf[:n], got)
	}
	require.Equal(t, []msg.Message{frame, msg.StatusMessage(msg.FlagFaulted)}, got)
}

func TestLink_SendQueueFull(t *testing.T) {
	// Not started: nothing drains the queue.
	l := New(&pipePort{}, Options{TxQueue: 16})

	m := msg.SetThrottle(0, 10)
	n, _ := wire.FrameLen(m.Tag)
	require.Equal(t, 7, n)

	require.NoError(t, l.Send(m))
	require.NoError(t, l.Send(m))
	require.ErrorIs(t, l.Send(m), ErrQueueFull)
	require.Equal(t, uint64(1), l.Stats().Dropped)
	require.Equal(t, uint64(2), l.Stats().FramesOut)
	// Only whole frames are queued.
	require.Equal(t, 14, l.tx.Len())
}

type captureMirror struct {
	mu  sync.Mutex
	got []byte
}

func (c *captureMirror) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p...)
	return nil
}

func (c *captureMirror) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.got...)
}

func TestLink_MirrorGetsSameBytes(t *testing.T) {
	mirror := &captureMirror{}
	l := New(&pipePort{Reader: eofReader{}, Writer: io.Discard}, Options{Mirror: mirror})
	l.Start(context.Background())
	t.Cleanup(func() { _ = l.Close() })

	m := msg.SetThrottle(5, 55)
	require.NoError(t, l.Send(m))
	want := encode(t, m)
	require.Eventually(t, func() bool {
		return string(mirror.bytes()) == string(want)
	}, 2*time.Second, time.Millisecond)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func TestLink_ReaderStopsOnEOF(t *testing.T) {
	l := New(&pipePort{Reader: eofReader{}, Writer: io.Discard}, Options{})
	l.Start(context.Background())
	require.Eventually(t, func() bool { return l.Err() != nil }, 2*time.Second, time.Millisecond)
	require.ErrorIs(t, l.Err(), io.EOF)
	require.NoError(t, l.Close())
}
