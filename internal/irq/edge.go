package irq

import (
	"context"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"flightcore/internal/gpio"
)

type edgeWatch interface {
	Close() error
}

var watchRising = func(pin int, fn func()) (edgeWatch, error) {
	return gpio.WatchRising(pin, fn)
}

// Edge raises a tick on every rising edge of a GPIO line, typically the
// IMU's data-ready interrupt pin.
type Edge struct {
	Pin int

	seq   atomic.Uint64
	watch edgeWatch
}

func NewEdge(pin int) *Edge {
	return &Edge{Pin: pin}
}

func (e *Edge) Start(ctx context.Context, q *Queue) error {
	var active atomic.Bool
	active.Store(true)
	w, err := watchRising(e.Pin, func() {
		if !active.Load() {
			return
		}
		q.Post(Tick{Seq: e.seq.Add(1)})
	})
	if err != nil {
		return fmt.Errorf("irq: edge source: %w", err)
	}
	e.watch = w
	go func() {
		<-ctx.Done()
		active.Store(false)
	}()
	log.WithFields(log.Fields{"component": "irq", "source": "gpio", "pin": e.Pin}).Info("tick source started")
	return nil
}

func (e *Edge) Close() error {
	if e.watch == nil {
		return nil
	}
	err := e.watch.Close()
	e.watch = nil
	return err
}
