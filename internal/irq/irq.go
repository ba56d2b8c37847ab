// Package irq provides the control loop's tick sources. A source behaves
// like an interrupt handler: it only posts a Tick into a fixed-capacity
// queue and never blocks.
package irq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"flightcore/internal/ring"
)

// Tick is one tick event. Seq counts ticks from 1 in the order the source
// raised them; gaps mean the queue overflowed.
type Tick struct {
	Seq uint64
}

// Queue is an SPSC tick ring plus a wake-up signal for the consumer.
type Queue struct {
	r    *ring.Ring[Tick]
	wake chan struct{}
}

func NewQueue(capacity int) *Queue {
	return &Queue{r: ring.New[Tick](capacity), wake: make(chan struct{}, 1)}
}

// Post enqueues t and signals the consumer. It returns false if the queue
// was full and t was dropped.
func (q *Queue) Post(t Tick) bool {
	ok := q.r.Push(t)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return ok
}

func (q *Queue) Pop() (Tick, bool) { return q.r.Pop() }

// Wait is signalled after each Post.
func (q *Queue) Wait() <-chan struct{} { return q.wake }

func (q *Queue) Dropped() uint64 { return q.r.Dropped() }

func (q *Queue) Len() int { return q.r.Len() }

// Source raises ticks into a Queue until its context is cancelled.
type Source interface {
	Start(ctx context.Context, q *Queue) error
	Close() error
}

// Timer raises a tick every Period.
type Timer struct {
	Period time.Duration

	seq  atomic.Uint64
	done chan struct{}
}

func errInvalidPeriod(p time.Duration) error {
	return fmt.Errorf("irq: invalid tick period %s", p)
}

func NewTimer(period time.Duration) *Timer {
	return &Timer{Period: period}
}

func (t *Timer) Start(ctx context.Context, q *Queue) error {
	if t.Period <= 0 {
		return errInvalidPeriod(t.Period)
	}
	t.done = make(chan struct{})
	ticker := time.NewTicker(t.Period)
	log.WithFields(log.Fields{"component": "irq", "source": "timer", "period": t.Period}).Info("tick source started")
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Post(Tick{Seq: t.seq.Add(1)})
			}
		}
	}()
	return nil
}

// Close waits for the timer goroutine to exit after its context ends.
func (t *Timer) Close() error {
	if t.done != nil {
		<-t.done
	}
	return nil
}
