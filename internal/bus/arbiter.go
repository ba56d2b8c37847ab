package bus

import "sync/atomic"

// Arbiter guards one physical bus. Every device on that bus is wrapped with
// the same Arbiter; a transaction started while another is in flight fails
// with ErrBusy without reaching the hardware.
type Arbiter struct {
	inFlight atomic.Bool
	rejected atomic.Uint64

	// Trace, when set, observes every completed transaction.
	Trace func(Transaction, error)
}

func NewArbiter() *Arbiter { return &Arbiter{} }

// Wrap returns a Device whose transactions are serialized by a.
func (a *Arbiter) Wrap(d Device) Device {
	return &arbitrated{arb: a, dev: d}
}

// Rejected returns how many transactions were refused with ErrBusy.
func (a *Arbiter) Rejected() uint64 { return a.rejected.Load() }

func (a *Arbiter) do(tx Transaction, fn func() error) error {
	if !a.inFlight.CompareAndSwap(false, true) {
		a.rejected.Add(1)
		return ErrBusy
	}
	err := fn()
	a.inFlight.Store(false)
	if a.Trace != nil {
		a.Trace(tx, err)
	}
	return err
}

type arbitrated struct {
	arb *Arbiter
	dev Device
}

func (a *arbitrated) ReadReg(reg byte, dst []byte) error {
	return a.arb.do(Transaction{Register: reg, Count: len(dst), Dir: Read}, func() error {
		return a.dev.ReadReg(reg, dst)
	})
}

func (a *arbitrated) WriteReg(reg byte, data ...byte) error {
	return a.arb.do(Transaction{Register: reg, Count: len(data), Dir: Write}, func() error {
		return a.dev.WriteReg(reg, data...)
	})
}
