package bus

import "errors"

// WithRetry retries a failed transaction up to attempts times in total and
// then reports a *FaultError. ErrBusy is returned immediately: retrying
// cannot fix a second caller on the bus.
func WithRetry(d Device, attempts int) Device {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{dev: d, attempts: attempts}
}

type retrying struct {
	dev      Device
	attempts int
}

func (r *retrying) ReadReg(reg byte, dst []byte) error {
	return r.run(Transaction{Register: reg, Count: len(dst), Dir: Read}, func() error {
		return r.dev.ReadReg(reg, dst)
	})
}

func (r *retrying) WriteReg(reg byte, data ...byte) error {
	return r.run(Transaction{Register: reg, Count: len(data), Dir: Write}, func() error {
		return r.dev.WriteReg(reg, data...)
	})
}

func (r *retrying) run(tx Transaction, fn func() error) error {
	var err error
	for i := 1; i <= r.attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBusy) {
			return err
		}
	}
	return &FaultError{Tx: tx, Attempts: r.attempts, Err: err}
}
