package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDev struct {
	regs     [256]byte
	failures int // fail this many calls before succeeding
	calls    int
	onRead   func()
}

var errNack = errors.New("nack")

func (f *fakeDev) ReadReg(reg byte, dst []byte) error {
	f.calls++
	if f.onRead != nil {
		f.onRead()
	}
	if f.failures > 0 {
		f.failures--
		return errNack
	}
	copy(dst, f.regs[reg:])
	return nil
}

func (f *fakeDev) WriteReg(reg byte, data ...byte) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errNack
	}
	copy(f.regs[reg:], data)
	return nil
}

func TestReadRegU8(t *testing.T) {
	f := &fakeDev{}
	f.regs[0x75] = 0x71
	v, err := ReadRegU8(f, 0x75)
	require.NoError(t, err)
	require.Equal(t, byte(0x71), v)
}

func TestArbiter_RejectsOverlappingTransaction(t *testing.T) {
	arb := NewArbiter()
	f := &fakeDev{}
	dev := arb.Wrap(f)
	other := arb.Wrap(&fakeDev{})

	var nestedErr error
	f.onRead = func() {
		var b [1]byte
		nestedErr = other.ReadReg(0x3B, b[:])
	}

	var b [2]byte
	require.NoError(t, dev.ReadReg(0x3B, b[:]))
	require.ErrorIs(t, nestedErr, ErrBusy)
	require.Equal(t, uint64(1), arb.Rejected())

	// The bus is released after the outer transaction.
	f.onRead = nil
	require.NoError(t, other.WriteReg(0x6B, 0x00))
}

func TestArbiter_Trace(t *testing.T) {
	arb := NewArbiter()
	var got []Transaction
	arb.Trace = func(tx Transaction, err error) { got = append(got, tx) }

	dev := arb.Wrap(&fakeDev{})
	var b [6]byte
	require.NoError(t, dev.ReadReg(0x3B, b[:]))
	require.NoError(t, dev.WriteReg(0x1B, 0x18))

	require.Equal(t, []Transaction{
		{Register: 0x3B, Count: 6, Dir: Read},
		{Register: 0x1B, Count: 1, Dir: Write},
	}, got)
}

func TestWithRetry(t *testing.T) {
	cases := []struct {
		name      string
		failures  int
		attempts  int
		wantErr   bool
		wantCalls int
	}{
		{name: "success first try", failures: 0, attempts: 3, wantCalls: 1},
		{name: "recovers within bound", failures: 2, attempts: 3, wantCalls: 3},
		{name: "exhausts bound", failures: 5, attempts: 3, wantErr: true, wantCalls: 3},
		{name: "zero attempts means one", failures: 1, attempts: 0, wantErr: true, wantCalls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeDev{failures: tc.failures}
			dev := WithRetry(f, tc.attempts)
			var b [1]byte
			err := dev.ReadReg(0x43, b[:])
			require.Equal(t, tc.wantCalls, f.calls)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrFault)
			require.ErrorIs(t, err, errNack)
			var fe *FaultError
			require.True(t, errors.As(err, &fe))
			require.Equal(t, Transaction{Register: 0x43, Count: 1, Dir: Read}, fe.Tx)
		})
	}
}

func TestWithRetry_DoesNotRetryBusy(t *testing.T) {
	arb := NewArbiter()
	f := &fakeDev{}
	outer := arb.Wrap(f)
	inner := WithRetry(arb.Wrap(&fakeDev{}), 5)

	var nestedErr error
	f.onRead = func() {
		var b [1]byte
		nestedErr = inner.ReadReg(0x00, b[:])
	}
	var b [1]byte
	require.NoError(t, outer.ReadReg(0x00, b[:]))
	require.ErrorIs(t, nestedErr, ErrBusy)
	require.NotErrorIs(t, nestedErr, ErrFault)
	require.Equal(t, uint64(1), arb.Rejected())
}
