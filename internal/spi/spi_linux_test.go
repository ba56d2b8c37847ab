//go:build linux

package spi

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"flightcore/internal/bus"
)

var _ bus.Device = (*Dev)(nil)

func TestCheckLen(t *testing.T) {
	require.NoError(t, checkLen(MaxTransfer))
	require.ErrorContains(t, checkLen(MaxTransfer+1), "exceeds")
}

func TestReadReg_TooLong(t *testing.T) {
	d := &Dev{path: "/dev/null"}
	err := d.ReadReg(0x3B, make([]byte, MaxTransfer+1))
	require.ErrorContains(t, err, "exceeds")
}

func TestClosedDev(t *testing.T) {
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	require.NoError(t, err)
	d := &Dev{f: f, path: "/dev/null"}
	require.NoError(t, d.Close())
	require.ErrorContains(t, d.WriteReg(0x6B, 0x80), "closed")
}

func TestOpen_NotSpidev(t *testing.T) {
	// /dev/null rejects the spidev mode ioctl.
	_, err := Open("/dev/null", 1_000_000, 0)
	require.Error(t, err)
}
