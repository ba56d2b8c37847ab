package msg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseKind("baro")
	require.EqualError(t, err, `unknown sensor kind "baro"`)
}

func TestFrameTag(t *testing.T) {
	require.Equal(t, TagAccelFrame, FrameTag(Accel))
	require.Equal(t, TagGyroFrame, FrameTag(Gyro))
	require.Equal(t, TagMagFrame, FrameTag(Mag))
	require.True(t, TagMagFrame.IsSensorFrame())
	require.False(t, TagSetThrottle.IsSensorFrame())
}

func TestFaultFlagBits(t *testing.T) {
	cases := []struct {
		flag FaultFlags
		bit  uint
	}{
		{FlagFaulted, 0},
		{FlagAccelBus, 1},
		{FlagGyroBus, 2},
		{FlagMagBus, 3},
		{FlagDecode, 4},
		{FlagOutOfRange, 5},
		{FlagActuatorTimeout, 6},
		{FlagKilled, 7},
		{FlagInit, 8},
		{FlagQueueOverflow, 9},
		{FlagUnknownChannel, 10},
	}
	for _, tc := range cases {
		require.Equal(t, FaultFlags(1)<<tc.bit, tc.flag)
	}
	require.Equal(t, FlagMagBus, BusFlag(Mag))
}

func TestCountersFlags(t *testing.T) {
	require.Zero(t, FaultCounters{}.Flags())

	c := FaultCounters{Decode: 3, Dropped: 1}
	c.Bus[Gyro] = 2
	f := c.Flags()
	require.True(t, f.Has(FlagGyroBus|FlagDecode|FlagQueueOverflow))
	require.False(t, f.Has(FlagAccelBus))
	require.False(t, f.Has(FlagFaulted))
}

func TestMessageEquality(t *testing.T) {
	require.Equal(t, SetThrottle(1, 72), SetThrottle(1, 72))
	require.NotEqual(t, SetThrottle(1, 72), SetThrottle(1, 73))
	require.Equal(t, "SetThrottle{channel=1 percent=72}", SetThrottle(1, 72).String())
	require.Equal(t, "Kill", Control(TagKill).String())
	require.Equal(t, "StatusReport{flags=0x00000081}", StatusMessage(FlagFaulted|FlagKilled).String())
	require.Equal(t, "Tag(0x7F)", Tag(0x7F).String())
}
