package sim

import (
	"math"
	"time"

	"flightcore/internal/msg"
)

// Motion is a deterministic rocking airframe: roll oscillates with
// RollAmplitudeDeg over Period and pitch follows at twice the frequency with
// half the amplitude (a figure-eight in roll/pitch space). Heading is fixed.
type Motion struct {
	RollAmplitudeDeg float64
	Period           time.Duration
	// Field is the Earth magnetic field in the local north-east-down frame.
	Field msg.Vector
}

func DefaultMotion() *Motion {
	return &Motion{
		RollAmplitudeDeg: 20,
		Period:           4 * time.Second,
		Field:            msg.Vector{20, 0, 45},
	}
}

// At returns accel (g), gyro (deg/s) and mag (field units) in the body frame.
func (m *Motion) At(elapsed time.Duration) (accel, gyro, mag msg.Vector) {
	period := m.Period
	if period <= 0 {
		period = 4 * time.Second
	}
	ampRad := m.RollAmplitudeDeg * math.Pi / 180
	w := 2 * math.Pi / period.Seconds()
	t := elapsed.Seconds()

	roll := ampRad * math.Sin(w*t)
	pitch := 0.5 * ampRad * math.Sin(2*w*t)
	rollRate := ampRad * w * math.Cos(w*t)
	pitchRate := ampRad * w * math.Cos(2*w*t)

	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)

	accel = msg.Vector{float32(-sp), float32(sr * cp), float32(cr * cp)}
	gyro = msg.Vector{float32(rollRate * 180 / math.Pi), float32(pitchRate * 180 / math.Pi), 0}

	fx, fy, fz := float64(m.Field[0]), float64(m.Field[1]), float64(m.Field[2])
	mag = msg.Vector{
		float32(fx*cp - fz*sp),
		float32(fx*sr*sp + fy*cr + fz*sr*cp),
		float32(fx*cr*sp - fy*sr + fz*cr*cp),
	}
	return accel, gyro, mag
}
