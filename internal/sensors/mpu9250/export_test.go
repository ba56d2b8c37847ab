package mpu9250

import "time"

// DisableSleep removes init delays for tests outside the package.
func DisableSleep() func() {
	old := sleep
	sleep = func(time.Duration) {}
	return func() { sleep = old }
}
