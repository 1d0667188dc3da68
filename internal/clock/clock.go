// Package clock abstracts time so timer-driven code can be tested without
// sleeping. Production code uses Real(); tests use Fake().
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer cancels it.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop returns false if the timer already fired or was stopped.
	Stop() bool
}

type realClock struct{}

func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
