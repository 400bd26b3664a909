package es

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock returning the current UTC time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}
