package es

import "sync/atomic"

// Switch pauses and resumes a background activity without discarding any
// durable state. The zero value is enabled.
type Switch struct {
	disabled atomic.Bool
}

// Enable resumes the activity.
func (s *Switch) Enable() {
	s.disabled.Store(false)
}

// Disable pauses the activity. Work already in progress completes.
func (s *Switch) Disable() {
	s.disabled.Store(true)
}

// Enabled reports whether the activity may run. A nil Switch is always enabled.
func (s *Switch) Enabled() bool {
	return s == nil || !s.disabled.Load()
}
