package es

import "fmt"

// ExpectedPosition represents the expected latest stream position for optimistic concurrency control.
// It is used in the Append operation to declare expectations about the current state of a stream.
type ExpectedPosition struct {
	value int64
}

const (
	// expectedPositionAny indicates no position check should be performed
	expectedPositionAny = -2
	// expectedPositionNoStream indicates the stream must not exist
	expectedPositionNoStream = -3
)

// Any returns an ExpectedPosition that skips position validation.
// Use this when you don't need optimistic concurrency control.
func Any() ExpectedPosition {
	return ExpectedPosition{value: expectedPositionAny}
}

// NoStream returns an ExpectedPosition that enforces the stream must not exist.
// Use this when starting a new stream to ensure no other writer started it first.
func NoStream() ExpectedPosition {
	return ExpectedPosition{value: expectedPositionNoStream}
}

// Exact returns an ExpectedPosition that enforces the stream's latest position is exactly position.
// Use this for normal command handling with optimistic concurrency control.
// The position must be non-negative (>= 0).
func Exact(position int64) ExpectedPosition {
	if position < 0 {
		panic(fmt.Sprintf("exact position must be non-negative, got %d", position))
	}
	return ExpectedPosition{value: position}
}

// IsAny returns true if this is an "Any" expected position (no position check).
func (ep ExpectedPosition) IsAny() bool {
	return ep.value == expectedPositionAny
}

// IsNoStream returns true if this is a "NoStream" expected position (stream must not exist).
func (ep ExpectedPosition) IsNoStream() bool {
	return ep.value == expectedPositionNoStream
}

// IsExact returns true if this is an "Exact" expected position.
func (ep ExpectedPosition) IsExact() bool {
	return ep.value >= 0
}

// Value returns the exact position if this is an Exact expected position.
// Returns 0 for Any and NoStream.
func (ep ExpectedPosition) Value() int64 {
	if ep.value >= 0 {
		return ep.value
	}
	return 0
}

// Check validates current against the expectation. current is the latest
// position of the stream, or InitialPosition if the stream has no events.
func (ep ExpectedPosition) Check(current int64) bool {
	switch {
	case ep.IsAny():
		return true
	case ep.IsNoStream():
		return current == InitialPosition
	default:
		return current == ep.value
	}
}

// String returns a string representation of the ExpectedPosition.
func (ep ExpectedPosition) String() string {
	if ep.IsAny() {
		return "Any"
	}
	if ep.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", ep.value)
}
