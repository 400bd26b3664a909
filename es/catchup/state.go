package catchup

import (
	"fmt"
	"sync"
)

// State is the phase of a catch-up run.
//
//	Idle -> ComputeRange -> Drain -> Complete
//	Drain -> Idle                    when there is nothing to drain
//	Drain -> FailedEventHandled -> Drain   per isolated failure
type State int

const (
	Idle State = iota
	ComputeRange
	Drain
	Complete
	FailedEventHandled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case ComputeRange:
		return "COMPUTE_RANGE"
	case Drain:
		return "DRAIN"
	case Complete:
		return "COMPLETE"
	case FailedEventHandled:
		return "FAILED_EVENT_HANDLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Strategy decides what a handler failure does to a run.
type Strategy int

const (
	// IsolateFailures records the failure as a stream error, holds the
	// stream and carries on with the other events.
	IsolateFailures Strategy = iota

	// HaltOnFailure aborts the run with the *stream.ConsumerError.
	HaltOnFailure
)

func (s Strategy) String() string {
	switch s {
	case IsolateFailures:
		return "isolate"
	case HaltOnFailure:
		return "halt"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses the names returned by Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "isolate", "":
		return IsolateFailures, nil
	case "halt":
		return HaltOnFailure, nil
	default:
		return 0, fmt.Errorf("unknown failure strategy %q", s)
	}
}

// Result describes a finished run.
type Result struct {
	// Queue holds the events fetched by the run
	Queue *WorkQueue

	// From and Through bound the range (From, Through] computed for the run
	From    int64
	Through int64

	// Processed is the committed processed event number after the run
	Processed int64

	// State is the state the run ended in
	State State

	Delivered int
	Buffered  int
	Discarded int
	Failed    int

	// Released counts held events delivered from streams unblocked since
	// the previous run
	Released int

	mu sync.Mutex
}

// Complete reports whether every fetched event has been handled: the queue
// is empty and nothing is in flight.
func (r *Result) Complete() bool {
	return r.Queue.Len() == 0 && r.Queue.InFlight() == 0
}

func (r *Result) count(delivered, buffered, discarded, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Delivered += delivered
	r.Buffered += buffered
	r.Discarded += discarded
	r.Failed += failed
}
