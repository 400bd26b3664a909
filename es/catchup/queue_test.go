package catchup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/getpup/puplink/es"
)

func TestWorkQueue_TracksInFlight(t *testing.T) {
	q := NewWorkQueue()
	q.Push(es.LinkedEvent{EventNumber: 1}, es.LinkedEvent{EventNumber: 2})
	result := &Result{Queue: q}

	first, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, int64(1), first.EventNumber)
	second, _ := q.Pop()
	assert.Equal(t, int64(2), second.EventNumber)

	_, ok = q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 2, q.InFlight())
	assert.False(t, result.Complete(), "an empty queue with events in flight is not complete")

	q.Done()
	q.Done()
	assert.True(t, result.Complete())

	q.Push(es.LinkedEvent{EventNumber: 3})
	assert.Equal(t, 1, q.Len())
	assert.False(t, result.Complete())
}

func TestWatermark(t *testing.T) {
	w := NewWatermark(10)
	assert.Equal(t, int64(10), w.Value())

	for n := int64(11); n <= 14; n++ {
		w.Track(n)
	}
	assert.Equal(t, int64(10), w.Value())

	w.Done(12)
	w.Done(13)
	assert.Equal(t, int64(10), w.Value(), "11 is still pending")

	w.Done(11)
	assert.Equal(t, int64(13), w.Value())

	w.Done(14)
	assert.Equal(t, int64(14), w.Value())
}

func TestStateAndStrategyNames(t *testing.T) {
	assert.Equal(t, "FAILED_EVENT_HANDLED", FailedEventHandled.String())
	assert.Equal(t, "State(42)", State(42).String())

	for _, s := range []Strategy{IsolateFailures, HaltOnFailure} {
		parsed, err := ParseStrategy(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStrategy("retry")
	assert.Error(t, err)
}
