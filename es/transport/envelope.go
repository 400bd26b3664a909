// Package transport defines the wire form of linked events shared by the
// dispatchers in its subpackages.
//
// The body of a message is the JSON encoding of es.LinkedEvent. Transports
// that support message headers or fields also carry the identifying values
// listed below so consumers can route without decoding the body.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
)

const (
	HeaderEventID             = "puplink-event-id"
	HeaderEventName           = "puplink-event-name"
	HeaderStreamID            = "puplink-stream-id"
	HeaderEventNumber         = "puplink-event-number"
	HeaderPreviousEventNumber = "puplink-previous-event-number"
)

// ErrInvalidEnvelope indicates a message that does not carry a linked event.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Header is one key/value pair carried next to the body.
type Header struct {
	Key   string
	Value string
}

// Encode returns the body for event.
func Encode(event *es.LinkedEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	return body, nil
}

// Decode parses a body produced by Encode.
func Decode(body []byte) (es.LinkedEvent, error) {
	var event es.LinkedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return es.LinkedEvent{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if event.ID == uuid.Nil || event.StreamID == uuid.Nil {
		return es.LinkedEvent{}, fmt.Errorf("%w: missing event or stream id", ErrInvalidEnvelope)
	}
	if event.EventNumber <= es.FirstPreviousEventNumber {
		return es.LinkedEvent{}, fmt.Errorf("%w: event %s is not sequenced", ErrInvalidEnvelope, event.ID)
	}
	return event, nil
}

// Headers returns the routing values of event.
func Headers(event *es.LinkedEvent) []Header {
	return []Header{
		{Key: HeaderEventID, Value: event.ID.String()},
		{Key: HeaderEventName, Value: event.Name},
		{Key: HeaderStreamID, Value: event.StreamID.String()},
		{Key: HeaderEventNumber, Value: strconv.FormatInt(event.EventNumber, 10)},
		{Key: HeaderPreviousEventNumber, Value: strconv.FormatInt(event.PreviousEventNumber, 10)},
	}
}
