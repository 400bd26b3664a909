package es

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// MetadataEventNumberKey is the metadata field holding the event number.
	MetadataEventNumberKey = "eventNumber"

	// MetadataPreviousEventNumberKey is the metadata field holding the back-pointer.
	MetadataPreviousEventNumberKey = "previousEventNumber"
)

// WithEventNumbers returns metadata with the event number and previous event
// number embedded. Empty or null metadata is treated as an empty object; any
// other non-object value is rejected with ErrSequencingInvariant.
func WithEventNumbers(metadata []byte, eventNumber, previousEventNumber int64) ([]byte, error) {
	fields := map[string]json.RawMessage{}

	trimmed := bytes.TrimSpace(metadata)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: metadata is not a JSON object: %v", ErrSequencingInvariant, err)
		}
	}

	fields[MetadataEventNumberKey] = json.RawMessage(fmt.Sprintf("%d", eventNumber))
	fields[MetadataPreviousEventNumberKey] = json.RawMessage(fmt.Sprintf("%d", previousEventNumber))

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return out, nil
}

// EventNumbersFromMetadata reads back the numbers embedded by WithEventNumbers.
// ok is false when the metadata carries no event number.
func EventNumbersFromMetadata(metadata []byte) (eventNumber, previousEventNumber int64, ok bool, err error) {
	var fields struct {
		EventNumber         *int64 `json:"eventNumber"`
		PreviousEventNumber *int64 `json:"previousEventNumber"`
	}
	if len(bytes.TrimSpace(metadata)) == 0 {
		return 0, 0, false, nil
	}
	if err := json.Unmarshal(metadata, &fields); err != nil {
		return 0, 0, false, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if fields.EventNumber == nil {
		return 0, 0, false, nil
	}
	if fields.PreviousEventNumber != nil {
		previousEventNumber = *fields.PreviousEventNumber
	}
	return *fields.EventNumber, previousEventNumber, true, nil
}
