package es

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrorDetails is the diagnosis stored with a stream error.
type ErrorDetails struct {
	ErrorType    string    `json:"errorType"`
	Message      string    `json:"message"`
	CauseType    string    `json:"causeType,omitempty"`
	CauseMessage string    `json:"causeMessage,omitempty"`
	Chain        []string  `json:"chain,omitempty"`
	Component    string    `json:"component"`
	Source       string    `json:"source"`
	EventName    string    `json:"eventName"`
	EventNumber  int64     `json:"eventNumber"`
	EventID      uuid.UUID `json:"eventId"`
}

// NewErrorDetails describes err raised by sub while handling event.
// The root cause is the innermost error reachable through errors.Unwrap.
func NewErrorDetails(err error, sub *Subscription, event *LinkedEvent) ErrorDetails {
	d := ErrorDetails{
		ErrorType:   fmt.Sprintf("%T", err),
		Message:     err.Error(),
		Component:   sub.Component,
		Source:      sub.Source,
		EventName:   event.Name,
		EventNumber: event.EventNumber,
		EventID:     event.ID,
	}

	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %s", next, next.Error()))
		root = next
	}
	if root != err {
		d.CauseType = fmt.Sprintf("%T", root)
		d.CauseMessage = root.Error()
	}
	return d
}

// Hash classifies the failure. Errors of the same type and root cause,
// raised by the same component for the same event name, share a hash.
func (d *ErrorDetails) Hash() string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{d.ErrorType, d.CauseType, d.Component, d.EventName}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}
