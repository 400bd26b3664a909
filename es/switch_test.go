package es

import "testing"

func TestSwitch(t *testing.T) {
	var s Switch
	if !s.Enabled() {
		t.Fatal("zero value should be enabled")
	}

	s.Disable()
	if s.Enabled() {
		t.Error("expected disabled after Disable()")
	}

	s.Enable()
	if !s.Enabled() {
		t.Error("expected enabled after Enable()")
	}

	var nilSwitch *Switch
	if !nilSwitch.Enabled() {
		t.Error("nil switch should be enabled")
	}
}
