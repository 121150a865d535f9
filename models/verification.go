package models

import (
	"encoding/json"
	"fmt"
)

// Verification keys written by the verify phase.
const (
	VerifyVirtSnapshot    = "virt_snapshot"
	VerifyVirtCleanup     = "virt_cleanup"
	VerifyMonDowntime     = "mon_downtime"
	VerifyMonCleanup      = "mon_cleanup"
	VerifyMonStatus       = "mon_status"
	VerifyMonStatusDetail = "mon_status_detail"
)

// VerificationValue is a verification result: either a boolean or a string.
// It is comparable, so hosts can compare verification maps directly.
type VerificationValue struct {
	text   string
	flag   bool
	isText bool
}

// BoolResult wraps a boolean verification result.
func BoolResult(b bool) VerificationValue {
	return VerificationValue{flag: b}
}

// TextResult wraps a string verification result.
func TextResult(s string) VerificationValue {
	return VerificationValue{text: s, isText: true}
}

// Bool returns the boolean value; false for string results.
func (v VerificationValue) Bool() bool { return !v.isText && v.flag }

// Text returns the string value; empty for boolean results.
func (v VerificationValue) Text() string { return v.text }

func (v VerificationValue) String() string {
	if v.isText {
		return v.text
	}
	return fmt.Sprintf("%t", v.flag)
}

// MarshalJSON emits a JSON boolean or string.
func (v VerificationValue) MarshalJSON() ([]byte, error) {
	if v.isText {
		return json.Marshal(v.text)
	}
	return json.Marshal(v.flag)
}

// UnmarshalJSON accepts a JSON boolean or string.
func (v *VerificationValue) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolResult(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("verification value must be boolean or string, got %s", string(data))
	}
	*v = TextResult(s)
	return nil
}
