package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved host parameters carrying cross-backend addressing and behaviour.
const (
	ParamVirt         = "katprep_virt"
	ParamVirtType     = "katprep_virt_type"
	ParamVirtName     = "katprep_virt_name"
	ParamVirtSnapshot = "katprep_virt_snapshot"
	ParamMon          = "katprep_mon"
	ParamMonType      = "katprep_mon_type"
	ParamMonName      = "katprep_mon_name"
	ParamOwner        = "katprep_owner"

	// ParamEnvironment and ParamHostGroup are populated from the inventory
	// backend and used by the host filter.
	ParamEnvironment = "environment_name"
	ParamHostGroup   = "hostgroup_name"
)

// snapshotPlaceholder is the unset default left behind by parameter scaffolding.
const snapshotPlaceholder = "fixmepls"

// Host is a managed system as recorded in a snapshot report.
//
// The hostname is the stable identity and cannot change after construction.
// Params and verifications are only modified through SetParam and
// SetVerification.
//
// Example JSON representation:
//
//	{
//	  "hostname": "web01.example.com",
//	  "organization": "Acme",
//	  "location": "Berlin",
//	  "params": {
//	    "katprep_virt": "vc1",
//	    "katprep_virt_snapshot": "1",
//	    "katprep_mon": "mon1"
//	  },
//	  "patches": [],
//	  "verifications": {"mon_status": "Ok"}
//	}
type Host struct {
	hostname      string
	params        map[string]string
	organization  string
	location      string
	verifications map[string]VerificationValue
	patches       []Erratum
}

// NewHost creates a host. An empty location defaults to the organization.
func NewHost(hostname string, params map[string]string, organization, location string, patches []Erratum) (*Host, error) {
	if hostname == "" {
		return nil, errors.New("hostname is required")
	}
	if organization == "" {
		return nil, fmt.Errorf("host %s: organization is required", hostname)
	}
	if location == "" {
		location = organization
	}

	h := &Host{
		hostname:      hostname,
		params:        make(map[string]string, len(params)),
		organization:  organization,
		location:      location,
		verifications: make(map[string]VerificationValue),
		patches:       append([]Erratum(nil), patches...),
	}
	for k, v := range params {
		h.params[k] = v
	}
	return h, nil
}

// Hostname returns the host's FQDN.
func (h *Host) Hostname() string { return h.hostname }

// Organization returns the owning organization.
func (h *Host) Organization() string { return h.organization }

// Location returns the host location.
func (h *Host) Location() string { return h.location }

// Param returns a single parameter value.
func (h *Host) Param(key string) string { return h.params[key] }

// Params returns a copy of the parameter map.
func (h *Host) Params() map[string]string {
	out := make(map[string]string, len(h.params))
	for k, v := range h.params {
		out[k] = v
	}
	return out
}

// SetParam sets a parameter value.
func (h *Host) SetParam(key, value string) {
	h.params[key] = value
}

// Patches returns a copy of the associated errata, in report order.
func (h *Host) Patches() []Erratum {
	return append([]Erratum(nil), h.patches...)
}

// Verifications returns a copy of the verification results.
func (h *Host) Verifications() map[string]VerificationValue {
	out := make(map[string]VerificationValue, len(h.verifications))
	for k, v := range h.verifications {
		out[k] = v
	}
	return out
}

// Verification returns one verification result.
func (h *Host) Verification(key string) (VerificationValue, bool) {
	v, ok := h.verifications[key]
	return v, ok
}

// SetVerification records a verification result.
func (h *Host) SetVerification(key string, value VerificationValue) {
	h.verifications[key] = value
}

// VirtualisationID is the VM object name at the virtualization backend.
func (h *Host) VirtualisationID() string {
	if name := h.params[ParamVirtName]; name != "" {
		return name
	}
	return h.hostname
}

// MonitoringID is the object name at the monitoring backend.
func (h *Host) MonitoringID() string {
	if name := h.params[ParamMonName]; name != "" {
		return name
	}
	return h.hostname
}

// TargetKind implements MonitoringTarget.
func (h *Host) TargetKind() TargetKind { return TargetHost }

// SnapshotRequired reports whether katprep_virt_snapshot holds a real value.
func (h *Host) SnapshotRequired() bool {
	v, ok := h.params[ParamVirtSnapshot]
	return ok && v != "" && v != snapshotPlaceholder
}

// RebootSuggested reports whether any associated erratum suggests a reboot.
func (h *Host) RebootSuggested() bool {
	for _, p := range h.patches {
		if p.RebootSuggested {
			return true
		}
	}
	return false
}

// Equal compares hostname, params, organization, location, verifications and patches.
func (h *Host) Equal(other *Host) bool {
	if h == nil || other == nil {
		return h == other
	}
	if h.hostname != other.hostname ||
		h.organization != other.organization ||
		h.location != other.location {
		return false
	}
	if len(h.params) != len(other.params) {
		return false
	}
	for k, v := range h.params {
		if ov, ok := other.params[k]; !ok || ov != v {
			return false
		}
	}
	if len(h.verifications) != len(other.verifications) {
		return false
	}
	for k, v := range h.verifications {
		if ov, ok := other.verifications[k]; !ok || ov != v {
			return false
		}
	}
	if len(h.patches) != len(other.patches) {
		return false
	}
	for i := range h.patches {
		if !h.patches[i].Equal(other.patches[i]) {
			return false
		}
	}
	return true
}

func (h *Host) String() string {
	return h.hostname
}

// hostDocument is the serialized host form written to reports.
type hostDocument struct {
	Hostname      string                       `json:"hostname"`
	Organization  string                       `json:"organization"`
	Location      string                       `json:"location"`
	Params        map[string]string            `json:"params"`
	Patches       []Erratum                    `json:"patches"`
	Verifications map[string]VerificationValue `json:"verifications"`
}

// MarshalJSON emits the report dict form of the host.
func (h *Host) MarshalJSON() ([]byte, error) {
	doc := hostDocument{
		Hostname:      h.hostname,
		Organization:  h.organization,
		Location:      h.location,
		Params:        h.params,
		Patches:       h.patches,
		Verifications: h.verifications,
	}
	if doc.Patches == nil {
		doc.Patches = []Erratum{}
	}
	if doc.Params == nil {
		doc.Params = map[string]string{}
	}
	if doc.Verifications == nil {
		doc.Verifications = map[string]VerificationValue{}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON accepts the native form as well as raw inventory dumps that
// keep hostname, organization and location inside params.
func (h *Host) UnmarshalJSON(data []byte) error {
	raw, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}
	parsed, err := ParseHost(raw)
	if err != nil {
		return err
	}
	*h = *parsed
	return nil
}

// ParseHost builds a host from a decoded report entry.
func ParseHost(raw map[string]interface{}) (*Host, error) {
	params, err := parseParams(raw["params"])
	if err != nil {
		return nil, err
	}

	hostname, err := firstString(raw, params, "hostname", "name")
	if err != nil {
		return nil, err
	}
	organization, err := firstString(raw, params, "organization", "organization_name")
	if err != nil {
		return nil, err
	}
	location, err := firstString(raw, params, "location", "location_name")
	if err != nil {
		return nil, err
	}

	var patchesRaw interface{}
	if v, ok := raw["patches"]; ok {
		patchesRaw = v
	} else {
		patchesRaw = raw["errata"]
	}
	patches, err := parsePatches(patchesRaw)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", hostname, err)
	}

	host, err := NewHost(hostname, params, organization, location, patches)
	if err != nil {
		return nil, err
	}

	var verRaw interface{}
	if v, ok := raw["verifications"]; ok {
		verRaw = v
	} else {
		verRaw = raw["verification"]
	}
	if err := parseVerifications(host, verRaw); err != nil {
		return nil, fmt.Errorf("host %s: %w", hostname, err)
	}
	return host, nil
}

// firstString returns the top-level key or falls back to params[paramKey].
func firstString(raw map[string]interface{}, params map[string]string, key, paramKey string) (string, error) {
	if v, ok := raw[key]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q: expected string, got %T", key, v)
		}
		if s != "" {
			return s, nil
		}
	}
	return params[paramKey], nil
}

func parseParams(v interface{}) (map[string]string, error) {
	params := make(map[string]string)
	if v == nil {
		return params, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("params: expected object, got %T", v)
	}
	for k, val := range m {
		switch t := val.(type) {
		case nil:
			params[k] = ""
		case string:
			params[k] = t
		case json.Number:
			params[k] = t.String()
		case bool:
			params[k] = fmt.Sprintf("%t", t)
		default:
			encoded, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("params[%s]: %w", k, err)
			}
			params[k] = string(encoded)
		}
	}
	return params, nil
}

func parsePatches(v interface{}) ([]Erratum, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("patches: expected array, got %T", v)
	}
	patches := make([]Erratum, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("patches[%d]: expected object, got %T", i, item)
		}
		e, err := ParseErratum(m)
		if err != nil {
			return nil, fmt.Errorf("patches[%d]: %w", i, err)
		}
		patches = append(patches, e)
	}
	return patches, nil
}

func parseVerifications(h *Host, v interface{}) error {
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("verifications: expected object, got %T", v)
	}
	for k, val := range m {
		switch t := val.(type) {
		case bool:
			h.SetVerification(k, BoolResult(t))
		case string:
			h.SetVerification(k, TextResult(t))
		default:
			return fmt.Errorf("verifications[%s]: expected boolean or string, got %T", k, val)
		}
	}
	return nil
}
