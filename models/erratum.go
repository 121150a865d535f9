package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Erratum is a single security, bugfix or enhancement update tracked by the
// inventory backend.
//
// Errata reach katprep in three different shapes depending on where the
// report was populated from. Whatever the source, an Erratum always
// serializes back into the native shape:
//
//	{
//	  "id": 5,
//	  "name": "FEDORA-2020-abc",
//	  "summary": "Important: kernel security update",
//	  "issued_at": "2020-03-01",
//	  "updated_at": "2020-03-04",
//	  "reboot_suggested": true
//	}
type Erratum struct {
	// ID is the backend's identifier for the erratum
	ID int64

	// Name is the advisory identifier (e.g. RHSA-2020:1234)
	Name string

	// Summary is a one-line description of the advisory
	Summary string

	// IssuedAt is the date the advisory was published
	IssuedAt time.Time

	// UpdatedAt is the date of the last advisory revision (defaults to IssuedAt)
	UpdatedAt time.Time

	// RebootSuggested is set when installing the erratum should be followed by a reboot
	RebootSuggested bool
}

// ErratumShape identifies which wire format an erratum record uses.
type ErratumShape int

const (
	// ShapeUnknown matches none of the accepted record formats
	ShapeUnknown ErratumShape = iota

	// ShapeForeman is a Foreman/Katello errata record (errata_id, issued, updated)
	ShapeForeman

	// ShapeUyuni is a Uyuni/Spacewalk advisory record (advisory_name, date)
	ShapeUyuni

	// ShapeNative is katprep's own serialized form (name, issued_at, updated_at)
	ShapeNative
)

func (s ErratumShape) String() string {
	switch s {
	case ShapeForeman:
		return "foreman"
	case ShapeUyuni:
		return "uyuni"
	case ShapeNative:
		return "native"
	default:
		return "unknown"
	}
}

// ErrUnknownErratumShape is returned for records that match no accepted shape.
var ErrUnknownErratumShape = errors.New("unknown erratum record shape")

const (
	dateLayout = "2006-01-02"
)

// ClassifyErratum inspects the discriminating keys of a raw erratum record.
func ClassifyErratum(raw map[string]interface{}) ErratumShape {
	if _, ok := raw["errata_id"]; ok {
		return ShapeForeman
	}
	if _, ok := raw["advisory_name"]; ok {
		return ShapeUyuni
	}
	_, hasName := raw["name"]
	_, hasIssued := raw["issued_at"]
	if hasName && hasIssued {
		return ShapeNative
	}
	return ShapeUnknown
}

// ParseErratum builds an Erratum from a raw record of any accepted shape.
func ParseErratum(raw map[string]interface{}) (Erratum, error) {
	switch ClassifyErratum(raw) {
	case ShapeForeman:
		return parseForemanErratum(raw)
	case ShapeUyuni:
		return parseUyuniErratum(raw)
	case ShapeNative:
		return parseNativeErratum(raw)
	default:
		return Erratum{}, fmt.Errorf("%w: keys %s", ErrUnknownErratumShape, strings.Join(sortedKeys(raw), ", "))
	}
}

func parseForemanErratum(raw map[string]interface{}) (Erratum, error) {
	var e Erratum
	var err error

	if e.ID, err = int64Field(raw, "id"); err != nil {
		return e, err
	}
	if e.Name, err = stringField(raw, "errata_id", true); err != nil {
		return e, err
	}
	if e.Summary, err = stringField(raw, "summary", false); err != nil {
		return e, err
	}
	issued, err := stringField(raw, "issued", true)
	if err != nil {
		return e, err
	}
	if e.IssuedAt, err = time.Parse(dateLayout, issued); err != nil {
		return e, fmt.Errorf("invalid issued date %q: %w", issued, err)
	}
	e.UpdatedAt = e.IssuedAt
	if updated, _ := stringField(raw, "updated", false); updated != "" {
		if e.UpdatedAt, err = time.Parse(dateLayout, updated); err != nil {
			return e, fmt.Errorf("invalid updated date %q: %w", updated, err)
		}
	}
	if e.RebootSuggested, err = boolField(raw, "reboot_suggested"); err != nil {
		return e, err
	}
	return e, nil
}

func parseUyuniErratum(raw map[string]interface{}) (Erratum, error) {
	var e Erratum
	var err error

	if e.ID, err = int64Field(raw, "id"); err != nil {
		return e, err
	}
	if e.Name, err = stringField(raw, "advisory_name", true); err != nil {
		return e, err
	}
	if e.Summary, err = stringField(raw, "advisory_synopsis", false); err != nil {
		return e, err
	}
	date, err := stringField(raw, "date", true)
	if err != nil {
		return e, err
	}
	if e.IssuedAt, err = parseUyuniDate(date); err != nil {
		return e, err
	}
	e.UpdatedAt = e.IssuedAt
	if updated, _ := stringField(raw, "update_date", false); updated != "" {
		if e.UpdatedAt, err = parseUyuniDate(updated); err != nil {
			return e, err
		}
	}
	if e.RebootSuggested, err = boolField(raw, "reboot_suggested"); err != nil {
		return e, err
	}
	return e, nil
}

func parseNativeErratum(raw map[string]interface{}) (Erratum, error) {
	var e Erratum
	var err error

	if e.ID, err = int64Field(raw, "id"); err != nil {
		return e, err
	}
	if e.Name, err = stringField(raw, "name", true); err != nil {
		return e, err
	}
	if e.Summary, err = stringField(raw, "summary", false); err != nil {
		return e, err
	}
	issued, err := stringField(raw, "issued_at", true)
	if err != nil {
		return e, err
	}
	if e.IssuedAt, err = parseISODate(issued); err != nil {
		return e, err
	}
	e.UpdatedAt = e.IssuedAt
	if updated, _ := stringField(raw, "updated_at", false); updated != "" {
		if e.UpdatedAt, err = parseISODate(updated); err != nil {
			return e, err
		}
	}
	if e.RebootSuggested, err = boolField(raw, "reboot_suggested"); err != nil {
		return e, err
	}
	return e, nil
}

// parseUyuniDate accepts MM/DD/YY and MM/DD/YYYY. Two-digit years are 20xx.
func parseUyuniDate(value string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("invalid advisory date %q", value)
	}
	if len(parts[2]) == 2 {
		parts[2] = "20" + parts[2]
	}
	t, err := time.Parse("01/02/2006", strings.Join(parts, "/"))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid advisory date %q: %w", value, err)
	}
	return t, nil
}

func parseISODate(value string) (time.Time, error) {
	for _, layout := range []string{dateLayout, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 date %q", value)
}

func formatISODate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	h, m, s := t.Clock()
	if h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0 && t.Location() == time.UTC {
		return t.Format(dateLayout)
	}
	return t.Format(time.RFC3339Nano)
}

type nativeErratum struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Summary         string `json:"summary"`
	IssuedAt        string `json:"issued_at"`
	UpdatedAt       string `json:"updated_at"`
	RebootSuggested bool   `json:"reboot_suggested"`
}

// MarshalJSON always emits the native shape.
func (e Erratum) MarshalJSON() ([]byte, error) {
	return json.Marshal(nativeErratum{
		ID:              e.ID,
		Name:            e.Name,
		Summary:         e.Summary,
		IssuedAt:        formatISODate(e.IssuedAt),
		UpdatedAt:       formatISODate(e.UpdatedAt),
		RebootSuggested: e.RebootSuggested,
	})
}

// UnmarshalJSON accepts any of the three record shapes.
func (e *Erratum) UnmarshalJSON(data []byte) error {
	raw, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("erratum: %w", err)
	}
	parsed, err := ParseErratum(raw)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ToMap returns the native representation as a generic map.
func (e Erratum) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":               e.ID,
		"name":             e.Name,
		"summary":          e.Summary,
		"issued_at":        formatISODate(e.IssuedAt),
		"updated_at":       formatISODate(e.UpdatedAt),
		"reboot_suggested": e.RebootSuggested,
	}
}

// Equal reports whether both errata carry identical data.
func (e Erratum) Equal(other Erratum) bool {
	return e.ID == other.ID &&
		e.Name == other.Name &&
		e.Summary == other.Summary &&
		e.IssuedAt.Equal(other.IssuedAt) &&
		e.UpdatedAt.Equal(other.UpdatedAt) &&
		e.RebootSuggested == other.RebootSuggested
}

// decodeObject decodes a JSON object keeping numbers as json.Number.
func decodeObject(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("expected JSON object, got null")
	}
	return raw, nil
}

func stringField(raw map[string]interface{}, key string, required bool) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing field %q", key)
		}
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	default:
		return "", fmt.Errorf("field %q: expected string, got %T", key, v)
	}
}

func int64Field(raw map[string]interface{}, key string) (int64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case string:
		if n == "" {
			return 0, nil
		}
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("field %q: expected number, got %T", key, v)
	}
}

func boolField(raw map[string]interface{}, key string) (bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("field %q: expected boolean, got %T", key, v)
	}
}
