package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	v := New()
	assert.NotNil(t, v)
	assert.NotNil(t, v.structValidator)
}

func TestValidateReport_Valid(t *testing.T) {
	v := New()

	report := []byte(`{
		"web01.example.com": {
			"hostname": "web01.example.com",
			"organization": "Acme",
			"params": {"katprep_virt": "vc1", "katprep_virt_snapshot": "1"},
			"patches": [
				{"id": 5, "name": "FEDORA-2020-abc", "summary": "fix", "issued_at": "2020-01-02", "reboot_suggested": true}
			],
			"verifications": {"mon_status": "Ok"}
		},
		"42": {
			"params": {"name": "db01.example.com", "organization_name": "Acme", "location_name": "Berlin"},
			"errata": [
				{"id": 1, "errata_id": "RHSA-2024:0001", "summary": "s", "issued": "2024-01-02", "updated": "2024-01-03"}
			]
		}
	}`)

	result, err := v.ValidateReport(report)
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Error())
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, result.Hosts)
}

func TestValidateReport_RootErrors(t *testing.T) {
	v := New()

	tests := []struct {
		name     string
		json     string
		contains string
	}{
		{name: "invalid json", json: `{"a":`, contains: "Invalid JSON"},
		{name: "array root", json: `[{"hostname": "a"}]`, contains: "got array"},
		{name: "string root", json: `"report"`, contains: "got string"},
		{name: "empty object", json: `{}`, contains: "no hosts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.ValidateReport([]byte(tt.json))
			require.NoError(t, err)
			assert.False(t, result.Valid)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, "document", result.Errors[0].Field)
			assert.Contains(t, result.Errors[0].Message, tt.contains)
		})
	}
}

func TestValidateReport_HostErrors(t *testing.T) {
	v := New()

	tests := []struct {
		name          string
		json          string
		expectedField string
	}{
		{
			name:          "missing hostname",
			json:          `{"a": {"organization": "Acme"}}`,
			expectedField: "a.hostname",
		},
		{
			name:          "missing organization",
			json:          `{"a": {"hostname": "a"}}`,
			expectedField: "a.organization",
		},
		{
			name:          "host not an object",
			json:          `{"a": 1}`,
			expectedField: "a",
		},
		{
			name:          "params not an object",
			json:          `{"a": {"hostname": "a", "organization": "Acme", "params": []}}`,
			expectedField: "a.params",
		},
		{
			name:          "unknown erratum shape",
			json:          `{"a": {"hostname": "a", "organization": "Acme", "patches": [{"foo": "bar"}]}}`,
			expectedField: "a.patches[0]",
		},
		{
			name:          "bad erratum date",
			json:          `{"a": {"hostname": "a", "organization": "Acme", "patches": [{"id": 1, "errata_id": "X", "issued": "not-a-date"}]}}`,
			expectedField: "a.patches[0]",
		},
		{
			name:          "verifications not an object",
			json:          `{"a": {"hostname": "a", "organization": "Acme", "verifications": "ok"}}`,
			expectedField: "a.verifications",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.ValidateReport([]byte(tt.json))
			require.NoError(t, err)
			assert.False(t, result.Valid)

			found := false
			for _, e := range result.Errors {
				if e.Field == tt.expectedField {
					found = true
					break
				}
			}
			assert.True(t, found, "expected error on %s, got %+v", tt.expectedField, result.Errors)
		})
	}
}

func TestValidateReport_CollectsAllHosts(t *testing.T) {
	v := New()

	result, err := v.ValidateReport([]byte(`{
		"a": {"organization": "Acme"},
		"b": {"hostname": "b"},
		"c": {"hostname": "c", "organization": "Acme"}
	}`))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 3, result.Hosts)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "a.hostname", result.Errors[0].Field)
	assert.Equal(t, "b.organization", result.Errors[1].Field)
	assert.Contains(t, result.Error(), "a.hostname")
}
