// Package validation provides structural validation of katprep snapshot reports.
//
// It checks a report document before any backend is contacted, so that an
// operator gets every problem of a malformed report in one pass instead of the
// first parse error. It uses go-playground/validator for the per-host record
// constraints.
//
// # Validation Process
//
// 1. JSON parsing - Ensures valid JSON syntax
// 2. Root check - The root must be a non-empty object
// 3. Host records - Required fields and constraints per host
// 4. Errata - Every erratum must match one of the known record shapes
//
// # Usage Example
//
//	validator := validation.New()
//	result, err := validator.ValidateReport(data)
//	if err != nil {
//	    // Handle error
//	}
//	if !result.Valid {
//	    for _, err := range result.Errors {
//	        fmt.Printf("%s: %s\n", err.Field, err.Message)
//	    }
//	}
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/katprep/models"
)

// Validator validates report documents.
type Validator struct {
	// structValidator validates Go struct constraints and tags
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the path of the field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid"`

	// Hosts is the number of host entries found
	Hosts int `json:"hosts"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the validation errors into one message.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(msgs, "; ")
}

// hostRecord is the shape of a host entry after alias resolution.
type hostRecord struct {
	Hostname     string `validate:"required,max=255"`
	Organization string `validate:"required"`
	Location     string `validate:"max=255"`
	Patches      []map[string]interface{} `validate:"dive,required"`
}

// New creates a new Validator instance.
func New() *Validator {
	return &Validator{structValidator: validator.New()}
}

// ValidateReport validates a report document.
func (v *Validator) ValidateReport(data []byte) (*ValidationResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return invalid("document", fmt.Sprintf("Invalid JSON: %v", err), nil), nil
	}

	root, ok := doc.(map[string]interface{})
	if !ok {
		return invalid("document", fmt.Sprintf("Report root must be an object mapping host keys to hosts, got %s", jsonType(doc)), nil), nil
	}
	if len(root) == 0 {
		return invalid("document", "Report contains no hosts", nil), nil
	}

	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []ValidationError
	for _, key := range keys {
		errs = append(errs, v.validateHost(key, root[key])...)
	}

	return &ValidationResult{
		Valid:  len(errs) == 0,
		Hosts:  len(root),
		Errors: errs,
	}, nil
}

func (v *Validator) validateHost(key string, value interface{}) []ValidationError {
	raw, ok := value.(map[string]interface{})
	if !ok {
		return []ValidationError{{
			Field:   key,
			Message: fmt.Sprintf("Host entry must be an object, got %s", jsonType(value)),
		}}
	}

	params, _ := raw["params"].(map[string]interface{})
	record := hostRecord{
		Hostname:     pick(raw, params, "hostname", "name"),
		Organization: pick(raw, params, "organization", "organization_name"),
		Location:     pick(raw, params, "location", "location_name"),
	}

	var errs []ValidationError
	if p, exists := raw["params"]; exists && p != nil && params == nil {
		errs = append(errs, ValidationError{Field: key + ".params", Message: "Params must be an object"})
	}

	patches := raw["patches"]
	if patches == nil {
		patches = raw["errata"]
	}
	if patches != nil {
		list, ok := patches.([]interface{})
		if !ok {
			errs = append(errs, ValidationError{Field: key + ".patches", Message: "Patches must be an array"})
		}
		for i, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.patches[%d]", key, i),
					Message: "Erratum must be an object",
				})
				continue
			}
			record.Patches = append(record.Patches, m)
			if models.ClassifyErratum(m) == models.ShapeUnknown {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.patches[%d]", key, i),
					Message: "Erratum matches no known record shape (errata_id, advisory_name or name/issued_at)",
				})
			} else if _, err := models.ParseErratum(m); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.patches[%d]", key, i),
					Message: err.Error(),
				})
			}
		}
	}

	if err := v.structValidator.Struct(record); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Field:   key + "." + fieldName(fe.Field()),
					Message: describe(fe),
					Value:   fe.Value(),
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: key, Message: err.Error()})
		}
	}

	if vr, exists := raw["verifications"]; exists && vr != nil {
		if _, ok := vr.(map[string]interface{}); !ok {
			errs = append(errs, ValidationError{Field: key + ".verifications", Message: "Verifications must be an object"})
		}
	}
	return errs
}

func invalid(field, message string, value interface{}) *ValidationResult {
	return &ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Field: field, Message: message, Value: value}},
	}
}

func pick(raw, params map[string]interface{}, key, paramKey string) string {
	if s, ok := raw[key].(string); ok && s != "" {
		return s
	}
	return paramString(params, paramKey)
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	switch v := params[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return ""
	}
}

func fieldName(structField string) string {
	return strings.ToLower(structField)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return "object"
	}
}
