// Package validate gates mutation payloads before they enter the
// pipeline. Sanitization and validation are pure functions of their
// input, a payload that passed once passes again on every retry.
package validate

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
)

// FieldType restricts what a payload field may contain.
type FieldType string

const (
	TypeAny    FieldType = ""
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
)

// FieldRule constrains a single payload field.
type FieldRule struct {
	Name     string
	Type     FieldType
	Required bool
	// MaxLen bounds string length in runes. Zero means unbounded.
	MaxLen int
	// Enum restricts a string field to a fixed value set.
	Enum []string
}

// RuleSet is the full constraint set for one entity kind.
type RuleSet struct {
	Kind   string
	Fields []FieldRule
	// AllowUnknown permits payload fields no rule names. Unknown
	// fields are passed through untouched.
	AllowUnknown bool
}

// FieldError reports which field failed and why. It travels inside a
// VALIDATION_ERROR AppError.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// FieldOf extracts the failing field name from a validation error
// chain, or "" when the error is not field-specific.
func FieldOf(err error) string {
	for err != nil {
		if fe, ok := err.(*FieldError); ok {
			return fe.Field
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Validator holds the registered rule sets.
type Validator struct {
	rules map[string]RuleSet
}

// New creates a Validator with no registered kinds. Unregistered kinds
// get baseline structural validation only.
func New() *Validator {
	return &Validator{rules: make(map[string]RuleSet)}
}

// Register installs or replaces the rule set for a kind.
func (v *Validator) Register(rs RuleSet) {
	v.rules[rs.Kind] = rs
}

// Sanitize normalizes a payload before validation. String values are
// whitespace-trimmed and nil values are dropped. The input map is not
// modified.
func (v *Validator) Sanitize(kind string, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok {
			out[key] = strings.TrimSpace(s)
			continue
		}
		out[key] = value
	}
	return out
}

// Validate checks a sanitized payload against the kind's rule set.
// Returns a VALIDATION_ERROR AppError wrapping a FieldError on the
// first violation, nil when the payload is acceptable.
func (v *Validator) Validate(kind string, payload map[string]interface{}) error {
	if kind == "" {
		return validationErr("", "entity kind must not be empty")
	}
	if payload == nil {
		return validationErr("", "payload must not be nil")
	}
	for key := range payload {
		if key == "" {
			return validationErr("", "payload field names must not be empty")
		}
	}

	rs, ok := v.rules[kind]
	if !ok {
		return nil
	}

	for _, rule := range rs.Fields {
		value, present := payload[rule.Name]
		if !present {
			if rule.Required {
				return validationErr(rule.Name, "required field is missing")
			}
			continue
		}
		if err := checkField(rule, value); err != nil {
			return err
		}
	}

	if !rs.AllowUnknown {
		known := make(map[string]bool, len(rs.Fields))
		for _, rule := range rs.Fields {
			known[rule.Name] = true
		}
		// Deterministic order so the same payload reports the same
		// field on every run.
		keys := make([]string, 0, len(payload))
		for key := range payload {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !known[key] {
				return validationErr(key, "unknown field for kind "+kind)
			}
		}
	}
	return nil
}

func checkField(rule FieldRule, value interface{}) error {
	switch rule.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return validationErr(rule.Name, "must be a string")
		}
		if rule.Required && s == "" {
			return validationErr(rule.Name, "must not be empty")
		}
		if rule.MaxLen > 0 && len([]rune(s)) > rule.MaxLen {
			return validationErr(rule.Name, fmt.Sprintf("exceeds maximum length of %d", rule.MaxLen))
		}
		if len(rule.Enum) > 0 && !contains(rule.Enum, s) {
			return validationErr(rule.Name, "must be one of: "+strings.Join(rule.Enum, ", "))
		}
	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return validationErr(rule.Name, "must be a number")
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return validationErr(rule.Name, "must be a boolean")
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func validationErr(field, message string) error {
	fe := &FieldError{Field: field, Message: message}
	return apperrors.Wrap(apperrors.ErrValidation, fe.Error(), fe)
}
