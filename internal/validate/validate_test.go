package validate

import (
	"reflect"
	"testing"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
)

func resourceRules() RuleSet {
	return RuleSet{
		Kind: "resource",
		Fields: []FieldRule{
			{Name: "name", Type: TypeString, Required: true, MaxLen: 120},
			{Name: "quantity", Type: TypeNumber},
			{Name: "category", Type: TypeString, Enum: []string{"shelter", "medical", "food"}},
			{Name: "available", Type: TypeBool},
		},
	}
}

func TestSanitize(t *testing.T) {
	v := New()
	in := map[string]interface{}{
		"name":     "  Tent  ",
		"quantity": float64(4),
		"notes":    nil,
	}
	got := v.Sanitize("resource", in)

	want := map[string]interface{}{
		"name":     "Tent",
		"quantity": float64(4),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Sanitize() = %v, want %v", got, want)
	}

	// Input is untouched.
	if in["name"] != "  Tent  " {
		t.Error("Sanitize() modified its input")
	}
}

func TestSanitize_deterministic(t *testing.T) {
	v := New()
	in := map[string]interface{}{"name": " Tent ", "quantity": float64(1)}

	first := v.Sanitize("resource", in)
	second := v.Sanitize("resource", first)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Sanitize() not idempotent: %v then %v", first, second)
	}
}

func TestValidate(t *testing.T) {
	v := New()
	v.Register(resourceRules())

	tests := []struct {
		name      string
		kind      string
		payload   map[string]interface{}
		wantField string
		wantOK    bool
	}{
		{
			name:    "valid payload",
			kind:    "resource",
			payload: map[string]interface{}{"name": "Tent", "quantity": float64(4), "category": "shelter", "available": true},
			wantOK:  true,
		},
		{
			name:      "missing required field",
			kind:      "resource",
			payload:   map[string]interface{}{"quantity": float64(4)},
			wantField: "name",
		},
		{
			name:      "empty required string",
			kind:      "resource",
			payload:   map[string]interface{}{"name": ""},
			wantField: "name",
		},
		{
			name:      "wrong type",
			kind:      "resource",
			payload:   map[string]interface{}{"name": "Tent", "quantity": "four"},
			wantField: "quantity",
		},
		{
			name:      "enum violation",
			kind:      "resource",
			payload:   map[string]interface{}{"name": "Tent", "category": "vehicles"},
			wantField: "category",
		},
		{
			name:      "unknown field rejected",
			kind:      "resource",
			payload:   map[string]interface{}{"name": "Tent", "color": "green"},
			wantField: "color",
		},
		{
			name:      "bool type enforced",
			kind:      "resource",
			payload:   map[string]interface{}{"name": "Tent", "available": "yes"},
			wantField: "available",
		},
		{
			name:    "unregistered kind passes baseline",
			kind:    "notes",
			payload: map[string]interface{}{"anything": "goes"},
			wantOK:  true,
		},
		{
			name:    "empty kind rejected",
			kind:    "",
			payload: map[string]interface{}{},
		},
		{
			name: "nil payload rejected",
			kind: "resource",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.kind, tt.payload)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !apperrors.Is(err, apperrors.ErrValidation) {
				t.Errorf("error = %v, want VALIDATION_ERROR code", err)
			}
			if got := FieldOf(err); got != tt.wantField {
				t.Errorf("FieldOf() = %q, want %q", got, tt.wantField)
			}
		})
	}
}

func TestValidate_maxLen(t *testing.T) {
	v := New()
	v.Register(resourceRules())

	long := make([]rune, 121)
	for i := range long {
		long[i] = 'x'
	}
	err := v.Validate("resource", map[string]interface{}{"name": string(long)})
	if err == nil {
		t.Fatal("Validate() should reject over-length name")
	}
	if FieldOf(err) != "name" {
		t.Errorf("FieldOf() = %q, want name", FieldOf(err))
	}
}

func TestValidate_allowUnknown(t *testing.T) {
	v := New()
	v.Register(RuleSet{
		Kind:         "sitrep",
		Fields:       []FieldRule{{Name: "title", Type: TypeString, Required: true}},
		AllowUnknown: true,
	})

	err := v.Validate("sitrep", map[string]interface{}{"title": "Flooding", "severity": float64(3)})
	if err != nil {
		t.Errorf("Validate() with AllowUnknown failed: %v", err)
	}
}
