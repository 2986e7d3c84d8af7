package tool

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParamType enumerates the value types a tool parameter may declare.
type ParamType string

const (
	// TypeString accepts any textual value.
	TypeString ParamType = "string"

	// TypeNumber accepts floating-point values; string digits are coerced.
	TypeNumber ParamType = "number"

	// TypeInteger accepts whole numbers; fractional values are rejected.
	TypeInteger ParamType = "integer"

	// TypeBoolean accepts true/false; the strings "true" and "false" are coerced.
	TypeBoolean ParamType = "boolean"

	// TypeStringArray accepts a list of strings; a single string or a
	// comma-separated string is coerced to a one-or-more element list.
	TypeStringArray ParamType = "string[]"
)

// Param declares a single named tool parameter.
type Param struct {
	// Name is the parameter key as it appears in arguments.
	Name string

	// Type is the declared value type.
	Type ParamType

	// Description is shown to the model when enumerating tool parameters.
	Description string

	// Required marks the parameter as mandatory. Required parameters must not
	// declare a Default.
	Required bool

	// Default is applied when an optional parameter is absent. Must match Type.
	Default any

	// Minimum and Maximum bound numeric parameters inclusively when non-nil.
	Minimum *float64
	Maximum *float64

	// Enum restricts string parameters to an exact (case-sensitive) value set.
	Enum []string
}

// Schema is an ordered, closed set of parameter declarations for one tool.
// Declaration order is significant: it is the order parameters are listed in
// the model's system instructions.
//
// A Schema is immutable after construction and safe for concurrent use.
type Schema struct {
	params []Param
}

// NewSchema constructs a Schema from the given parameter declarations.
func NewSchema(params ...Param) *Schema {
	cp := make([]Param, len(params))
	copy(cp, params)
	return &Schema{params: cp}
}

// Params returns the parameter declarations in declaration order.
// The returned slice must not be modified.
func (s *Schema) Params() []Param {
	return s.params
}

// Lookup returns the declaration for the named parameter.
func (s *Schema) Lookup(name string) (Param, bool) {
	for _, p := range s.params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Float is a convenience helper for bound pointers in Param literals.
func Float(v float64) *float64 { return &v }

// ValidationError describes a single argument that failed validation.
type ValidationError struct {
	// Field is the offending parameter name.
	Field string

	// Reason is a human-readable description of the violation.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool: argument %q %s", e.Field, e.Reason)
}

// Validate checks raw arguments against the schema and returns a fresh,
// fully-populated argument map. It never mutates raw.
//
// Validation is closed: unknown keys are rejected, missing required
// parameters are rejected, optional parameters receive their declared
// defaults, numeric bounds and enums are enforced, and numeric/boolean
// values arriving as strings (the XML fallback path delivers everything as
// text) are coerced to their declared type. Any violation yields an error
// and no argument map; execution must never see a partially-validated map.
//
// All violations are reported together via [errors.Join].
func (s *Schema) Validate(raw map[string]any) (map[string]any, error) {
	var errs []error

	for key := range raw {
		if _, ok := s.Lookup(key); !ok {
			errs = append(errs, &ValidationError{Field: key, Reason: "is not a recognised parameter"})
		}
	}

	out := make(map[string]any, len(s.params))
	for _, p := range s.params {
		rawVal, present := raw[p.Name]
		if !present || rawVal == nil {
			if p.Required {
				errs = append(errs, &ValidationError{Field: p.Name, Reason: "is required"})
				continue
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}

		val, err := coerce(p, rawVal)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := checkBounds(p, val); err != nil {
			errs = append(errs, err)
			continue
		}
		out[p.Name] = val
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// coerce converts a raw value to the parameter's declared type.
func coerce(p Param, raw any) (any, error) {
	switch p.Type {
	case TypeString:
		str, ok := raw.(string)
		if !ok {
			return nil, &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be a string, got %T", raw)}
		}
		return str, nil

	case TypeNumber:
		f, err := toFloat(raw)
		if err != nil {
			return nil, &ValidationError{Field: p.Name, Reason: err.Error()}
		}
		return f, nil

	case TypeInteger:
		f, err := toFloat(raw)
		if err != nil {
			return nil, &ValidationError{Field: p.Name, Reason: err.Error()}
		}
		if f != math.Trunc(f) {
			return nil, &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be a whole number, got %v", f)}
		}
		return int(f), nil

	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.TrimSpace(v) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be a boolean, got %v", raw)}

	case TypeStringArray:
		switch v := raw.(type) {
		case []string:
			return append([]string(nil), v...), nil
		case []any:
			out := make([]string, 0, len(v))
			for _, elem := range v {
				str, ok := elem.(string)
				if !ok {
					return nil, &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must contain only strings, got %T", elem)}
				}
				out = append(out, str)
			}
			return out, nil
		case string:
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, part := range parts {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out, nil
		}
		return nil, &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be a list of strings, got %T", raw)}

	default:
		return nil, &ValidationError{Field: p.Name, Reason: fmt.Sprintf("has unsupported schema type %q", p.Type)}
	}
}

// toFloat converts JSON numbers, Go numeric types, and numeric strings.
func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("must be numeric, got %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("must be numeric, got %T", raw)
	}
}

// checkBounds enforces Minimum/Maximum on numerics and Enum on strings.
func checkBounds(p Param, val any) error {
	switch p.Type {
	case TypeNumber, TypeInteger:
		var f float64
		switch v := val.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		}
		if p.Minimum != nil && f < *p.Minimum {
			return &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be >= %v, got %v", *p.Minimum, f)}
		}
		if p.Maximum != nil && f > *p.Maximum {
			return &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be <= %v, got %v", *p.Maximum, f)}
		}

	case TypeString:
		if len(p.Enum) == 0 {
			return nil
		}
		str := val.(string)
		for _, allowed := range p.Enum {
			if str == allowed {
				return nil
			}
		}
		return &ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be one of %v, got %q", p.Enum, str)}
	}
	return nil
}

// JSONSchema renders the schema as a JSON-Schema object map, the shape
// expected by structured function-calling providers.
func (s *Schema) JSONSchema() map[string]any {
	props := map[string]any{}
	var required []string

	for _, p := range s.params {
		prop := map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if p.Type == TypeStringArray {
			prop["type"] = "array"
			prop["items"] = map[string]any{"type": "string"}
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// FlattenedParams renders the parameter list as a compact one-line-per-param
// text block for inclusion in the textual tool-selection prompt.
func (s *Schema) FlattenedParams() string {
	if len(s.params) == 0 {
		return "  (no parameters)"
	}
	var b strings.Builder
	for i, p := range s.params {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "  - %s (%s", p.Name, p.Type)
		if p.Required {
			b.WriteString(", required")
		} else if p.Default != nil {
			fmt.Fprintf(&b, ", default %v", p.Default)
		}
		if len(p.Enum) > 0 {
			fmt.Fprintf(&b, ", one of %s", strings.Join(p.Enum, "|"))
		}
		fmt.Fprintf(&b, "): %s", p.Description)
	}
	return b.String()
}
