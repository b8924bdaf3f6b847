package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"modelgate/internal/domain"
)

// The deterministic validators are pure functions over the response
// text; none of them performs I/O.

// RequiredFields checks that the response is JSON carrying every named
// top-level field.
type RequiredFields struct{}

type RequiredFieldsParams struct {
	Fields []string `json:"fields"`
}

func (RequiredFields) Name() string { return "required_fields" }

func (RequiredFields) Validate(ctx context.Context, resp *domain.BackendResponse, raw json.RawMessage) (domain.ValidationResult, error) {
	var params RequiredFieldsParams
	if err := decodeParams(raw, &params); err != nil {
		return domain.ValidationResult{}, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(resp.Text), &obj); err != nil {
		return domain.ValidationResult{Valid: false, ErrorDetail: "response is not a JSON object"}, nil
	}
	var missing []string
	for _, f := range params.Fields {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return domain.ValidationResult{
			Valid:       false,
			ErrorDetail: fmt.Sprintf("missing fields: %s", strings.Join(missing, ", ")),
			Suggestions: []string{"include all required fields in the response object"},
		}, nil
	}
	return domain.ValidationResult{Valid: true}, nil
}

// JSONShape checks the JSON type of top-level fields.
type JSONShape struct{}

type JSONShapeParams struct {
	Fields map[string]string `json:"fields"` // field -> string|number|bool|object|array
}

func (JSONShape) Name() string { return "json_shape" }

func (JSONShape) Validate(ctx context.Context, resp *domain.BackendResponse, raw json.RawMessage) (domain.ValidationResult, error) {
	var params JSONShapeParams
	if err := decodeParams(raw, &params); err != nil {
		return domain.ValidationResult{}, err
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(resp.Text), &obj); err != nil {
		return domain.ValidationResult{Valid: false, ErrorDetail: "response is not a JSON object"}, nil
	}
	for field, want := range params.Fields {
		v, ok := obj[field]
		if !ok {
			return domain.ValidationResult{Valid: false, ErrorDetail: fmt.Sprintf("field %s missing", field)}, nil
		}
		if got := jsonType(v); got != want {
			return domain.ValidationResult{
				Valid:       false,
				ErrorDetail: fmt.Sprintf("field %s: expected %s, got %s", field, want, got),
			}, nil
		}
	}
	return domain.ValidationResult{Valid: true}, nil
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return "unknown"
}

// RegexMatch checks the response text against a pattern.
type RegexMatch struct{}

type RegexMatchParams struct {
	Pattern string `json:"pattern"`
}

func (RegexMatch) Name() string { return "regex_match" }

func (RegexMatch) Validate(ctx context.Context, resp *domain.BackendResponse, raw json.RawMessage) (domain.ValidationResult, error) {
	var params RegexMatchParams
	if err := decodeParams(raw, &params); err != nil {
		return domain.ValidationResult{}, err
	}
	if params.Pattern == "" {
		return domain.ValidationResult{}, fmt.Errorf("pattern is required")
	}
	rx, err := regexp.Compile(params.Pattern)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("compile pattern: %w", err)
	}
	if !rx.MatchString(resp.Text) {
		return domain.ValidationResult{Valid: false, ErrorDetail: fmt.Sprintf("response does not match %q", params.Pattern)}, nil
	}
	return domain.ValidationResult{Valid: true}, nil
}

// Substring checks for a literal fragment.
type Substring struct{}

type SubstringParams struct {
	Value string `json:"value"`
}

func (Substring) Name() string { return "substring" }

func (Substring) Validate(ctx context.Context, resp *domain.BackendResponse, raw json.RawMessage) (domain.ValidationResult, error) {
	var params SubstringParams
	if err := decodeParams(raw, &params); err != nil {
		return domain.ValidationResult{}, err
	}
	if params.Value == "" {
		return domain.ValidationResult{}, fmt.Errorf("value is required")
	}
	if !strings.Contains(resp.Text, params.Value) {
		return domain.ValidationResult{Valid: false, ErrorDetail: fmt.Sprintf("response does not contain %q", params.Value)}, nil
	}
	return domain.ValidationResult{Valid: true}, nil
}

// LengthBounds checks the response length in bytes.
type LengthBounds struct{}

type LengthBoundsParams struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (LengthBounds) Name() string { return "length_bounds" }

func (LengthBounds) Validate(ctx context.Context, resp *domain.BackendResponse, raw json.RawMessage) (domain.ValidationResult, error) {
	var params LengthBoundsParams
	if err := decodeParams(raw, &params); err != nil {
		return domain.ValidationResult{}, err
	}
	n := len(resp.Text)
	if n < params.Min {
		return domain.ValidationResult{Valid: false, ErrorDetail: fmt.Sprintf("response length %d below minimum %d", n, params.Min)}, nil
	}
	if params.Max > 0 && n > params.Max {
		return domain.ValidationResult{Valid: false, ErrorDetail: fmt.Sprintf("response length %d above maximum %d", n, params.Max)}, nil
	}
	return domain.ValidationResult{Valid: true}, nil
}
