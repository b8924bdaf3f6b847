package validate_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"modelgate/internal/domain"
	"modelgate/internal/validate"
)

func resp(text string) *domain.BackendResponse {
	return &domain.BackendResponse{Text: text}
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func TestRequiredFields(t *testing.T) {
	v := validate.RequiredFields{}
	p := params(t, map[string]any{"fields": []string{"name", "score"}})

	res, err := v.Validate(context.Background(), resp(`{"name":"a","score":1}`), p)
	if err != nil || !res.Valid {
		t.Fatalf("expected pass, got %+v err=%v", res, err)
	}

	res, err = v.Validate(context.Background(), resp(`{"name":"a"}`), p)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !strings.Contains(res.ErrorDetail, "score") {
		t.Fatalf("expected missing-field failure, got %+v", res)
	}

	res, err = v.Validate(context.Background(), resp("not json"), p)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid {
		t.Fatalf("non-JSON text must fail")
	}
}

func TestJSONShape(t *testing.T) {
	v := validate.JSONShape{}
	p := params(t, map[string]any{"fields": map[string]string{"name": "string", "count": "number", "ok": "bool"}})

	res, err := v.Validate(context.Background(), resp(`{"name":"a","count":3,"ok":true}`), p)
	if err != nil || !res.Valid {
		t.Fatalf("expected pass, got %+v err=%v", res, err)
	}

	res, _ = v.Validate(context.Background(), resp(`{"name":1,"count":3,"ok":true}`), p)
	if res.Valid || !strings.Contains(res.ErrorDetail, "name") {
		t.Fatalf("expected type mismatch on name, got %+v", res)
	}
}

func TestRegexMatch(t *testing.T) {
	v := validate.RegexMatch{}

	res, err := v.Validate(context.Background(), resp("order ABC-123 confirmed"), params(t, map[string]string{"pattern": `[A-Z]+-\d+`}))
	if err != nil || !res.Valid {
		t.Fatalf("expected pass, got %+v err=%v", res, err)
	}

	res, _ = v.Validate(context.Background(), resp("no id here"), params(t, map[string]string{"pattern": `[A-Z]+-\d+`}))
	if res.Valid {
		t.Fatalf("expected failure")
	}

	if _, err := v.Validate(context.Background(), resp("x"), params(t, map[string]string{"pattern": "("})); err == nil {
		t.Fatalf("bad pattern must be a validator error, not a failed result")
	}
	if _, err := v.Validate(context.Background(), resp("x"), nil); err == nil {
		t.Fatalf("missing pattern must error")
	}
}

func TestSubstring(t *testing.T) {
	v := validate.Substring{}
	res, err := v.Validate(context.Background(), resp("hello world"), params(t, map[string]string{"value": "world"}))
	if err != nil || !res.Valid {
		t.Fatalf("expected pass, got %+v err=%v", res, err)
	}
	res, _ = v.Validate(context.Background(), resp("hello"), params(t, map[string]string{"value": "world"}))
	if res.Valid {
		t.Fatalf("expected failure")
	}
}

func TestLengthBounds(t *testing.T) {
	v := validate.LengthBounds{}
	res, _ := v.Validate(context.Background(), resp("abcdef"), params(t, map[string]int{"min": 3, "max": 10}))
	if !res.Valid {
		t.Fatalf("expected pass, got %+v", res)
	}
	res, _ = v.Validate(context.Background(), resp("ab"), params(t, map[string]int{"min": 3}))
	if res.Valid {
		t.Fatalf("expected too-short failure")
	}
	res, _ = v.Validate(context.Background(), resp("abcdef"), params(t, map[string]int{"max": 3}))
	if res.Valid {
		t.Fatalf("expected too-long failure")
	}
	// max zero means unbounded
	res, _ = v.Validate(context.Background(), resp(strings.Repeat("x", 10000)), params(t, map[string]int{"min": 1}))
	if !res.Valid {
		t.Fatalf("zero max must not cap length")
	}
}

func TestChainShortCircuitsOnFirstFailure(t *testing.T) {
	reg := validate.NewRegistry()
	reg.Register(validate.Substring{})
	reg.Register(validate.RegexMatch{})

	sels := []validate.Selection{
		{Name: "substring", Params: params(t, map[string]string{"value": "nope"})},
		{Name: "regex_match", Params: params(t, map[string]string{"pattern": "("})},
	}
	res := reg.RunChain(context.Background(), resp("hello"), sels)
	if res.Valid {
		t.Fatalf("expected failure")
	}
	// the broken second selection is never reached
	if !strings.Contains(res.ErrorDetail, "nope") {
		t.Fatalf("expected substring failure first, got %q", res.ErrorDetail)
	}
}

func TestChainConvertsValidatorErrors(t *testing.T) {
	reg := validate.NewRegistry()
	reg.Register(validate.RegexMatch{})
	res := reg.RunChain(context.Background(), resp("x"), []validate.Selection{
		{Name: "regex_match", Params: params(t, map[string]string{"pattern": "("})},
	})
	if res.Valid || !strings.HasPrefix(res.ErrorDetail, "regex_match:") {
		t.Fatalf("expected converted error, got %+v", res)
	}
}

func TestCheckRejectsUnknownSelection(t *testing.T) {
	reg := validate.NewRegistry()
	reg.Register(validate.Substring{})
	if err := reg.Check([]validate.Selection{{Name: "nonesuch"}}); err == nil {
		t.Fatalf("expected error for unknown validator")
	}
	if err := reg.Check([]validate.Selection{{Name: "substring"}}); err != nil {
		t.Fatalf("known validator rejected: %v", err)
	}
}

func TestEmptyChainPasses(t *testing.T) {
	reg := validate.NewRegistry()
	if res := reg.RunChain(context.Background(), resp("anything"), nil); !res.Valid {
		t.Fatalf("empty chain must pass")
	}
}
