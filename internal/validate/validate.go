package validate

import (
	"context"
	"encoding/json"
	"fmt"

	"modelgate/internal/domain"
)

// Validator judges one backend response. Params arrive as raw JSON and
// each validator decodes its own strongly typed parameter struct, so an
// ill-formed selection fails at Check time with a clear field name.
type Validator interface {
	Name() string
	Validate(ctx context.Context, resp *domain.BackendResponse, params json.RawMessage) (domain.ValidationResult, error)
}

// Selection names a registered validator plus its parameter object.
type Selection struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Registry is an explicit name-to-validator table constructed at startup
// and passed by reference; there is no process-wide instance.
type Registry struct {
	validators map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{validators: map[string]Validator{}}
}

func (r *Registry) Register(v Validator) {
	r.validators[v.Name()] = v
}

func (r *Registry) Get(name string) (Validator, bool) {
	v, ok := r.validators[name]
	return v, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	return names
}

// Check resolves every selection against the registry. It runs at
// construction time so unknown names never surface mid-run.
func (r *Registry) Check(sels []Selection) error {
	for _, sel := range sels {
		if _, ok := r.validators[sel.Name]; !ok {
			return fmt.Errorf("unknown validator %q", sel.Name)
		}
	}
	return nil
}

// RunChain runs the selections in order; all must pass and the chain
// short-circuits on the first failure. A validator error is converted to
// a failed result with the error text as detail, never propagated.
func (r *Registry) RunChain(ctx context.Context, resp *domain.BackendResponse, sels []Selection) domain.ValidationResult {
	for _, sel := range sels {
		v, ok := r.validators[sel.Name]
		if !ok {
			return domain.ValidationResult{Valid: false, ErrorDetail: fmt.Sprintf("unknown validator %q", sel.Name)}
		}
		res, err := v.Validate(ctx, resp, sel.Params)
		if err != nil {
			return domain.ValidationResult{Valid: false, ErrorDetail: fmt.Sprintf("%s: %v", sel.Name, err)}
		}
		if !res.Valid {
			if res.ErrorDetail == "" {
				res.ErrorDetail = sel.Name + " failed"
			}
			return res
		}
	}
	return domain.ValidationResult{Valid: true}
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
