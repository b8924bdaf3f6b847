package tools

import "context"

// Tool is an externally invokable capability offered to the tool-assisted
// retry stage and to agent validators, always behind an explicit
// per-call allow-list.
type Tool interface {
	Name() string
	Execute(ctx context.Context, inputs map[string]any) (output any, logs string, err error)
}

// Registry maps tool names to implementations. It is constructed at
// startup and passed by reference; there is no package-level instance.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns a registry with the built-in tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Echo{})
	r.Register(&HTTPGet{})
	r.Register(&RegexExtract{})
	r.Register(&JSONPretty{})
	return r
}
