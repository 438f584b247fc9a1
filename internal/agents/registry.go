// Package agents describes the external AI agents a workflow step can invoke
// and how the orchestrator talks to them.
package agents

import (
	"slices"
	"sort"
)

// Capability describes one agent: the operations it exposes and the
// assumptions used when estimating its cost.
type Capability struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
	Model      string   `json:"model"`
	// AvgOutputTokens is the typical response size used by the estimator.
	AvgOutputTokens int `json:"avgOutputTokens"`
	// PromptOverheadTokens covers the agent's own system prompt and framing.
	PromptOverheadTokens int `json:"promptOverheadTokens"`
}

// Supports reports whether the agent exposes the named operation.
func (c Capability) Supports(operation string) bool {
	return slices.Contains(c.Operations, operation)
}

// Registry is the table of known agents. It is built once and passed to the
// components that validate or price steps.
type Registry struct {
	agents map[string]Capability
}

// NewRegistry builds a Registry from the given capabilities.
func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{agents: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		r.agents[c.Name] = c
	}
	return r
}

// DefaultRegistry returns the agents shipped with the platform.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Capability{
			Name:                 "test-case-generator",
			Operations:           []string{"generate", "edge-cases"},
			Model:                "claude-3.5-sonnet",
			AvgOutputTokens:      2500,
			PromptOverheadTokens: 900,
		},
		Capability{
			Name:                 "script-generator",
			Operations:           []string{"generate"},
			Model:                "claude-3.5-sonnet",
			AvgOutputTokens:      3500,
			PromptOverheadTokens: 1100,
		},
		Capability{
			Name:                 "unit-test-generator",
			Operations:           []string{"generate"},
			Model:                "claude-3.5-sonnet",
			AvgOutputTokens:      3000,
			PromptOverheadTokens: 800,
		},
		Capability{
			Name:                 "code-quality-analyzer",
			Operations:           []string{"analyze", "security-scan"},
			Model:                "claude-3-haiku",
			AvgOutputTokens:      1500,
			PromptOverheadTokens: 700,
		},
		Capability{
			Name:                 "bug-analyzer",
			Operations:           []string{"triage", "summarize"},
			Model:                "claude-3-haiku",
			AvgOutputTokens:      1200,
			PromptOverheadTokens: 600,
		},
		Capability{
			Name:                 "requirements-analyzer",
			Operations:           []string{"analyze"},
			Model:                "gpt-4o",
			AvgOutputTokens:      1800,
			PromptOverheadTokens: 750,
		},
	)
}

// Lookup returns the capability for name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	c, ok := r.agents[name]
	return c, ok
}

// Has reports whether name is a known agent.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Names returns the known agent names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
