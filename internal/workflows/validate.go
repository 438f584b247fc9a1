package workflows

import (
	"errors"
	"fmt"
	"strings"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/resolver"
	"testforge/backend/pkg/models"
)

var (
	// ErrInvalidDefinition wraps every structural problem with a definition.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrUnknownAgent is returned when a step names an agent that is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrMissingInput matches every *MissingInputError.
	ErrMissingInput = errors.New("missing required input")
)

// MissingInputError names the first required input field a run lacks.
type MissingInputError struct {
	Field      string
	WorkflowID string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s is required for %s workflow", e.Field, e.WorkflowID)
}

// Is makes errors.Is(err, ErrMissingInput) work.
func (e *MissingInputError) Is(target error) bool { return target == ErrMissingInput }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// Validate checks a definition against the agent table and returns its graph.
func Validate(def *models.WorkflowDefinition, reg *agents.Registry) (*Graph, error) {
	if def == nil {
		return nil, invalid("definition is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, invalid("name is required")
	}
	if len(def.Steps) == 0 {
		return nil, invalid("workflow must have at least one step")
	}

	for i, step := range def.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return nil, invalid("step %d: id is required", i)
		}
		switch step.Type {
		case models.StepTypeAgent:
			if !reg.Has(step.Agent) {
				return nil, fmt.Errorf("%w: %q (step %s)", ErrUnknownAgent, step.Agent, step.ID)
			}
			if strings.TrimSpace(step.Operation) == "" {
				return nil, invalid("step %s: operation is required", step.ID)
			}
			c, _ := reg.Lookup(step.Agent)
			if !c.Supports(step.Operation) {
				return nil, invalid("step %s: agent %s has no operation %q", step.ID, step.Agent, step.Operation)
			}
		default:
			return nil, invalid("step %s: unsupported step type %q", step.ID, step.Type)
		}
	}

	g, err := NewGraph(def.Steps)
	if err != nil {
		return nil, invalid("%s", err.Error())
	}

	// A step may only read outputs that are guaranteed to exist when it runs.
	for _, step := range def.Steps {
		for _, ref := range resolver.References(step.Input) {
			switch ref.Kind {
			case resolver.KindInput:
				if len(ref.Path) == 0 {
					return nil, invalid("step %s: ${%s} must name an input field", step.ID, ref.Expr)
				}
			case resolver.KindStep:
				if !g.Has(ref.StepID) {
					return nil, invalid("step %s references unknown step %s", step.ID, ref.StepID)
				}
				if !g.IsAncestor(ref.StepID, step.ID) {
					return nil, invalid("step %s references step %s without depending on it", step.ID, ref.StepID)
				}
			default:
				return nil, invalid("step %s: invalid placeholder ${%s}", step.ID, ref.Expr)
			}
		}
	}
	return g, nil
}

// RequiredInputs returns the top-level input fields a run of def must supply.
// Explicit RequiredInputs win; otherwise the fields referenced through
// ${input.<field>} are collected in step order.
func RequiredInputs(def *models.WorkflowDefinition) []string {
	if len(def.RequiredInputs) > 0 {
		return def.RequiredInputs
	}
	var fields []string
	seen := map[string]bool{}
	for _, step := range def.Steps {
		for _, ref := range resolver.References(step.Input) {
			if ref.Kind != resolver.KindInput || len(ref.Path) == 0 {
				continue
			}
			if f := ref.Path[0]; !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	return fields
}

// CheckInput returns an error naming the first required field missing from input.
func CheckInput(def *models.WorkflowDefinition, input map[string]any) error {
	for _, f := range RequiredInputs(def) {
		v, ok := input[f]
		if s, isStr := v.(string); !ok || v == nil || (isStr && strings.TrimSpace(s) == "") {
			return &MissingInputError{Field: f, WorkflowID: def.ID}
		}
	}
	return nil
}
