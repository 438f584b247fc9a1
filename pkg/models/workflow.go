// Package models defines the domain models for the workflow orchestrator
package models

import (
	"time"
)

// StepType discriminates the kind of work a step performs.
type StepType string

const (
	// StepTypeAgent invokes one operation of an external agent.
	StepTypeAgent StepType = "agent"
)

// WorkflowDefinition is a named DAG of steps. Predefined definitions ship with
// the service and are immutable; custom definitions are authored by users.
type WorkflowDefinition struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Version        int              `json:"version"`
	Steps          []StepDefinition `json:"steps"`
	IsPredefined   bool             `json:"isPredefined"`
	RequiredInputs []string         `json:"requiredInputs,omitempty"`
	CreatedBy      string           `json:"createdBy,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// StepDefinition is one node of a workflow graph.
type StepDefinition struct {
	ID        string         `json:"id" yaml:"id"`
	Type      StepType       `json:"type" yaml:"type"`
	Agent     string         `json:"agent" yaml:"agent"`
	Operation string         `json:"operation" yaml:"operation"`
	Input     map[string]any `json:"input,omitempty" yaml:"input"`
	DependsOn []string       `json:"dependsOn,omitempty" yaml:"dependsOn"`
}

// Step returns the step with the given id, or nil.
func (w *WorkflowDefinition) Step(id string) *StepDefinition {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// WorkflowList is the catalogue view returned to callers.
type WorkflowList struct {
	Predefined []*WorkflowDefinition `json:"predefined"`
	Custom     []*WorkflowDefinition `json:"custom"`
}
