// Package services implements the workflow orchestrator: the workflow
// catalogue, the execution engine and registry, and the cost estimator.
package services

import (
	"errors"

	"testforge/backend/internal/workflows"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrPredefinedImmutable is returned when deleting or editing a built-in workflow.
	ErrPredefinedImmutable = errors.New("cannot delete predefined workflow")
	// ErrInvalidState is returned for transitions the execution's current status forbids.
	ErrInvalidState = errors.New("invalid execution state")
	// ErrInvalidInput covers malformed execution input and options.
	ErrInvalidInput = errors.New("invalid input")
	// ErrShuttingDown is returned for executions submitted after Shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")

	ErrMissingInput      = workflows.ErrMissingInput
	ErrInvalidDefinition = workflows.ErrInvalidDefinition
	ErrUnknownAgent      = workflows.ErrUnknownAgent
)
