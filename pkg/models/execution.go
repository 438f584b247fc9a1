package models

import (
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution can no longer change state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step inside an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step has settled.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Usage is the token and cost record an agent reports for one invocation.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
	Model        string  `json:"model,omitempty"`
	DurationMs   int64   `json:"durationMs"`
}

// TokenCount is an input/output token pair.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ExecutionOptions tune how a single execution is scheduled.
type ExecutionOptions struct {
	// ContinueOnError keeps unrelated branches running after a step fails;
	// only descendants of the failed step are skipped.
	ContinueOnError bool `json:"continueOnError,omitempty"`
	// Timeout bounds the whole execution, in milliseconds.
	Timeout int64 `json:"timeout,omitempty"`
	// MaxRetries overrides the configured per-step retry count.
	MaxRetries *int `json:"maxRetries,omitempty"`
	// Async returns the pending record immediately instead of waiting.
	Async bool `json:"async,omitempty"`
}

// TimeoutDuration converts Timeout to a time.Duration.
func (o ExecutionOptions) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Millisecond
}

// StepExecution is the per-step state of an execution.
type StepExecution struct {
	ID          string     `json:"id"`
	Agent       string     `json:"agent"`
	Operation   string     `json:"operation"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Output      any        `json:"output,omitempty"`
	Usage       *Usage     `json:"usage,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// WorkflowExecution is one run of a workflow against a concrete input.
type WorkflowExecution struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflowId"`
	WorkflowName string           `json:"workflowName,omitempty"`
	ProjectID    string           `json:"projectId,omitempty"`
	Status       ExecutionStatus  `json:"status"`
	Input        map[string]any   `json:"input"`
	Options      ExecutionOptions `json:"options"`
	Steps        []StepExecution  `json:"steps"`
	Output       map[string]any   `json:"output"`
	TotalCostUSD float64          `json:"totalCostUsd"`
	Tokens       TokenCount       `json:"tokens"`
	TotalSteps   int              `json:"totalSteps"`
	Error        string           `json:"error,omitempty"`
	CreatedBy    string           `json:"createdBy,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
}

// Step returns the step record with the given id, or nil if it has not been created yet.
func (e *WorkflowExecution) Step(id string) *StepExecution {
	for i := range e.Steps {
		if e.Steps[i].ID == id {
			return &e.Steps[i]
		}
	}
	return nil
}

// CompletedSteps counts steps in the completed state.
func (e *WorkflowExecution) CompletedSteps() int {
	n := 0
	for _, s := range e.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Clone returns a copy that shares no mutable slices or maps with e.
// Step outputs are shared: they are never mutated after being recorded.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	c := *e
	c.Steps = make([]StepExecution, len(e.Steps))
	copy(c.Steps, e.Steps)
	for i := range c.Steps {
		if u := c.Steps[i].Usage; u != nil {
			uc := *u
			c.Steps[i].Usage = &uc
		}
	}
	c.Input = make(map[string]any, len(e.Input))
	for k, v := range e.Input {
		c.Input[k] = v
	}
	c.Output = make(map[string]any, len(e.Output))
	for k, v := range e.Output {
		c.Output[k] = v
	}
	if e.Options.MaxRetries != nil {
		n := *e.Options.MaxRetries
		c.Options.MaxRetries = &n
	}
	return &c
}

// ExecutionStatusView is a point-in-time snapshot with progress counters.
type ExecutionStatusView struct {
	*WorkflowExecution
	CompletedSteps int   `json:"completedSteps"`
	TotalSteps     int   `json:"totalSteps"`
	ElapsedMs      int64 `json:"elapsedMs"`
}

// NewStatusView computes progress counters for exec as of now.
func NewStatusView(exec *WorkflowExecution, now time.Time) *ExecutionStatusView {
	view := &ExecutionStatusView{
		WorkflowExecution: exec,
		CompletedSteps:    exec.CompletedSteps(),
		TotalSteps:        exec.TotalSteps,
	}
	if exec.StartedAt != nil {
		end := now
		if exec.CompletedAt != nil {
			end = *exec.CompletedAt
		}
		view.ElapsedMs = end.Sub(*exec.StartedAt).Milliseconds()
	}
	return view
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	ProjectID  string
	Status     ExecutionStatus
	WorkflowID string
	Limit      int
	Offset     int
}

// ExecutionPage is one page of an execution listing.
type ExecutionPage struct {
	Items  []*WorkflowExecution `json:"items"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// CostEstimate is a projected cost for a prospective run. It is never persisted.
type CostEstimate struct {
	WorkflowID       string             `json:"workflowId"`
	EstimatedCostUSD float64            `json:"estimatedCostUsd"`
	EstimatedTokens  TokenCount         `json:"estimatedTokens"`
	Breakdown        []StepCostEstimate `json:"breakdown"`
}

// StepCostEstimate is the projected cost of one step.
type StepCostEstimate struct {
	StepID           string     `json:"stepId"`
	Agent            string     `json:"agent"`
	Operation        string     `json:"operation"`
	Model            string     `json:"model"`
	EstimatedCostUSD float64    `json:"estimatedCostUsd"`
	EstimatedTokens  TokenCount `json:"estimatedTokens"`
}
