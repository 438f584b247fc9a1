package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/logging"
	"testforge/backend/internal/resolver"
	"testforge/backend/internal/workflows"
	"testforge/backend/pkg/models"
)

// EngineConfig tunes scheduling. Zero values fall back to sensible defaults
// where noted.
type EngineConfig struct {
	// DefaultMaxRetries applies when a run does not set maxRetries.
	DefaultMaxRetries int
	// RetryInitialInterval and RetryMaxInterval shape the exponential backoff
	// between attempts of one step.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// MaxParallelSteps bounds concurrently running steps per execution; 0
	// means no bound.
	MaxParallelSteps int
	// DefaultTimeout applies when a run does not set a timeout; 0 means none.
	DefaultTimeout time.Duration
}

// execution is the immutable per-run context shared by the scheduler loop
// and its step goroutines.
type execution struct {
	id      string
	def     *models.WorkflowDefinition
	graph   *workflows.Graph
	input   map[string]any
	opts    models.ExecutionOptions
	retries int
	timeout time.Duration
	// base is detached from the submitting request so a client disconnect
	// does not abort the run. It is also used for all persistence.
	base context.Context
}

type stepOutcome struct {
	output   any
	usage    models.Usage
	attempts int
	err      error
}

// stepRunner performs one kind of step.
type stepRunner func(ctx context.Context, run *execution, step models.StepDefinition, input map[string]any) stepOutcome

type stepResult struct {
	id     string
	status models.StepStatus
	output any
}

// Engine drives workflow executions from pending to a terminal status.
type Engine struct {
	catalog  *Catalog
	registry *Registry
	invoker  agents.Invoker
	cfg      EngineConfig
	logger   *logging.Logger
	runners  map[models.StepType]stepRunner
	tracer   trace.Tracer
	metrics  *engineMetrics
	now      func() time.Time

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewEngine creates a new Engine.
func NewEngine(catalog *Catalog, registry *Registry, invoker agents.Invoker, cfg EngineConfig, logger *logging.Logger) *Engine {
	e := &Engine{
		catalog:  catalog,
		registry: registry,
		invoker:  invoker,
		cfg:      cfg,
		logger:   logger.WithModule("engine"),
		tracer:   otel.Tracer(instrumentationName),
		metrics:  newEngineMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.runners = map[models.StepType]stepRunner{
		models.StepTypeAgent: e.runAgentStep,
	}
	return e
}

// Execute runs a predefined workflow. Unless opts.Async is set it blocks
// until the execution settles and returns the final record. A workflow that
// fails is still a successful call: the failure is in the record.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any, opts models.ExecutionOptions, createdBy string) (*models.WorkflowExecution, error) {
	def, err := e.catalog.GetPredefined(workflowID)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, def, input, opts, createdBy)
}

// ExecuteCustom is Execute for custom workflows.
func (e *Engine) ExecuteCustom(ctx context.Context, workflowID string, input map[string]any, opts models.ExecutionOptions, createdBy string) (*models.WorkflowExecution, error) {
	def, err := e.catalog.GetCustom(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, def, input, opts, createdBy)
}

// Submit runs any workflow, predefined or custom.
func (e *Engine) Submit(ctx context.Context, workflowID string, input map[string]any, opts models.ExecutionOptions, createdBy string) (*models.WorkflowExecution, error) {
	def, err := e.catalog.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, def, input, opts, createdBy)
}

// Status returns a snapshot of the execution with progress counters.
func (e *Engine) Status(ctx context.Context, id string) (*models.ExecutionStatusView, error) {
	exec, err := e.registry.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.NewStatusView(exec, e.now()), nil
}

// Cancel requests cooperative cancellation. Steps already talking to an
// agent are not interrupted; no new step starts afterwards.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return e.registry.Cancel(ctx, id)
}

// ListExecutions returns one page of executions.
func (e *Engine) ListExecutions(ctx context.Context, filter models.ExecutionFilter) (*models.ExecutionPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return e.registry.List(ctx, filter)
}

// Wait blocks until the execution settles or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	done, err := e.registry.Done(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
		return e.registry.Snapshot(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting executions and waits for running ones.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) start(ctx context.Context, def *models.WorkflowDefinition, input map[string]any, opts models.ExecutionOptions, createdBy string) (*models.WorkflowExecution, error) {
	run, pending, err := e.prepare(ctx, def, input, opts, createdBy)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		_, _ = e.registry.Finish(run.base, run.id, func(x *models.WorkflowExecution) {
			x.Status = models.ExecutionFailed
			x.Error = ErrShuttingDown.Error()
		})
		return nil, ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()

	if opts.Async {
		go func() {
			defer e.wg.Done()
			e.run(run)
		}()
		return pending, nil
	}
	defer e.wg.Done()
	final := e.run(run)
	if final == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, run.id)
	}
	return final, nil
}

// prepare validates the request and records the pending execution.
func (e *Engine) prepare(ctx context.Context, def *models.WorkflowDefinition, input map[string]any, opts models.ExecutionOptions, createdBy string) (*execution, *models.WorkflowExecution, error) {
	if input == nil {
		input = map[string]any{}
	}
	if err := workflows.CheckInput(def, input); err != nil {
		return nil, nil, err
	}
	projectID, err := projectIDFrom(input)
	if err != nil {
		return nil, nil, err
	}
	if opts.Timeout < 0 {
		return nil, nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidInput)
	}
	retries := e.cfg.DefaultMaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, nil, fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidInput)
		}
		retries = *opts.MaxRetries
	}
	timeout := opts.TimeoutDuration()
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	graph, err := workflows.NewGraph(def.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}

	exec := &models.WorkflowExecution{
		ID:           uuid.New().String(),
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		ProjectID:    projectID,
		Status:       models.ExecutionPending,
		Input:        input,
		Options:      opts,
		Steps:        []models.StepExecution{},
		Output:       map[string]any{},
		TotalSteps:   len(def.Steps),
		CreatedBy:    createdBy,
		CreatedAt:    e.now(),
	}
	plan := make([]models.StepExecution, 0, len(def.Steps))
	for _, s := range def.Steps {
		plan = append(plan, models.StepExecution{ID: s.ID, Agent: s.Agent, Operation: s.Operation, Status: models.StepPending})
	}
	if err := e.registry.Add(ctx, exec, plan); err != nil {
		return nil, nil, err
	}

	run := &execution{
		id:      exec.ID,
		def:     def,
		graph:   graph,
		input:   input,
		opts:    opts,
		retries: retries,
		timeout: timeout,
		base:    context.WithoutCancel(ctx),
	}
	return run, exec, nil
}

func projectIDFrom(input map[string]any) (string, error) {
	v, ok := input["projectId"]
	if !ok || v == nil {
		return "", nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", fmt.Errorf("%w: projectId must be a string", ErrInvalidInput)
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("%w: projectId must be a UUID", ErrInvalidInput)
	}
	return s, nil
}

// run moves the execution to running, schedules its steps and settles it.
func (e *Engine) run(run *execution) *models.WorkflowExecution {
	ctx, span := e.tracer.Start(run.base, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", run.def.ID),
		attribute.String("execution.id", run.id),
		attribute.Int("workflow.steps", run.graph.Len()),
	))
	defer span.End()
	log := e.logger.With("execution_id", run.id, "workflow_id", run.def.ID)

	started, err := e.registry.Update(run.base, run.id, func(x *models.WorkflowExecution) bool {
		if x.Status != models.ExecutionPending {
			return false
		}
		now := e.now()
		x.Status = models.ExecutionRunning
		x.StartedAt = &now
		return true
	})
	if err != nil {
		log.Error("Execution vanished before start", "error", err)
		return nil
	}
	if !started {
		// cancelled while pending
		final, err := e.registry.Finish(run.base, run.id, func(*models.WorkflowExecution) {})
		if err != nil {
			log.Error("Failed to settle execution", "error", err)
			return nil
		}
		e.metrics.finished(ctx, run.def.ID, string(final.Status))
		log.Info("Workflow execution cancelled before start")
		return final
	}

	e.metrics.started(ctx, run.def.ID)
	log.Info("Workflow execution started", "steps", run.graph.Len(), "timeout", run.timeout, "max_retries", run.retries)

	if run.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, run.timeout)
		defer cancel()
	}

	final := e.schedule(ctx, run, log)
	if final == nil {
		return nil
	}

	span.SetAttributes(
		attribute.String("workflow.status", string(final.Status)),
		attribute.Float64("workflow.cost_usd", final.TotalCostUSD),
	)
	if final.Status == models.ExecutionFailed {
		span.SetStatus(codes.Error, final.Error)
	}
	e.metrics.finished(run.base, run.def.ID, string(final.Status))
	log.Info("Workflow execution finished",
		"status", final.Status,
		"completed_steps", final.CompletedSteps(),
		"total_steps", final.TotalSteps,
		"cost_usd", final.TotalCostUSD,
		"error", final.Error,
	)
	return final
}

// schedule is the DAG walk. Ready steps are resolved and dispatched from this
// goroutine; step goroutines report back on done. Only this goroutine reads
// step outputs for resolution, so a step never sees a sibling's partial
// result.
func (e *Engine) schedule(ctx context.Context, run *execution, log *logging.Logger) *models.WorkflowExecution {
	g := run.graph
	remaining := make(map[string]int, g.Len())
	for _, id := range g.IDs() {
		remaining[id] = len(g.Dependencies(id))
	}
	ready := g.Roots()
	outputs := make(map[string]any, g.Len())
	done := make(chan stepResult, g.Len())

	limit := e.cfg.MaxParallelSteps
	if limit <= 0 || limit > g.Len() {
		limit = g.Len()
	}
	sem := semaphore.NewWeighted(int64(limit))

	cancelled := e.registry.Cancelled(run.id)
	halted := false
	inFlight := 0

	for {
		select {
		case <-cancelled:
			cancelled = nil
			halted = true
			ready = nil
		default:
		}
		if !halted {
			for _, id := range ready {
				step := *run.def.Step(id)
				input, err := resolver.ResolveMap(step.Input, resolver.Scope{Input: run.input, Steps: outputs})
				if err != nil {
					log.Warn("Step input could not be resolved", "step_id", id, "error", err)
					e.failUnstarted(run, step, err)
					if e.onFailure(run, id) {
						halted = true
						break
					}
					continue
				}
				e.markEligible(run, step)
				inFlight++
				e.wg.Add(1)
				go e.dispatch(ctx, run, step, input, sem, done)
			}
			ready = nil
		}

		if inFlight == 0 {
			break
		}

		select {
		case res := <-done:
			inFlight--
			switch res.status {
			case models.StepCompleted:
				outputs[res.id] = res.output
				for _, d := range g.Dependents(res.id) {
					remaining[d]--
					if remaining[d] == 0 {
						ready = append(ready, d)
					}
				}
			case models.StepFailed:
				if e.onFailure(run, res.id) {
					halted = true
				}
			}
		case <-cancelled:
			cancelled = nil
			halted = true
			ready = nil
			log.Info("Cancellation observed, waiting for in-flight steps", "in_flight", inFlight)
		case <-ctx.Done():
			return e.timeOut(run, log)
		}
	}

	final, err := e.registry.Finish(run.base, run.id, func(x *models.WorkflowExecution) {
		if x.Status.IsTerminal() {
			return
		}
		for _, s := range x.Steps {
			if s.Status == models.StepFailed {
				x.Status = models.ExecutionFailed
				x.Error = fmt.Sprintf("step %s failed: %s", s.ID, s.Error)
				return
			}
		}
		x.Status = models.ExecutionCompleted
	})
	if err != nil {
		log.Error("Failed to settle execution", "error", err)
	}
	return final
}

// markEligible creates the pending record of a step about to be dispatched.
func (e *Engine) markEligible(run *execution, step models.StepDefinition) {
	_, _ = e.registry.Update(run.base, run.id, func(x *models.WorkflowExecution) bool {
		if x.Status.IsTerminal() || x.Step(step.ID) != nil {
			return false
		}
		x.Steps = append(x.Steps, models.StepExecution{
			ID: step.ID, Agent: step.Agent, Operation: step.Operation, Status: models.StepPending,
		})
		return true
	})
}

// failUnstarted records a step that failed before reaching an agent.
func (e *Engine) failUnstarted(run *execution, step models.StepDefinition, cause error) {
	_, _ = e.registry.Update(run.base, run.id, func(x *models.WorkflowExecution) bool {
		now := e.now()
		s := x.Step(step.ID)
		if s == nil {
			x.Steps = append(x.Steps, models.StepExecution{ID: step.ID, Agent: step.Agent, Operation: step.Operation})
			s = &x.Steps[len(x.Steps)-1]
		} else if s.Status != models.StepPending {
			return false
		}
		s.Status = models.StepFailed
		s.Error = cause.Error()
		s.CompletedAt = &now
		return true
	})
}

// onFailure applies the failure policy after step id failed and reports
// whether scheduling must stop. Fail-fast skips every step that has not
// started; continueOnError skips only the failed step's descendants.
func (e *Engine) onFailure(run *execution, id string) bool {
	if run.opts.ContinueOnError {
		skip := run.graph.Descendants(id)
		_, _ = e.registry.Update(run.base, run.id, func(x *models.WorkflowExecution) bool {
			changed := false
			for _, d := range skip {
				s := x.Step(d)
				if s == nil {
					step := run.def.Step(d)
					x.Steps = append(x.Steps, models.StepExecution{ID: d, Agent: step.Agent, Operation: step.Operation, Status: models.StepSkipped})
					changed = true
				} else if s.Status == models.StepPending {
					s.Status = models.StepSkipped
					changed = true
				}
			}
			return changed
		})
		return false
	}

	_, _ = e.registry.Update(run.base, run.id, func(x *models.WorkflowExecution) bool {
		changed := false
		for i := range x.Steps {
			if x.Steps[i].Status == models.StepPending {
				x.Steps[i].Status = models.StepSkipped
				changed = true
			}
		}
		return changed
	})
	return true
}

// timeOut settles an execution whose deadline passed. Running steps fail,
// everything else is skipped, and results that arrive later are dropped.
func (e *Engine) timeOut(run *execution, log *logging.Logger) *models.WorkflowExecution {
	msg := fmt.Sprintf("workflow timed out after %s", run.timeout)
	final, err := e.registry.Finish(run.base, run.id, func(x *models.WorkflowExecution) {
		now := e.now()
		for i := range x.Steps {
			if x.Steps[i].Status == models.StepRunning {
				x.Steps[i].Status = models.StepFailed
				x.Steps[i].Error = msg
				x.Steps[i].CompletedAt = &now
			}
		}
		if !x.Status.IsTerminal() {
			x.Status = models.ExecutionFailed
			x.Error = msg
		}
	})
	if err != nil {
		log.Error("Failed to settle timed out execution", "error", err)
	}
	log.Warn("Workflow execution timed out", "timeout", run.timeout)
	return final
}

// dispatch runs one step on its own goroutine and reports on done. The step
// only starts if its record is still pending once a parallelism slot is free;
// its result is only recorded if the record is still running.
func (e *Engine) dispatch(ctx context.Context, run *execution, step models.StepDefinition, input map[string]any, sem *semaphore.Weighted, done chan<- stepResult) {
	defer e.wg.Done()
	res := stepResult{id: step.ID, status: models.StepSkipped}
	defer func() { done <- res }()

	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	began, _ := e.registry.Update(run.base, run.id, func(x *models.WorkflowExecution) bool {
		s := x.Step(step.ID)
		if s == nil || s.Status != models.StepPending || x.Status.IsTerminal() {
			return false
		}
		now := e.now()
		s.Status = models.StepRunning
		s.StartedAt = &now
		return true
	})
	if !began {
		return
	}

	var out stepOutcome
	if runner, ok := e.runners[step.Type]; ok {
		out = runner(ctx, run, step, input)
	} else {
		out.err = fmt.Errorf("unsupported step type %q", step.Type)
	}

	status := models.StepCompleted
	if out.err != nil {
		status = models.StepFailed
	}
	recorded, _ := e.registry.Update(run.base, run.id, func(x *models.WorkflowExecution) bool {
		s := x.Step(step.ID)
		if s == nil || s.Status != models.StepRunning {
			return false
		}
		now := e.now()
		s.Status = status
		s.Attempts = out.attempts
		s.CompletedAt = &now
		if out.err != nil {
			s.Error = out.err.Error()
			return true
		}
		usage := out.usage
		s.Output = out.output
		s.Usage = &usage
		x.Output[step.ID] = out.output
		x.TotalCostUSD += usage.CostUSD
		x.Tokens.Input += usage.InputTokens
		x.Tokens.Output += usage.OutputTokens
		return true
	})
	if recorded {
		res.status = status
		res.output = out.output
	}
}

// runAgentStep invokes the step's agent, retrying transient failures with
// exponential backoff.
func (e *Engine) runAgentStep(ctx context.Context, run *execution, step models.StepDefinition, input map[string]any) stepOutcome {
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("execution.id", run.id),
		attribute.String("step.id", step.ID),
		attribute.String("agent", step.Agent),
		attribute.String("operation", step.Operation),
	))
	defer span.End()

	started := time.Now()
	var out stepOutcome
	op := func() error {
		out.attempts++
		res, err := e.invoker.Invoke(ctx, step.Agent, step.Operation, input)
		if err != nil {
			if agents.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if res == nil {
			return backoff.Permanent(errors.New("agent returned no result"))
		}
		out.output = res.Data
		out.usage = res.Usage
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if e.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = e.cfg.RetryInitialInterval
	}
	if e.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = e.cfg.RetryMaxInterval
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(run.retries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		e.logger.Warn("Agent call failed, retrying",
			"execution_id", run.id,
			"step_id", step.ID,
			"agent", step.Agent,
			"attempt", out.attempts,
			"retry_in", wait,
			"error", err,
		)
	})

	status := string(models.StepCompleted)
	if err != nil {
		out.err = fmt.Errorf("agent %s/%s failed after %d attempt(s): %w", step.Agent, step.Operation, out.attempts, err)
		out.output = nil
		out.usage = models.Usage{}
		status = string(models.StepFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("step.attempts", out.attempts))
	e.metrics.step(ctx, step.Agent, status, out.attempts, float64(time.Since(started).Milliseconds()), out.usage.CostUSD)
	return out
}
