package services

import (
	"context"
	"encoding/json"
	"fmt"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/resolver"
	"testforge/backend/internal/workflows"
	"testforge/backend/pkg/models"
)

// Estimator projects the cost of a run without invoking any agent.
type Estimator struct {
	catalog *Catalog
	agents  *agents.Registry
	pricing *agents.Pricing
	counter agents.TokenCounter
}

// NewEstimator creates a new Estimator. A nil counter counts one token per
// four bytes.
func NewEstimator(catalog *Catalog, pricing *agents.Pricing, counter agents.TokenCounter) *Estimator {
	if counter == nil {
		counter = agents.HeuristicCounter{}
	}
	return &Estimator{
		catalog: catalog,
		agents:  catalog.Agents(),
		pricing: pricing,
		counter: counter,
	}
}

// Estimate walks the workflow in dependency order. A step's input tokens are
// the serialized resolved input plus the agent's prompt overhead plus the
// estimated output of every upstream step it reads; output tokens are the
// agent's average.
func (e *Estimator) Estimate(ctx context.Context, workflowID string, input map[string]any) (*models.CostEstimate, error) {
	def, err := e.catalog.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := workflows.CheckInput(def, input); err != nil {
		return nil, err
	}
	graph, err := workflows.NewGraph(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}

	// Upstream outputs are unknown before a run; they contribute their
	// estimated size instead of text.
	lenient := &resolver.Resolver{
		OnMissing: func(resolver.Reference, *resolver.UnresolvedVariableError) (any, error) {
			return "", nil
		},
	}
	scope := resolver.Scope{Input: input, Steps: map[string]any{}}

	est := &models.CostEstimate{
		WorkflowID: def.ID,
		Breakdown:  make([]models.StepCostEstimate, 0, graph.Len()),
	}
	outputTokens := make(map[string]int, graph.Len())

	for _, id := range graph.TopologicalOrder() {
		step := def.Step(id)
		capability, ok := e.agents.Lookup(step.Agent)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, step.Agent)
		}

		resolved, err := lenient.ResolveMap(step.Input, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve input of step %s: %w", id, err)
		}
		payload, err := json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize input of step %s: %w", id, err)
		}

		in := e.counter.Count(string(payload)) + capability.PromptOverheadTokens
		seen := map[string]bool{}
		for _, ref := range resolver.References(step.Input) {
			if ref.Kind == resolver.KindStep && !seen[ref.StepID] {
				seen[ref.StepID] = true
				in += outputTokens[ref.StepID]
			}
		}
		out := capability.AvgOutputTokens
		outputTokens[id] = out

		cost := e.pricing.CalculateCost(capability.Model, in, out)
		est.Breakdown = append(est.Breakdown, models.StepCostEstimate{
			StepID:           id,
			Agent:            step.Agent,
			Operation:        step.Operation,
			Model:            capability.Model,
			EstimatedCostUSD: cost,
			EstimatedTokens:  models.TokenCount{Input: in, Output: out},
		})
		est.EstimatedCostUSD += cost
		est.EstimatedTokens.Input += in
		est.EstimatedTokens.Output += out
	}
	return est, nil
}
