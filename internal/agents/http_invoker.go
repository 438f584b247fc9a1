package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPInvoker calls agents exposed by the agent gateway over HTTP:
// POST {baseURL}/agents/{agent}/{operation} with body {"input": ...}.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	pricing *Pricing
}

// NewHTTPInvoker creates a new HTTPInvoker. A nil client uses one with the
// given timeout; a nil pricing table uses DefaultPricing.
func NewHTTPInvoker(baseURL string, client *http.Client, timeout time.Duration, pricing *Pricing) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		pricing: pricing,
	}
}

type invokeRequest struct {
	Input map[string]any `json:"input"`
}

// Invoke implements Invoker. Client errors (4xx) are permanent; network
// failures and server errors are transient.
func (c *HTTPInvoker) Invoke(ctx context.Context, agent, operation string, input map[string]any) (*Result, error) {
	requestBody, err := json.Marshal(invokeRequest{Input: input})
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to marshal request body: %w", err))
	}

	endpoint := fmt.Sprintf("%s/agents/%s/%s", c.baseURL, url.PathEscape(agent), url.PathEscape(operation))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("agent %s/%s returned status %d: %s", agent, operation, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(err)
		}
		return nil, err
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	if result.Usage.DurationMs == 0 {
		result.Usage.DurationMs = time.Since(started).Milliseconds()
	}
	if result.Usage.CostUSD == 0 && (result.Usage.InputTokens > 0 || result.Usage.OutputTokens > 0) {
		result.Usage.CostUSD = c.pricing.CalculateCost(result.Usage.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	}
	return &result, nil
}
