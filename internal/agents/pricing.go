package agents

import (
	"sort"
	"strings"
)

// Price is the USD cost per 1K tokens for one model.
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Pricing maps model names to prices. Lookups match the longest model key
// contained in the requested name, so "claude-3.5-sonnet-20241022" resolves
// to "claude-3.5-sonnet".
type Pricing struct {
	prices   map[string]Price
	fallback Price
}

// NewPricing builds a pricing table. fallback applies to unknown models.
func NewPricing(prices map[string]Price, fallback Price) *Pricing {
	p := &Pricing{prices: make(map[string]Price, len(prices)), fallback: fallback}
	for k, v := range prices {
		p.prices[strings.ToLower(k)] = v
	}
	return p
}

// DefaultPricing returns the table the platform agents bill against.
func DefaultPricing() *Pricing {
	return NewPricing(map[string]Price{
		"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"gpt-4":             {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4o":            {InputPer1K: 0.005, OutputPer1K: 0.015},
		"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-sonnet":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"claude-3.5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	}, Price{InputPer1K: 0.003, OutputPer1K: 0.015})
}

// Lookup returns the price for model.
func (p *Pricing) Lookup(model string) Price {
	m := strings.ToLower(model)
	if price, ok := p.prices[m]; ok {
		return price
	}
	keys := make([]string, 0, len(p.prices))
	for k := range p.prices {
		keys = append(keys, k)
	}
	// longest match first so "gpt-4o" wins over "gpt-4"
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.Contains(m, k) {
			return p.prices[k]
		}
	}
	return p.fallback
}

// CalculateCost converts a token count into USD for model.
func (p *Pricing) CalculateCost(model string, inputTokens, outputTokens int) float64 {
	price := p.Lookup(model)
	return float64(inputTokens)/1000.0*price.InputPer1K + float64(outputTokens)/1000.0*price.OutputPer1K
}
