package llm

import (
	"sync"

	"github.com/nexusdev/nexus/pkg/models"
)

// UsageTracker accumulates token usage per agent type across API calls.
type UsageTracker struct {
	mu     sync.Mutex
	byType map[AgentType]*models.TokenUsage
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		byType: make(map[AgentType]*models.TokenUsage),
	}
}

// Add records token usage from one API call made on behalf of agent.
func (t *UsageTracker) Add(agent AgentType, input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.byType[agent]
	if !ok {
		u = &models.TokenUsage{}
		t.byType[agent] = u
	}
	u.Add(input, output)
}

// ByAgent returns the accumulated usage for one agent type.
func (t *UsageTracker) ByAgent(agent AgentType) models.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u, ok := t.byType[agent]; ok {
		return *u
	}
	return models.TokenUsage{}
}

// Totals returns usage summed over all agent types.
func (t *UsageTracker) Totals() models.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total models.TokenUsage
	for _, u := range t.byType {
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.Calls += u.Calls
	}
	return total
}

// Reset clears all tracked usage.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType = make(map[AgentType]*models.TokenUsage)
}

// Cost estimates the cost in USD based on current Claude pricing.
// This uses approximate pricing and should be updated as pricing changes.
func (t *UsageTracker) Cost() float64 {
	total := t.Totals()
	// Sonnet pricing: $3/1M input, $15/1M output (approximate)
	inputCost := float64(total.InputTokens) / 1_000_000 * 3.0
	outputCost := float64(total.OutputTokens) / 1_000_000 * 15.0
	return inputCost + outputCost
}
