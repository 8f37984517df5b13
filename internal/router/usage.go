package router

import (
	"sync"

	"github.com/itsmostafa/rlmgo/internal/provider"
)

// ModelUsage is the per-model usage triple tracked by the router.
type ModelUsage struct {
	Calls        int `json:"calls"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageSummary maps a model name to its cumulative usage.
// Monotonic per router instance.
type UsageSummary map[string]ModelUsage

// Add merges another summary into this one.
func (s UsageSummary) Add(other UsageSummary) {
	for model, u := range other {
		cur := s[model]
		cur.Calls += u.Calls
		cur.InputTokens += u.InputTokens
		cur.OutputTokens += u.OutputTokens
		s[model] = cur
	}
}

// UsageTracker accumulates per-model usage under a mutex. A single Track
// call is atomic relative to concurrent batched dispatches.
type UsageTracker struct {
	mu      sync.Mutex
	byModel UsageSummary
	last    ModelUsage
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{byModel: make(UsageSummary)}
}

// Track records one adapter call for the named model.
func (t *UsageTracker) Track(model string, usage provider.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.byModel[model]
	cur.Calls++
	cur.InputTokens += usage.InputTokens
	cur.OutputTokens += usage.OutputTokens
	t.byModel[model] = cur

	t.last = ModelUsage{
		Calls:        1,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
}

// Summary returns a consistent snapshot of cumulative usage.
func (t *UsageTracker) Summary() UsageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(UsageSummary, len(t.byModel))
	for model, u := range t.byModel {
		out[model] = u
	}
	return out
}

// LastUsage returns the most recently tracked single triple, regardless
// of model.
func (t *UsageTracker) LastUsage() ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
