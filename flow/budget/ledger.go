package budget

import (
	"sync"
	"time"

	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/registry"
)

// Call is one settled model call: the usage the provider reported, priced at
// the capability's rates.
type Call struct {
	// Model is the registry capability ID, not the provider API model ID.
	Model string

	// NodeID is the workflow node that made the call.
	NodeID string

	// InputTokens and OutputTokens are the provider-reported usage.
	InputTokens  int
	OutputTokens int

	// CostUSD is the settled cost of this call.
	CostUSD float64

	// At is when the call settled.
	At time.Time
}

// Summary aggregates a ledger for reporting on invocation results.
type Summary struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Ledger accumulates settled calls across one invocation. Safe for
// concurrent use; parallel fan-out nodes may record simultaneously.
type Ledger struct {
	mu           sync.RWMutex
	calls        []Call
	perModel     map[string]float64
	inputTokens  int64
	outputTokens int64
	costUSD      float64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{perModel: make(map[string]float64)}
}

// Record appends a fully-formed call. Most callers want RecordUsage, which
// prices the call first.
func (l *Ledger) Record(call Call) {
	if call.At.IsZero() {
		call.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
	l.perModel[call.Model] += call.CostUSD
	l.inputTokens += int64(call.InputTokens)
	l.outputTokens += int64(call.OutputTokens)
	l.costUSD += call.CostUSD
}

// RecordUsage prices provider-reported usage at the capability's rates,
// records the call, and returns it.
func (l *Ledger) RecordUsage(capability registry.Capability, nodeID string, usage provider.Usage) Call {
	call := Call{
		Model:        capability.ID,
		NodeID:       nodeID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD: capability.Pricing.InputPer1K*float64(usage.InputTokens)/1000.0 +
			capability.Pricing.OutputPer1K*float64(usage.OutputTokens)/1000.0,
		At: time.Now(),
	}
	l.Record(call)
	return call
}

// TotalCostUSD returns the settled cost so far.
func (l *Ledger) TotalCostUSD() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.costUSD
}

// TokenUsage returns the settled input and output token totals.
func (l *Ledger) TokenUsage() (input, output int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inputTokens, l.outputTokens
}

// CostByModel returns settled cost per capability ID.
func (l *Ledger) CostByModel() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.perModel))
	for k, v := range l.perModel {
		out[k] = v
	}
	return out
}

// Calls returns a copy of the call history in record order.
func (l *Ledger) Calls() []Call {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// Summarize reduces the ledger to totals.
func (l *Ledger) Summarize() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Summary{
		Calls:        len(l.calls),
		InputTokens:  l.inputTokens,
		OutputTokens: l.outputTokens,
		CostUSD:      l.costUSD,
	}
}
