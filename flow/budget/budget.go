// Package budget projects the token count and USD cost of prospective model
// calls and enforces the configured spending caps before any provider is
// contacted.
package budget

import (
	"errors"
	"fmt"
	"math"

	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/registry"
)

// Refusal codes carried by Error.
const (
	// CodeBudgetExceeded marks a refusal against the request cost cap or
	// token cap. The conversation can continue with a cheaper call.
	CodeBudgetExceeded = "BUDGET_EXCEEDED"

	// CodeEmergencyCapHit marks the unconditional refusal at the emergency
	// cost threshold. Per-request overrides cannot raise this ceiling.
	CodeEmergencyCapHit = "EMERGENCY_CAP_HIT"
)

// Error is a budget refusal. It halts the current invocation; the executor
// surfaces the code on the ERROR progress event.
type Error struct {
	// Code is CodeBudgetExceeded or CodeEmergencyCapHit.
	Code string

	// Message describes which cap refused the call.
	Message string

	// ProjectedTokens is the estimated input token count.
	ProjectedTokens int

	// ProjectedUSD is the estimated call cost.
	ProjectedUSD float64

	// Limit is the cap value that refused the call (USD or tokens,
	// depending on Code and Message).
	Limit float64
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRefusal reports whether err is (or wraps) a budget refusal.
func IsRefusal(err error) bool {
	var be *Error
	return errors.As(err, &be)
}

// Tokenizer is a provider-accurate token counter, plugged in for
// capabilities whose tokenizer mode is "exact".
type Tokenizer func(text string) int

// Caps are the three configured spending thresholds. A value of zero (or
// less) disables that cap.
type Caps struct {
	// RequestCostCapUSD refuses calls whose projected cost exceeds it.
	RequestCostCapUSD float64

	// TokenCap refuses calls whose projected input tokens exceed it.
	TokenCap int

	// EmergencyCostThresholdUSD refuses, unconditionally, any call whose
	// projected cost reaches it.
	EmergencyCostThresholdUSD float64
}

// Overrides are per-request cap adjustments. Nil pointer fields inherit the
// configured caps. The emergency threshold has no override on purpose.
type Overrides struct {
	RequestCostCapUSD *float64
	TokenCap          *int
}

// Projection is the estimated footprint of one prospective call.
type Projection struct {
	// InputTokens is the estimated input-side token count.
	InputTokens int

	// ReservedOutputTokens is the capability's reserved output allowance,
	// priced into CostUSD.
	ReservedOutputTokens int

	// CostUSD is the projected call cost: input tokens plus reserved output
	// tokens at the capability's per-1K rates.
	CostUSD float64
}

// Guard projects and enforces. Construct once at startup; safe for
// concurrent use.
type Guard struct {
	caps  Caps
	exact Tokenizer
}

// NewGuard creates a Guard with the given caps. The exact tokenizer may be
// nil; capabilities in "exact" mode then fall back to the heuristic.
func NewGuard(caps Caps, exact Tokenizer) *Guard {
	return &Guard{caps: caps, exact: exact}
}

// Caps returns the configured thresholds.
func (g *Guard) Caps() Caps {
	return g.caps
}

// EstimateTokens estimates the input token count of a message sequence for
// the given capability.
//
// The heuristic estimate is ceil(L/charsPerToken) + overhead·N where L is
// the total content length and N the message count. Mode "exact" uses the
// plugged-in tokenizer per message (plus the same overhead); mode "off"
// returns zero, which disables input-side cap enforcement.
func (g *Guard) EstimateTokens(capability registry.Capability, messages []provider.Message) int {
	tok := capability.Tokenizer
	switch tok.Mode {
	case registry.TokenizerOff:
		return 0
	case registry.TokenizerExact:
		if g.exact != nil {
			total := 0
			for _, m := range messages {
				total += g.exact(m.Content)
			}
			return total + tok.Overhead*len(messages)
		}
		// No exact tokenizer plugged in: estimate heuristically.
	}

	charsPerToken := tok.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	length := 0
	for _, m := range messages {
		length += len(m.Content)
	}
	return int(math.Ceil(float64(length)/charsPerToken)) + tok.Overhead*len(messages)
}

// Project estimates the token and USD footprint of a call without enforcing
// any cap.
func (g *Guard) Project(capability registry.Capability, messages []provider.Message) Projection {
	inputTokens := g.EstimateTokens(capability, messages)
	reserved := capability.ReservedOutputTokens
	cost := capability.Pricing.InputPer1K*float64(inputTokens)/1000.0 +
		capability.Pricing.OutputPer1K*float64(reserved)/1000.0
	return Projection{
		InputTokens:          inputTokens,
		ReservedOutputTokens: reserved,
		CostUSD:              cost,
	}
}

// Check projects the call and enforces the caps, most severe first. A nil
// overrides argument uses the configured caps unchanged.
func (g *Guard) Check(capability registry.Capability, messages []provider.Message, ov *Overrides) (Projection, error) {
	proj := g.Project(capability, messages)

	if g.caps.EmergencyCostThresholdUSD > 0 && proj.CostUSD >= g.caps.EmergencyCostThresholdUSD {
		return proj, &Error{
			Code: CodeEmergencyCapHit,
			Message: fmt.Sprintf("projected cost $%.4f reaches emergency threshold $%.4f",
				proj.CostUSD, g.caps.EmergencyCostThresholdUSD),
			ProjectedTokens: proj.InputTokens,
			ProjectedUSD:    proj.CostUSD,
			Limit:           g.caps.EmergencyCostThresholdUSD,
		}
	}

	costCap := g.caps.RequestCostCapUSD
	if ov != nil && ov.RequestCostCapUSD != nil {
		costCap = *ov.RequestCostCapUSD
	}
	if costCap > 0 && proj.CostUSD > costCap {
		return proj, &Error{
			Code: CodeBudgetExceeded,
			Message: fmt.Sprintf("projected cost $%.4f exceeds request cap $%.4f",
				proj.CostUSD, costCap),
			ProjectedTokens: proj.InputTokens,
			ProjectedUSD:    proj.CostUSD,
			Limit:           costCap,
		}
	}

	tokenCap := g.caps.TokenCap
	if ov != nil && ov.TokenCap != nil {
		tokenCap = *ov.TokenCap
	}
	if tokenCap > 0 && proj.InputTokens > tokenCap {
		return proj, &Error{
			Code: CodeBudgetExceeded,
			Message: fmt.Sprintf("projected input of %d tokens exceeds token cap %d",
				proj.InputTokens, tokenCap),
			ProjectedTokens: proj.InputTokens,
			ProjectedUSD:    proj.CostUSD,
			Limit:           float64(tokenCap),
		}
	}

	return proj, nil
}
