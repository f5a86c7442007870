// Package prompt assembles per-invocation model inputs from execution state
// under the capability's token budget.
//
// Assembly order is fixed: style directive, step prompt, output-format
// directive, retrieved context, conversation memory, current user prompt.
// The result is normalized so the non-system body always starts with a user
// turn, then truncated deterministically (memory oldest-first, then the
// context block, then the user message tail) until it fits the capability's
// context window minus its reserved output tokens. System messages are never
// truncated.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/convoflow-ai/convoflow/flow/budget"
	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/registry"
	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/rs/zerolog"
)

// BasePromptVersion identifies the assembly policy. Bump whenever assembly
// semantics change so downstream consumers can segment metrics by policy.
const BasePromptVersion = "cv-prompt/2"

// inputToken is replaced in step prompts with the canonical JSON of the
// state's input payload.
const inputToken = "{{input}}"

// seedUserTurn is appended when normalization finds no user content at all.
const seedUserTurn = "Begin."

// Output formats honored by the format directive.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// Segment names used in the metadata token breakdown.
const (
	segmentStyle   = "style"
	segmentStep    = "step"
	segmentFormat  = "format"
	segmentContext = "context"
	segmentMemory  = "memory"
	segmentUser    = "user"
)

// Error is a prompt assembly failure, surfaced to the executor as
// PROMPT_BUILD_FAILED.
type Error struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "PROMPT_BUILD_FAILED: " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Metadata describes one assembled prompt.
type Metadata struct {
	// TotalTokens is the estimated input token count after truncation.
	TotalTokens int

	// CostEstimateUSD projects the call cost including reserved output.
	CostEstimateUSD float64

	// BuildTimeMs is the wall time spent assembling.
	BuildTimeMs int64

	// BasePromptVersion is the assembly policy version.
	BasePromptVersion string

	// TruncationApplied is true when anything was dropped or shortened.
	TruncationApplied bool

	// PIIDetected is true when the assembled text matched a PII pattern.
	PIIDetected bool

	// SegmentTokens breaks the estimate down by assembly segment.
	SegmentTokens map[string]int
}

// NodeConfig is the subset of a node's configuration the engine reads.
// DecodeNodeConfig extracts it from the currentNodeConfig state field.
type NodeConfig struct {
	SystemPrompt string `json:"systemPrompt"`
	UseMemory    bool   `json:"useMemory"`
	MemorySize   int    `json:"memorySize"`
	OutputFormat string `json:"outputFormat"`
	Tone         string `json:"tone"`
	Style        string `json:"style"`
}

// DecodeNodeConfig converts a raw config map into a NodeConfig via a JSON
// round-trip, tolerating absent keys.
func DecodeNodeConfig(raw map[string]any) (NodeConfig, error) {
	var cfg NodeConfig
	if raw == nil {
		return cfg, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, &Error{Message: "node config not serializable", Cause: err}
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, &Error{Message: "node config shape invalid", Cause: err}
	}
	return cfg, nil
}

// Engine assembles prompts. Construct once; safe for concurrent use.
type Engine struct {
	guard   *budget.Guard
	logger  zerolog.Logger
	archive Archive
}

// Option configures an Engine.
type Option func(*Engine)

// WithArchive enables sampled prompt archive logging.
func WithArchive(archive Archive) Option {
	return func(e *Engine) { e.archive = archive }
}

// WithLogger sets the logger used by the prompt archive.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a prompt engine using guard for token estimation.
func NewEngine(guard *budget.Guard, opts ...Option) *Engine {
	e := &Engine{guard: guard, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// segment is one assembled block, tracked separately until truncation so
// the budget loop knows what it may shorten.
type segment struct {
	name    string
	message provider.Message
}

// Build assembles the message sequence for a model call.
//
// stepPrompt overrides the node config's systemPrompt when non-empty. The
// node config is read from the state's currentNodeConfig field.
func (e *Engine) Build(st *state.State, capability registry.Capability, stepPrompt string) ([]provider.Message, Metadata, error) {
	start := time.Now()

	cfg, err := DecodeNodeConfig(st.Map(state.FieldCurrentNodeConfig))
	if err != nil {
		return nil, Metadata{}, err
	}
	if stepPrompt == "" {
		stepPrompt = cfg.SystemPrompt
	}

	var system []segment
	var memory []provider.Message
	var user *provider.Message

	// 1. Style/tone directive.
	if directive := styleDirective(cfg.Tone, cfg.Style); directive != "" {
		system = append(system, segment{segmentStyle, provider.Message{Role: provider.RoleSystem, Content: directive}})
	}

	// 2. Step prompt with {{input}} interpolation.
	if stepPrompt != "" {
		interpolated, err := e.interpolateInput(stepPrompt, st)
		if err != nil {
			return nil, Metadata{}, err
		}
		system = append(system, segment{segmentStep, provider.Message{Role: provider.RoleSystem, Content: interpolated}})
	}

	// 3. Output-format directive.
	if directive := formatDirective(cfg.OutputFormat); directive != "" {
		system = append(system, segment{segmentFormat, provider.Message{Role: provider.RoleSystem, Content: directive}})
	}

	// 4. Retrieved-context block.
	contextBlock := ""
	if meta := st.Map(state.FieldContextMeta); meta != nil {
		if count, ok := toInt(meta["count"]); ok && count > 0 {
			if text := st.String(state.FieldRetrievedContext); text != "" {
				contextBlock = "Use the following retrieved context when answering:\n\n" + text
			}
		}
	}

	// 5. Conversation memory, most recent memorySize turns in order.
	if cfg.UseMemory {
		turns := st.Turns(state.FieldMemory)
		size := cfg.MemorySize
		if size <= 0 {
			size = 10
		}
		if len(turns) > size {
			turns = turns[len(turns)-size:]
		}
		for _, t := range turns {
			memory = append(memory, provider.Message{Role: t.Role, Content: t.Content})
		}
	}

	// 6. Current user prompt.
	if up := st.String(state.FieldUserPrompt); up != "" {
		user = &provider.Message{Role: provider.RoleUser, Content: up}
	}

	messages, truncated := e.assemble(capability, system, contextBlock, memory, user)

	proj := e.guard.Project(capability, messages)
	meta := Metadata{
		TotalTokens:       proj.InputTokens,
		CostEstimateUSD:   proj.CostUSD,
		BuildTimeMs:       time.Since(start).Milliseconds(),
		BasePromptVersion: BasePromptVersion,
		TruncationApplied: truncated,
		PIIDetected:       detectPII(messages),
		SegmentTokens:     e.segmentBreakdown(capability, system, contextBlock, memory, user),
	}

	e.archiveLog(e.logger, messages, meta)
	return messages, meta, nil
}

// assemble joins the segments, normalizes the body, and truncates to the
// capability budget.
func (e *Engine) assemble(capability registry.Capability, system []segment, contextBlock string, memory []provider.Message, user *provider.Message) ([]provider.Message, bool) {
	budgetTokens := capability.ContextWindow - capability.ReservedOutputTokens

	join := func(ctxBlock string, mem []provider.Message, usr *provider.Message) []provider.Message {
		out := make([]provider.Message, 0, len(system)+len(mem)+2)
		for _, seg := range system {
			out = append(out, seg.message)
		}
		if ctxBlock != "" {
			out = append(out, provider.Message{Role: provider.RoleSystem, Content: ctxBlock})
		}
		out = append(out, mem...)
		if usr != nil {
			out = append(out, *usr)
		}
		return normalize(out)
	}

	truncated := false
	fits := func(msgs []provider.Message) bool {
		return budgetTokens <= 0 || e.guard.EstimateTokens(capability, msgs) <= budgetTokens
	}

	messages := join(contextBlock, memory, user)
	if fits(messages) {
		return messages, false
	}

	// Drop memory turns oldest-first.
	for len(memory) > 0 {
		truncated = true
		memory = memory[1:]
		messages = join(contextBlock, memory, user)
		if fits(messages) {
			return messages, true
		}
	}

	// Shrink the retrieved-context block by halves.
	for contextBlock != "" {
		truncated = true
		if len(contextBlock) < 64 {
			contextBlock = ""
		} else {
			contextBlock = contextBlock[:len(contextBlock)/2]
		}
		messages = join(contextBlock, memory, user)
		if fits(messages) {
			return messages, true
		}
	}

	// Last resort: keep the tail of the user message.
	if user != nil {
		content := user.Content
		for len(content) > 0 {
			truncated = true
			content = content[len(content)/2:]
			trimmed := provider.Message{Role: provider.RoleUser, Content: content}
			messages = join(contextBlock, memory, &trimmed)
			if fits(messages) || len(content) <= 1 {
				return messages, true
			}
		}
	}

	return messages, truncated
}

// normalize guarantees a user-first conversation body: if no user turn
// exists one is appended, and an assistant-first body gets a user turn
// prepended before it.
func normalize(messages []provider.Message) []provider.Message {
	firstBody := -1
	hasUser := false
	for i, m := range messages {
		if m.Role == provider.RoleSystem {
			continue
		}
		if firstBody == -1 {
			firstBody = i
		}
		if m.Role == provider.RoleUser {
			hasUser = true
		}
	}
	if hasUser && firstBody >= 0 && messages[firstBody].Role != provider.RoleAssistant {
		return messages
	}

	if !hasUser {
		if firstBody == -1 {
			return append(messages, provider.Message{Role: provider.RoleUser, Content: seedUserTurn})
		}
		// Assistant turns exist but no user turn: prepend a seed before the
		// first body message.
		out := make([]provider.Message, 0, len(messages)+1)
		out = append(out, messages[:firstBody]...)
		out = append(out, provider.Message{Role: provider.RoleUser, Content: seedUserTurn})
		out = append(out, messages[firstBody:]...)
		return out
	}

	if messages[firstBody].Role == provider.RoleAssistant {
		out := make([]provider.Message, 0, len(messages)+1)
		out = append(out, messages[:firstBody]...)
		out = append(out, provider.Message{Role: provider.RoleUser, Content: seedUserTurn})
		out = append(out, messages[firstBody:]...)
		return out
	}
	return messages
}

// interpolateInput replaces {{input}} with the canonical JSON of the state
// input payload. Map keys marshal in sorted order, which makes the
// interpolation deterministic.
func (e *Engine) interpolateInput(stepPrompt string, st *state.State) (string, error) {
	if !strings.Contains(stepPrompt, inputToken) {
		return stepPrompt, nil
	}
	input, _ := st.Get(state.FieldInput)
	if input == nil {
		input = map[string]any{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", &Error{Message: "input payload not serializable", Cause: err}
	}
	return strings.ReplaceAll(stepPrompt, inputToken, string(data)), nil
}

func (e *Engine) segmentBreakdown(capability registry.Capability, system []segment, contextBlock string, memory []provider.Message, user *provider.Message) map[string]int {
	breakdown := make(map[string]int)
	for _, seg := range system {
		breakdown[seg.name] += e.guard.EstimateTokens(capability, []provider.Message{seg.message})
	}
	if contextBlock != "" {
		breakdown[segmentContext] = e.guard.EstimateTokens(capability, []provider.Message{{Role: provider.RoleSystem, Content: contextBlock}})
	}
	if len(memory) > 0 {
		breakdown[segmentMemory] = e.guard.EstimateTokens(capability, memory)
	}
	if user != nil {
		breakdown[segmentUser] = e.guard.EstimateTokens(capability, []provider.Message{*user})
	}
	return breakdown
}

var nonWord = regexp.MustCompile(`[^\w\s-]`)
var multiSpace = regexp.MustCompile(`\s+`)

// styleDirective builds the optional leading system message from sanitized
// tone/style config: non-word runes stripped, whitespace collapsed, capped
// at 120 characters.
func styleDirective(tone, style string) string {
	tone = sanitizeDirective(tone)
	style = sanitizeDirective(style)
	switch {
	case tone != "" && style != "":
		return fmt.Sprintf("Respond in a %s tone, in %s style.", tone, style)
	case tone != "":
		return fmt.Sprintf("Respond in a %s tone.", tone)
	case style != "":
		return fmt.Sprintf("Respond in %s style.", style)
	default:
		return ""
	}
}

func sanitizeDirective(s string) string {
	s = nonWord.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func formatDirective(format string) string {
	switch format {
	case FormatJSON:
		return "Respond with a single valid JSON value and nothing else. No prose, no code fences."
	case FormatMarkdown:
		return "Respond in Markdown. Headings and lists are permitted."
	default:
		return ""
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
