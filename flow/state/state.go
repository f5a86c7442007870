// Package state implements the reducer-merged execution state shared by all
// nodes of a ConvoFlow workflow.
//
// State is a mapping from named fields to values. Every field is declared in
// a Schema together with a Reducer that decides how a partial update (a
// Delta returned by a node) merges into the accumulated value. Merging never
// mutates in place: each merge produces a new State, which keeps executor
// steps atomic with respect to state.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Message roles used in conversation memory and prompt assembly.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Canonical field names. Workflow definitions, router conditions, and node
// deltas all address state through these keys.
const (
	// Identity fields, seeded by Fresh and replaced wholesale.
	FieldUserID         = "userId"
	FieldWorkflowID     = "workflowId"
	FieldConversationID = "conversationId"

	// FieldUserPrompt holds the current turn's raw user input.
	FieldUserPrompt = "userPrompt"

	// FieldMemory is the ordered conversation history (append-only).
	FieldMemory = "memory"

	// Slot collection fields maintained by SlotTracker nodes.
	FieldSlotValues     = "slotValues"
	FieldSlotAttempts   = "slotAttempts"
	FieldCurrentSlotKey = "currentSlotKey"
	FieldAllSlotsFilled = "allSlotsFilled"

	// Intent classification results.
	FieldIntent           = "intent"
	FieldIntentConfidence = "intentConfidence"

	// Routing controls consumed (and cleared) by the executor.
	FieldNextNode      = "nextNode"
	FieldRoutingReason = "routingReason"
	FieldRouteChosen   = "__routeChosen"

	// Model output fields.
	FieldModelResponse     = "modelResponse"
	FieldFormattedResponse = "formattedResponse"

	// Executor bookkeeping: the node currently running.
	FieldCurrentNodeID     = "currentNodeId"
	FieldCurrentNodeType   = "currentNodeType"
	FieldCurrentNodeConfig = "currentNodeConfig"

	// Access control and progress visibility.
	FieldAllowedDocumentIDs = "allowedDocumentIds"
	FieldOwnersForProgress  = "ownersForProgress"

	// Retrieval results produced by VectorSearch.
	FieldContextMeta      = "contextMeta"
	FieldRetrievedContext = "retrievedContext"

	// FieldInput carries a structured template payload between nodes; the
	// Prompt Engine interpolates it into {{input}} tokens.
	FieldInput = "input"

	// Suspension controls.
	FieldNeedsUserInput = "__needsUserInput"
	FieldAwaitingInput  = "awaitingInputFor"
	FieldAwaitingPrompt = "awaitingPrompt"
	FieldInputCursor    = "inputCursor"
)

// ErrUnknownField is returned by Merge when a delta addresses a field the
// schema does not declare. Unknown keys are rejected rather than silently
// stored so that typos in node configs fail loudly.
var ErrUnknownField = errors.New("unknown state field")

// Turn is one conversation exchange stored in memory.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is a partial state update returned by a node. Only the fields a node
// wants to change appear; each is merged through its declared reducer.
type Delta map[string]any

// Reducer merges a field update into the field's prior value and returns the
// next value. Reducers must be pure: they never modify prior or update, and
// always return a freshly built value for container types.
//
// Reducers also normalize JSON-decoded shapes (e.g. []any of role/content
// maps into []Turn) so that a snapshot loaded from storage behaves exactly
// like the state it was taken from.
type Reducer func(prior, update any) (any, error)

// Replace is the default reducer: the update wins. Absent fields are simply
// not merged, so prior values survive until overwritten.
func Replace(prior, update any) (any, error) {
	_ = prior
	return update, nil
}

// AppendTurns concatenates conversation turns. Both prior and update may be
// []Turn, a single Turn, or the JSON-decoded equivalents ([]any / map with
// "role" and "content" keys). The result is always a fresh []Turn.
func AppendTurns(prior, update any) (any, error) {
	head, err := toTurns(prior)
	if err != nil {
		return nil, fmt.Errorf("append prior: %w", err)
	}
	tail, err := toTurns(update)
	if err != nil {
		return nil, fmt.Errorf("append update: %w", err)
	}
	merged := make([]Turn, 0, len(head)+len(tail))
	merged = append(merged, head...)
	merged = append(merged, tail...)
	return merged, nil
}

// MergeMap unions two string-keyed maps with update keys overwriting prior
// keys. The result is always a fresh map[string]any.
func MergeMap(prior, update any) (any, error) {
	base, err := toStringMap(prior)
	if err != nil {
		return nil, fmt.Errorf("merge prior: %w", err)
	}
	over, err := toStringMap(update)
	if err != nil {
		return nil, fmt.Errorf("merge update: %w", err)
	}
	merged := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged, nil
}

// StickyNumeric keeps the prior value unless the update is a number. Integral
// values are normalized to int so counters survive JSON round-trips.
func StickyNumeric(prior, update any) (any, error) {
	if n, ok := toNumber(update); ok {
		return normalizeNumber(n), nil
	}
	if n, ok := toNumber(prior); ok {
		return normalizeNumber(n), nil
	}
	return prior, nil
}

// Schema declares the set of legal state fields and the reducer governing
// each one. Schemas are immutable after construction and safe for concurrent
// use.
type Schema struct {
	reducers map[string]Reducer
}

// NewSchema builds a schema from a field → reducer mapping. The mapping is
// copied; later changes to the argument do not affect the schema.
func NewSchema(fields map[string]Reducer) *Schema {
	reducers := make(map[string]Reducer, len(fields))
	for name, r := range fields {
		if r == nil {
			r = Replace
		}
		reducers[name] = r
	}
	return &Schema{reducers: reducers}
}

// DefaultSchema returns the canonical ConvoFlow field schema: conversation
// memory appends, slot maps merge, the input cursor is sticky-numeric, and
// everything else replaces.
func DefaultSchema() *Schema {
	return NewSchema(map[string]Reducer{
		FieldUserID:             Replace,
		FieldWorkflowID:         Replace,
		FieldConversationID:     Replace,
		FieldUserPrompt:         Replace,
		FieldMemory:             AppendTurns,
		FieldSlotValues:         MergeMap,
		FieldSlotAttempts:       MergeMap,
		FieldCurrentSlotKey:     Replace,
		FieldAllSlotsFilled:     Replace,
		FieldIntent:             Replace,
		FieldIntentConfidence:   Replace,
		FieldNextNode:           Replace,
		FieldRoutingReason:      Replace,
		FieldRouteChosen:        Replace,
		FieldModelResponse:      Replace,
		FieldFormattedResponse:  Replace,
		FieldCurrentNodeID:      Replace,
		FieldCurrentNodeType:    Replace,
		FieldCurrentNodeConfig:  Replace,
		FieldAllowedDocumentIDs: Replace,
		FieldOwnersForProgress:  Replace,
		FieldContextMeta:        Replace,
		FieldRetrievedContext:   Replace,
		FieldInput:              Replace,
		FieldNeedsUserInput:     Replace,
		FieldAwaitingInput:      Replace,
		FieldAwaitingPrompt:     Replace,
		FieldInputCursor:        StickyNumeric,
	})
}

// Has reports whether the schema declares the field.
func (sc *Schema) Has(field string) bool {
	_, ok := sc.reducers[field]
	return ok
}

// Fields returns the declared field names in sorted order.
func (sc *Schema) Fields() []string {
	names := make([]string, 0, len(sc.reducers))
	for name := range sc.reducers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seed carries the per-invocation identity values Fresh plants into a new
// state.
type Seed struct {
	UserID             string
	WorkflowID         string
	ConversationID     string
	UserPrompt         string
	AllowedDocumentIDs []string
	OwnersForProgress  []string
	Input              map[string]any
}

// State is an immutable snapshot of workflow execution state. All mutation
// happens through Merge, which returns a new State.
type State struct {
	schema *Schema
	values map[string]any
}

// Fresh creates a new state seeded with identity and request fields, empty
// collections, and a zero input cursor.
func Fresh(schema *Schema, seed Seed) *State {
	values := map[string]any{
		FieldUserID:             seed.UserID,
		FieldWorkflowID:         seed.WorkflowID,
		FieldConversationID:     seed.ConversationID,
		FieldUserPrompt:         seed.UserPrompt,
		FieldMemory:             []Turn{},
		FieldSlotValues:         map[string]any{},
		FieldSlotAttempts:       map[string]any{},
		FieldAllSlotsFilled:     false,
		FieldNeedsUserInput:     false,
		FieldInputCursor:        0,
		FieldAllowedDocumentIDs: append([]string(nil), seed.AllowedDocumentIDs...),
		FieldOwnersForProgress:  append([]string(nil), seed.OwnersForProgress...),
	}
	if seed.Input != nil {
		values[FieldInput] = seed.Input
	}
	return &State{schema: schema, values: values}
}

// Schema returns the schema governing this state.
func (s *State) Schema() *Schema {
	return s.schema
}

// Merge applies a delta through the per-field reducers and returns the
// resulting state. The receiver is never modified. A delta addressing a
// field outside the schema fails with ErrUnknownField.
func (s *State) Merge(delta Delta) (*State, error) {
	next := make(map[string]any, len(s.values)+len(delta))
	for k, v := range s.values {
		next[k] = v
	}
	for field, update := range delta {
		reduce, ok := s.schema.reducers[field]
		if !ok {
			return nil, fmt.Errorf("merge %q: %w", field, ErrUnknownField)
		}
		merged, err := reduce(next[field], update)
		if err != nil {
			return nil, fmt.Errorf("merge %q: %w", field, err)
		}
		next[field] = merged
	}
	return &State{schema: s.schema, values: next}, nil
}

// Get returns the raw value of a field and whether it is present.
func (s *State) Get(field string) (any, bool) {
	v, ok := s.values[field]
	return v, ok
}

// String returns the field as a string, or "" when absent or not a string.
func (s *State) String(field string) string {
	v, _ := s.values[field].(string)
	return v
}

// Bool returns the field as a bool, or false when absent or not a bool.
func (s *State) Bool(field string) bool {
	v, _ := s.values[field].(bool)
	return v
}

// Int returns the field as an int, coercing JSON-decoded float64 values.
func (s *State) Int(field string) int {
	if n, ok := toNumber(s.values[field]); ok {
		return int(n)
	}
	return 0
}

// Float returns the field as a float64, coercing int values.
func (s *State) Float(field string) float64 {
	if n, ok := toNumber(s.values[field]); ok {
		return n
	}
	return 0
}

// StringSlice returns the field as a []string, coercing JSON-decoded []any
// values. The returned slice is a fresh copy.
func (s *State) StringSlice(field string) []string {
	switch v := s.values[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// Map returns the field as a map[string]any, or nil when absent or not a
// map. The returned map is a shallow copy.
func (s *State) Map(field string) map[string]any {
	v, ok := s.values[field]
	if !ok {
		return nil
	}
	m, err := toStringMap(v)
	if err != nil {
		return nil
	}
	return m
}

// Turns returns the field as conversation turns, coercing JSON-decoded
// shapes. The returned slice is a fresh copy.
func (s *State) Turns(field string) []Turn {
	turns, err := toTurns(s.values[field])
	if err != nil {
		return nil
	}
	return turns
}

// Values returns a deep copy of all field values, suitable for inspection or
// use as a predicate-evaluation environment.
func (s *State) Values() map[string]any {
	copied, err := deepCopyValues(s.values)
	if err != nil {
		// Values are JSON-built by construction; a copy failure means a
		// reducer produced something unmarshalable, which Merge would have
		// rejected earlier. Fall back to a shallow copy.
		shallow := make(map[string]any, len(s.values))
		for k, v := range s.values {
			shallow[k] = v
		}
		return shallow
	}
	return copied
}

// Clone returns an independent deep copy of the state.
func (s *State) Clone() *State {
	return &State{schema: s.schema, values: s.Values()}
}

// Snapshot serializes the state to an opaque blob suitable for persistence.
// Load restores it; the round-trip is lossless with respect to reducer
// behavior.
func (s *State) Snapshot() ([]byte, error) {
	data, err := json.Marshal(s.values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state snapshot: %w", err)
	}
	return data, nil
}

// Load restores a state from a Snapshot blob. Every field is passed through
// its reducer (with a nil prior) so JSON-decoded shapes are normalized back
// into their canonical in-memory forms.
func Load(schema *Schema, blob []byte) (*State, error) {
	var raw map[string]any
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state snapshot: %w", err)
	}
	values := make(map[string]any, len(raw))
	for field, v := range raw {
		reduce, ok := schema.reducers[field]
		if !ok {
			return nil, fmt.Errorf("load %q: %w", field, ErrUnknownField)
		}
		normalized, err := reduce(nil, v)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", field, err)
		}
		values[field] = normalized
	}
	return &State{schema: schema, values: values}, nil
}

// deepCopyValues copies a value map using JSON round-trip serialization.
// This works for every shape reducers produce: primitives, maps, slices,
// and Turn structs.
func deepCopyValues(values map[string]any) (map[string]any, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	return copied, nil
}

func toTurns(v any) ([]Turn, error) {
	switch t := v.(type) {
	case nil:
		return []Turn{}, nil
	case []Turn:
		return append([]Turn(nil), t...), nil
	case Turn:
		return []Turn{t}, nil
	case map[string]any:
		turn, err := mapToTurn(t)
		if err != nil {
			return nil, err
		}
		return []Turn{turn}, nil
	case []any:
		turns := make([]Turn, 0, len(t))
		for _, item := range t {
			switch it := item.(type) {
			case Turn:
				turns = append(turns, it)
			case map[string]any:
				turn, err := mapToTurn(it)
				if err != nil {
					return nil, err
				}
				turns = append(turns, turn)
			default:
				return nil, fmt.Errorf("cannot use %T as conversation turn", item)
			}
		}
		return turns, nil
	case []map[string]any:
		turns := make([]Turn, 0, len(t))
		for _, item := range t {
			turn, err := mapToTurn(item)
			if err != nil {
				return nil, err
			}
			turns = append(turns, turn)
		}
		return turns, nil
	default:
		return nil, fmt.Errorf("cannot use %T as conversation turns", v)
	}
}

func mapToTurn(m map[string]any) (Turn, error) {
	role, _ := m["role"].(string)
	content, _ := m["content"].(string)
	if role == "" {
		return Turn{}, fmt.Errorf("conversation turn missing role")
	}
	return Turn{Role: role, Content: content}, nil
}

func toStringMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	case map[string]int:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot use %T as map field", v)
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// normalizeNumber keeps integral values as int so counters such as
// inputCursor stay comparable after a JSON round-trip.
func normalizeNumber(n float64) any {
	if n == math.Trunc(n) && !math.IsInf(n, 0) {
		return int(n)
	}
	return n
}
