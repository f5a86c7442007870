package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Factory builds a Runner from a node definition. Factories validate config
// eagerly so a bad workflow fails at validation time, not at step N.
type Factory func(def Def) (Runner, error)

// Registry maps node kinds to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in node kind registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindConversationMemory, newConversationMemory)
	r.Register(KindIntentClassifier, newIntentClassifier)
	r.Register(KindRouter, newRouter)
	r.Register(KindSlotTracker, newSlotTracker)
	r.Register(KindVectorSearch, newVectorSearch)
	r.Register(KindVectorWrite, newVectorWrite)
	r.Register(KindModelInvoke, newModelInvoke)
	r.Register(KindFormat, newFormat)
	r.Register(KindStreamToClient, newStreamToClient)
	return r
}

// Register binds a factory to a kind, replacing any prior binding.
func (r *Registry) Register(kind string, factory Factory) {
	r.factories[kind] = factory
}

// Kinds returns the registered kind names in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the Runner for a definition.
func (r *Registry) Build(def Def) (Runner, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("node definition missing id")
	}
	factory, ok := r.factories[def.Kind]
	if !ok {
		return nil, fmt.Errorf("node %s: unknown kind %q", def.ID, def.Kind)
	}
	runner, err := factory(def)
	if err != nil {
		return nil, fmt.Errorf("node %s (%s): %w", def.ID, def.Kind, err)
	}
	return runner, nil
}

// decodeConfig round-trips a raw config map into a typed struct, rejecting
// keys the struct does not declare.
func decodeConfig(raw map[string]any, into any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config not serializable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
