package flow

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/convoflow-ai/convoflow/flow/node"
)

// Edge is an unconditional transition. Conditional branching belongs to
// Router nodes; edges only wire the static path.
type Edge struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Definition is the stored shape of a workflow document.
type Definition struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	EntryPoint string     `json:"entryPoint"`
	Nodes      []node.Def `json:"nodes"`
	Edges      []Edge     `json:"edges,omitempty"`
}

// definitionSchema is the JSON shape contract checked before any structural
// validation, so malformed documents fail with a field-level message instead
// of a decoding panic deeper in.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "entryPoint", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "entryPoint": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "id": {"type": "string"},
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// ParseDefinition decodes and shape-checks a workflow document.
func ParseDefinition(doc []byte) (*Definition, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return nil, &EngineError{
			Code: CodeWorkflowInvalid, Message: "workflow document is not valid JSON", Cause: err,
		}
	}
	if !result.Valid() {
		msg := "workflow document failed schema validation"
		if errs := result.Errors(); len(errs) > 0 {
			msg = fmt.Sprintf("workflow document: %s", errs[0])
		}
		return nil, &EngineError{Code: CodeWorkflowInvalid, Message: msg}
	}

	var def Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, &EngineError{
			Code: CodeWorkflowInvalid, Message: "decoding workflow document", Cause: err,
		}
	}
	return &def, nil
}

// Workflow is a validated, compiled definition ready for execution. Node
// configs were decoded and checked eagerly, so a config typo fails here and
// never at step N of a live conversation.
type Workflow struct {
	def     *Definition
	runners map[string]node.Runner
	kinds   map[string]string
	edges   map[string][]string

	// Unreachable lists nodes no path from the entry point touches. Kept as
	// a warning, not an error: routing targets written by nextNode remain
	// legal destinations.
	Unreachable []string
}

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.def.ID }

// EntryPoint returns the entry node id.
func (w *Workflow) EntryPoint() string { return w.def.EntryPoint }

// Compile validates a definition against the node registry and builds every
// node. All validation from the definition's perspective happens here.
func Compile(def *Definition, reg *node.Registry) (*Workflow, error) {
	if def == nil {
		return nil, &EngineError{Code: CodeWorkflowInvalid, Message: "nil workflow definition"}
	}
	if reg == nil {
		reg = node.NewRegistry()
	}

	wf := &Workflow{
		def:     def,
		runners: make(map[string]node.Runner, len(def.Nodes)),
		kinds:   make(map[string]string, len(def.Nodes)),
		edges:   make(map[string][]string),
	}

	for _, nd := range def.Nodes {
		if _, dup := wf.runners[nd.ID]; dup {
			return nil, &EngineError{
				Code: CodeWorkflowInvalid, Message: "duplicate node id " + nd.ID,
			}
		}
		runner, err := reg.Build(nd)
		if err != nil {
			return nil, &EngineError{
				Code: CodeWorkflowInvalid, Message: err.Error(), Cause: err,
			}
		}
		wf.runners[nd.ID] = runner
		wf.kinds[nd.ID] = nd.Kind
	}

	if _, ok := wf.runners[def.EntryPoint]; !ok {
		return nil, &EngineError{
			Code: CodeWorkflowInvalid, Message: "entryPoint references unknown node " + def.EntryPoint,
		}
	}

	for _, edge := range def.Edges {
		if _, ok := wf.runners[edge.From]; !ok {
			return nil, &EngineError{
				Code: CodeWorkflowInvalid, Message: "edge from unknown node " + edge.From,
			}
		}
		if _, ok := wf.runners[edge.To]; !ok {
			return nil, &EngineError{
				Code: CodeWorkflowInvalid, Message: "edge to unknown node " + edge.To,
			}
		}
		wf.edges[edge.From] = append(wf.edges[edge.From], edge.To)
	}

	// A node with several unconditional edges has no way to pick one; that
	// fan-out belongs to a Router.
	for from, targets := range wf.edges {
		if len(targets) > 1 && wf.kinds[from] != node.KindRouter {
			return nil, &EngineError{
				Code:    CodeWorkflowInvalid,
				Message: fmt.Sprintf("node %s has %d unconditional edges; use a Router", from, len(targets)),
			}
		}
	}

	if err := wf.checkRouteTargets(def); err != nil {
		return nil, err
	}

	if !wf.hasTerminal() {
		return nil, &EngineError{
			Code: CodeWorkflowInvalid, Message: "workflow has no terminal node",
		}
	}

	wf.Unreachable = wf.unreachableFrom(def.EntryPoint, def)
	return wf, nil
}

// routeTargets pulls the node-id destinations out of a node config:
// Router routes[].target + defaultRoute, SlotTracker fallbackRoute.
func routeTargets(nd node.Def) []string {
	var targets []string
	if raw, ok := nd.Config["routes"].([]any); ok {
		for _, r := range raw {
			if m, ok := r.(map[string]any); ok {
				if t, ok := m["target"].(string); ok && t != "" {
					targets = append(targets, t)
				}
			}
		}
	}
	if t, ok := nd.Config["defaultRoute"].(string); ok && t != "" {
		targets = append(targets, t)
	}
	if t, ok := nd.Config["fallbackRoute"].(string); ok && t != "" {
		targets = append(targets, t)
	}
	return targets
}

func (w *Workflow) checkRouteTargets(def *Definition) error {
	for _, nd := range def.Nodes {
		for _, target := range routeTargets(nd) {
			if _, ok := w.runners[target]; !ok {
				return &EngineError{
					Code:    CodeWorkflowInvalid,
					Message: fmt.Sprintf("node %s routes to unknown node %s", nd.ID, target),
				}
			}
		}
	}
	return nil
}

func (w *Workflow) hasTerminal() bool {
	for id, kind := range w.kinds {
		if node.Terminal(kind) {
			return true
		}
		if len(w.edges[id]) == 0 && len(routeTargets(w.defOf(id))) == 0 {
			return true
		}
	}
	return false
}

func (w *Workflow) defOf(id string) node.Def {
	for _, nd := range w.def.Nodes {
		if nd.ID == id {
			return nd
		}
	}
	return node.Def{}
}

// unreachableFrom walks edges and route targets from the entry point and
// returns the node ids never visited, sorted by declaration order.
func (w *Workflow) unreachableFrom(entry string, def *Definition) []string {
	seen := map[string]bool{}
	stack := []string{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, w.edges[id]...)
		stack = append(stack, routeTargets(w.defOf(id))...)
	}

	var missing []string
	for _, nd := range def.Nodes {
		if !seen[nd.ID] {
			missing = append(missing, nd.ID)
		}
	}
	return missing
}

// successors returns the static edge targets of a node.
func (w *Workflow) successors(id string) []string {
	return w.edges[id]
}

// runner returns the compiled runner for a node id.
func (w *Workflow) runner(id string) (node.Runner, bool) {
	r, ok := w.runners[id]
	return r, ok
}

// configOf returns the raw config of a node, for currentNodeConfig exposure.
func (w *Workflow) configOf(id string) map[string]any {
	return w.defOf(id).Config
}
