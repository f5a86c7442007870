package node

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/convoflow-ai/convoflow/flow/vector"
)

const defaultResultCount = 5

type vectorSearchConfig struct {
	// SearchQuery is an optional template; {{field}} tokens interpolate
	// state fields. Empty means "search with the user prompt".
	SearchQuery string `json:"searchQuery,omitempty"`
	ResultCount int    `json:"resultCount,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

// vectorSearch retrieves context for the prompt engine, restricted to the
// caller's allowed documents.
type vectorSearch struct {
	id  string
	cfg vectorSearchConfig
}

func newVectorSearch(def Def) (Runner, error) {
	var cfg vectorSearchConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResultCount < 0 {
		return nil, fmt.Errorf("resultCount must be non-negative")
	}
	if cfg.ResultCount == 0 {
		cfg.ResultCount = defaultResultCount
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &vectorSearch{id: def.ID, cfg: cfg}, nil
}

func (n *vectorSearch) Kind() string { return KindVectorSearch }

func (n *vectorSearch) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	query := strings.TrimSpace(n.query(view))
	if query == "" {
		return Result{Delta: state.Delta{
			state.FieldRetrievedContext: "",
			state.FieldContextMeta:      map[string]any{"count": 0, "combinedTextLength": 0},
		}}, nil
	}

	embedding, err := rt.Embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: "VECTOR_QUERY_FAILED", Message: "embedding search query", Cause: err,
		}
	}

	filter := vector.Filter{DocumentIDs: view.StringSlice(state.FieldAllowedDocumentIDs)}
	results, err := rt.Index.Query(ctx, n.cfg.Namespace, embedding, n.cfg.ResultCount, filter)
	if err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: "VECTOR_QUERY_FAILED", Message: "querying vector index", Cause: err,
		}
	}

	texts := make([]string, 0, len(results))
	combinedLength := 0
	for _, r := range results {
		if r.Text == "" {
			continue
		}
		texts = append(texts, r.Text)
		combinedLength += len(r.Text)
	}

	return Result{
		Delta: state.Delta{
			state.FieldRetrievedContext: strings.Join(texts, "\n\n"),
			state.FieldContextMeta: map[string]any{
				"count":              len(texts),
				"combinedTextLength": combinedLength,
			},
		},
		Payload: map[string]any{"count": len(texts)},
	}, nil
}

var fieldToken = regexp.MustCompile(`\{\{(\w+)\}\}`)

// query resolves the search text: the configured template with {{field}}
// substitution, or the raw user prompt.
func (n *vectorSearch) query(view *state.State) string {
	if n.cfg.SearchQuery == "" {
		return view.String(state.FieldUserPrompt)
	}
	return fieldToken.ReplaceAllStringFunc(n.cfg.SearchQuery, func(token string) string {
		field := fieldToken.FindStringSubmatch(token)[1]
		if v, ok := view.Get(field); ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}
