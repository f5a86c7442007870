package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/convoflow-ai/convoflow/flow/vector"
)

type vectorWriteConfig struct {
	// Fields lists the state fields whose text gets embedded and upserted.
	Fields    []string `json:"fields"`
	Namespace string   `json:"namespace,omitempty"`
}

// vectorWrite persists embeddings of selected state fields. It has no
// effect on control flow and returns an empty delta.
type vectorWrite struct {
	id  string
	cfg vectorWriteConfig
}

func newVectorWrite(def Def) (Runner, error) {
	var cfg vectorWriteConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("fields must be non-empty")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &vectorWrite{id: def.ID, cfg: cfg}, nil
}

func (n *vectorWrite) Kind() string { return KindVectorWrite }

func (n *vectorWrite) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	items := make([]vector.Item, 0, len(n.cfg.Fields))
	for _, field := range n.cfg.Fields {
		text := strings.TrimSpace(view.String(field))
		if text == "" {
			continue
		}
		embedding, err := rt.Embedder.Embed(ctx, text)
		if err != nil {
			return Result{}, &Error{
				NodeID: n.id, Kind: n.Kind(),
				Code: "VECTOR_WRITE_FAILED", Message: "embedding field " + field, Cause: err,
			}
		}
		items = append(items, vector.Item{
			ID:        rt.ConversationID + ":" + field,
			Embedding: embedding,
			Text:      text,
			Metadata: map[string]any{
				"conversationId": rt.ConversationID,
				"field":          field,
			},
		})
	}
	if len(items) == 0 {
		return Result{Delta: state.Delta{}}, nil
	}

	if err := rt.Index.Upsert(ctx, n.cfg.Namespace, items); err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: "VECTOR_WRITE_FAILED", Message: "upserting embeddings", Cause: err,
		}
	}
	return Result{Delta: state.Delta{}, Payload: map[string]any{"written": len(items)}}, nil
}
