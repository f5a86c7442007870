package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoflow-ai/convoflow/flow/state"
)

const defaultMemorySize = 10

type conversationMemoryConfig struct {
	MemorySize int `json:"memorySize,omitempty"`
}

// conversationMemory loads recent turns from the conversation store and
// registers the commit hook that persists this exchange at end of
// invocation.
type conversationMemory struct {
	id  string
	cfg conversationMemoryConfig
}

func newConversationMemory(def Def) (Runner, error) {
	var cfg conversationMemoryConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MemorySize < 0 {
		return nil, fmt.Errorf("memorySize must be non-negative")
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = defaultMemorySize
	}
	return &conversationMemory{id: def.ID, cfg: cfg}, nil
}

func (n *conversationMemory) Kind() string { return KindConversationMemory }

func (n *conversationMemory) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	turns, err := rt.Store.RecentTurns(ctx, rt.ConversationID, n.cfg.MemorySize)
	if err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: "STORE_ERROR", Message: "loading conversation memory", Cause: err,
		}
	}

	userPrompt := view.String(state.FieldUserPrompt)
	conversationID := rt.ConversationID
	rt.OnCommit(func(ctx context.Context, final *state.State) error {
		var exchange []state.Turn
		if strings.TrimSpace(userPrompt) != "" {
			exchange = append(exchange, state.Turn{Role: state.RoleUser, Content: userPrompt})
		}
		reply := final.String(state.FieldFormattedResponse)
		if reply == "" {
			reply = final.String(state.FieldModelResponse)
		}
		if strings.TrimSpace(reply) != "" {
			exchange = append(exchange, state.Turn{Role: state.RoleAssistant, Content: reply})
		}
		if len(exchange) == 0 {
			return nil
		}
		return rt.Store.AppendTurns(ctx, conversationID, exchange)
	})

	if len(turns) == 0 {
		return Result{Delta: state.Delta{}}, nil
	}
	history := make([]state.Turn, 0, len(turns))
	for _, t := range turns {
		history = append(history, state.Turn{Role: t.Role, Content: t.Content})
	}
	return Result{Delta: state.Delta{state.FieldMemory: history}}, nil
}
