package node

import (
	"context"

	"github.com/convoflow-ai/convoflow/flow/state"
)

type streamToClientConfig struct{}

// streamToClient is the terminal node: its COMPLETED progress event carries
// the final response payload to every owner.
type streamToClient struct {
	id string
}

func newStreamToClient(def Def) (Runner, error) {
	var cfg streamToClientConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	return &streamToClient{id: def.ID}, nil
}

func (n *streamToClient) Kind() string { return KindStreamToClient }

func (n *streamToClient) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	response := view.String(state.FieldFormattedResponse)
	if response == "" {
		response = view.String(state.FieldModelResponse)
	}
	return Result{
		Delta:   state.Delta{},
		Payload: map[string]any{"formattedResponse": response},
	}, nil
}
