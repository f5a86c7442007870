package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convoflow-ai/convoflow/flow/state"
)

type formatConfig struct {
	OutputFormat string `json:"outputFormat"`
}

// format transforms modelResponse into formattedResponse. JSON output is
// parsed and re-emitted canonically so downstream consumers never see the
// model's whitespace or code fences.
type format struct {
	id  string
	cfg formatConfig
}

func newFormat(def Def) (Runner, error) {
	var cfg formatConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	switch cfg.OutputFormat {
	case "":
		cfg.OutputFormat = "text"
	case "json", "markdown", "text":
	default:
		return nil, fmt.Errorf("unknown outputFormat %q", cfg.OutputFormat)
	}
	return &format{id: def.ID, cfg: cfg}, nil
}

func (n *format) Kind() string { return KindFormat }

func (n *format) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	raw := view.String(state.FieldModelResponse)

	switch n.cfg.OutputFormat {
	case "json":
		canonical, err := canonicalJSON(raw)
		if err != nil {
			return Result{}, &Error{
				NodeID: n.id, Kind: n.Kind(),
				Code: CodeFormatFailed, Message: "model output is not valid JSON", Cause: err,
			}
		}
		return Result{Delta: state.Delta{state.FieldFormattedResponse: canonical}}, nil
	default:
		return Result{Delta: state.Delta{state.FieldFormattedResponse: strings.TrimSpace(raw)}}, nil
	}
}

// canonicalJSON parses the model output, tolerating markdown code fences,
// and re-emits compact canonical JSON.
func canonicalJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return "", err
	}
	out, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
