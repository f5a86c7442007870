package provider

import (
	"errors"
	"fmt"

	"github.com/convoflow-ai/convoflow/flow/registry"
)

// InferenceType selects between a capability's API model id variants.
type InferenceType string

const (
	// InferenceOnDemand targets the provider's directly-addressed model id.
	InferenceOnDemand InferenceType = "onDemand"

	// InferenceServerless targets the serverless / inference-profile id
	// when the capability declares one.
	InferenceServerless InferenceType = "serverless"
)

// ErrNoClient indicates that no adapter was registered for a capability's
// API convention.
var ErrNoClient = errors.New("no client registered for api convention")

// Selector maps capability API conventions to provider clients and resolves
// the concrete API model id for each call.
//
// Register every adapter at startup; the selector is read-only afterwards,
// same as the capability registry.
type Selector struct {
	clients          map[string]Client
	defaultInference InferenceType
}

// NewSelector creates a selector whose unresolved calls default to the given
// inference type. An empty default means on-demand.
func NewSelector(defaultInference InferenceType) *Selector {
	if defaultInference == "" {
		defaultInference = InferenceOnDemand
	}
	return &Selector{
		clients:          make(map[string]Client),
		defaultInference: defaultInference,
	}
}

// Register binds a client to an API convention, replacing any prior binding.
func (s *Selector) Register(convention string, client Client) {
	s.clients[convention] = client
}

// Select resolves the client and API model id for a capability. Passing an
// empty inference type uses the selector's default. Requesting serverless
// for a capability without a serverless id falls back to on-demand.
func (s *Selector) Select(cap registry.Capability, inference InferenceType) (Client, string, error) {
	client, ok := s.clients[cap.Convention]
	if !ok {
		return nil, "", fmt.Errorf("capability %q: %w: %q", cap.ID, ErrNoClient, cap.Convention)
	}

	if inference == "" {
		inference = s.defaultInference
	}
	modelID := cap.APIModelIDs.OnDemand
	if inference == InferenceServerless && cap.APIModelIDs.Serverless != "" {
		modelID = cap.APIModelIDs.Serverless
	}
	if modelID == "" {
		return nil, "", fmt.Errorf("capability %q declares no api model id", cap.ID)
	}
	return client, modelID, nil
}
