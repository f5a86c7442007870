package progress

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver turns progress events into OpenTelemetry spans. Each event
// becomes a short span named after its kind, carrying conversation,
// invocation, node, and seq attributes; ERROR events set span status.
type OTelObserver struct {
	tracer trace.Tracer
}

// NewOTelObserver creates an observer using the given tracer.
func NewOTelObserver(tracer trace.Tracer) *OTelObserver {
	return &OTelObserver{tracer: tracer}
}

// Observe implements Observer.
func (o *OTelObserver) Observe(event Event) {
	_, span := o.tracer.Start(context.Background(), "progress."+string(event.Kind),
		trace.WithAttributes(
			attribute.String("convoflow.conversation_id", event.ConversationID),
			attribute.String("convoflow.invocation_id", event.InvocationID),
			attribute.String("convoflow.node_id", event.NodeID),
			attribute.Int("convoflow.seq", event.Seq),
		))
	if event.Kind == KindError {
		code := ""
		if event.Payload != nil {
			code, _ = event.Payload["code"].(string)
		}
		span.SetStatus(codes.Error, fmt.Sprintf("node %s failed: %s", event.NodeID, code))
	}
	span.End()
}

var _ Observer = (*OTelObserver)(nil)
