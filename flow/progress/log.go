package progress

import "github.com/rs/zerolog"

// LogObserver mirrors every progress event as one structured log line.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates an observer writing to the given logger.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Observe implements Observer.
func (l *LogObserver) Observe(event Event) {
	entry := l.logger.Info()
	if event.Kind == KindError {
		entry = l.logger.Error()
	}
	entry.
		Str("conversation", event.ConversationID).
		Str("invocation", event.InvocationID).
		Int("seq", event.Seq).
		Str("node", event.NodeID).
		Str("kind", string(event.Kind)).
		Msg("progress")
}

var _ Observer = (*LogObserver)(nil)
