package prompt

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/rs/zerolog"
)

// Archive configures sampled structured logging of assembled prompts.
// Sampling keeps the log volume bounded in production; redaction keeps
// configured values out of the archive.
type Archive struct {
	// SampleRate is the fraction of builds to archive, in [0, 1].
	// Zero disables archiving.
	SampleRate float64

	// MaxMessages caps how many messages of the prompt are logged.
	MaxMessages int

	// MaxChars caps the logged length of each message.
	MaxChars int

	// Redact lists substrings to mask in archived content, typically
	// secrets or customer identifiers known at configuration time.
	Redact []string
}

// DefaultArchive samples one build in fifty and clips aggressively.
func DefaultArchive() Archive {
	return Archive{SampleRate: 0.02, MaxMessages: 8, MaxChars: 400}
}

var archiveRand = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(rand.Int63()))}

func sampleHit(rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	archiveRand.Lock()
	defer archiveRand.Unlock()
	return archiveRand.Float64() < rate
}

// archiveLog emits one sampled log line describing the assembled prompt.
// Message content is clipped and redacted; the full prompt never reaches
// the log at default settings.
func (e *Engine) archiveLog(logger zerolog.Logger, messages []provider.Message, meta Metadata) {
	if !sampleHit(e.archive.SampleRate) {
		return
	}

	limit := e.archive.MaxMessages
	if limit <= 0 || limit > len(messages) {
		limit = len(messages)
	}
	arr := zerolog.Arr()
	for _, m := range messages[:limit] {
		content := e.redact(m.Content)
		if e.archive.MaxChars > 0 && len(content) > e.archive.MaxChars {
			content = content[:e.archive.MaxChars] + "..."
		}
		arr.Dict(zerolog.Dict().Str("role", m.Role).Str("content", content))
	}

	logger.Info().
		Str("promptVersion", meta.BasePromptVersion).
		Int("totalTokens", meta.TotalTokens).
		Float64("costEstimateUsd", meta.CostEstimateUSD).
		Bool("truncated", meta.TruncationApplied).
		Bool("piiDetected", meta.PIIDetected).
		Int("messageCount", len(messages)).
		Array("messages", arr).
		Msg("prompt archived")
}

func (e *Engine) redact(content string) string {
	for _, needle := range e.archive.Redact {
		if needle == "" {
			continue
		}
		content = strings.ReplaceAll(content, needle, "[REDACTED]")
	}
	return content
}
