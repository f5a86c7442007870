package progress

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WriteRetry bounds the per-row retry loop for sink writes.
type WriteRetry struct {
	// MaxAttempts includes the first attempt. Minimum 1.
	MaxAttempts int

	// BaseDelay is the exponential backoff base.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

// DefaultWriteRetry is three attempts with a 50ms base capped at 500ms.
// Progress writes sit on the step loop's critical path, so the budget is
// deliberately small.
func DefaultWriteRetry() WriteRetry {
	return WriteRetry{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

func (r WriteRetry) backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	delay := base * (1 << attempt)
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	return delay + jitter
}

// DropHandler is notified when an event could not be persisted for an owner
// after retries were exhausted. Used to feed metrics; the event is still
// lost for that owner.
type DropHandler func(event Event)

// Channel assigns sequence numbers and fans events out to owners. One
// Channel serves the whole process; Bind scopes it to an invocation.
type Channel struct {
	sink      Sink
	observers []Observer
	retry     WriteRetry
	logger    zerolog.Logger
	onDrop    DropHandler

	mu   sync.Mutex
	seqs map[seqKey]int
}

type seqKey struct {
	conversationID string
	invocationID   string
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithObserver mirrors every event to the observer.
func WithObserver(obs Observer) ChannelOption {
	return func(c *Channel) { c.observers = append(c.observers, obs) }
}

// WithWriteRetry overrides the sink write retry budget.
func WithWriteRetry(retry WriteRetry) ChannelOption {
	return func(c *Channel) {
		if retry.MaxAttempts >= 1 {
			c.retry = retry
		}
	}
}

// WithLogger sets the logger for write-failure warnings.
func WithLogger(logger zerolog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = logger }
}

// WithDropHandler registers a callback for exhausted writes.
func WithDropHandler(h DropHandler) ChannelOption {
	return func(c *Channel) { c.onDrop = h }
}

// NewChannel creates a progress channel writing to sink.
func NewChannel(sink Sink, opts ...ChannelOption) *Channel {
	c := &Channel{
		sink:   sink,
		retry:  DefaultWriteRetry(),
		logger: zerolog.Nop(),
		seqs:   make(map[seqKey]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind scopes the channel to one invocation. ownersFn is re-evaluated on
// every emit so ownership changes made mid-invocation (a node adding a
// supervisor, say) take effect immediately; userID is always an owner.
func (c *Channel) Bind(conversationID, invocationID, userID string, ownersFn func() []string) *Stream {
	return &Stream{
		channel:        c,
		conversationID: conversationID,
		invocationID:   invocationID,
		userID:         userID,
		ownersFn:       ownersFn,
	}
}

// nextSeq atomically assigns the next sequence number for the family.
func (c *Channel) nextSeq(conversationID, invocationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := seqKey{conversationID, invocationID}
	c.seqs[key]++
	return c.seqs[key]
}

// release forgets the seq counter of a finished invocation.
func (c *Channel) release(conversationID, invocationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seqs, seqKey{conversationID, invocationID})
}

// Stream emits progress events for one invocation.
type Stream struct {
	channel        *Channel
	conversationID string
	invocationID   string
	userID         string
	ownersFn       func() []string
}

// Emit assigns the next seq, resolves the owner set, and writes one row per
// owner. The owner writes run in parallel but Emit joins them before
// returning, so rows of one family reach the sink in seq order. Write
// failures are retried with backoff; exhaustion is logged and reported to
// the drop handler, never returned — progress loss must not abort
// execution. Emit returns the assigned seq.
func (s *Stream) Emit(ctx context.Context, nodeID string, kind Kind, payload map[string]any) int {
	c := s.channel
	seq := c.nextSeq(s.conversationID, s.invocationID)
	event := Event{
		ConversationID: s.conversationID,
		InvocationID:   s.invocationID,
		Seq:            seq,
		NodeID:         nodeID,
		Kind:           kind,
		Payload:        payload,
		Timestamp:      time.Now(),
	}

	for _, obs := range c.observers {
		obs.Observe(event)
	}

	owners := s.resolveOwners()
	var wg sync.WaitGroup
	for _, owner := range owners {
		row := event
		row.Owner = owner
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.writeWithRetry(ctx, row)
		}()
	}
	wg.Wait()
	return seq
}

// Close releases the invocation's sequence counter. Call after the final
// event of an invocation has been emitted.
func (s *Stream) Close() {
	s.channel.release(s.conversationID, s.invocationID)
}

// resolveOwners returns ownersFn() ∪ {userID}, deduplicated and sorted for
// deterministic fan-out order.
func (s *Stream) resolveOwners() []string {
	set := map[string]bool{}
	if s.userID != "" {
		set[s.userID] = true
	}
	if s.ownersFn != nil {
		for _, o := range s.ownersFn() {
			if o != "" {
				set[o] = true
			}
		}
	}
	owners := make([]string, 0, len(set))
	for o := range set {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

func (c *Channel) writeWithRetry(ctx context.Context, event Event) {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.retry.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				goto exhausted
			case <-timer.C:
			}
		}
		if lastErr = c.sink.Write(ctx, event); lastErr == nil {
			return
		}
	}
exhausted:
	c.logger.Warn().
		Err(lastErr).
		Str("conversation", event.ConversationID).
		Str("invocation", event.InvocationID).
		Str("owner", event.Owner).
		Int("seq", event.Seq).
		Str("kind", string(event.Kind)).
		Msg("progress write dropped after retries")
	if c.onDrop != nil {
		c.onDrop(event)
	}
}
